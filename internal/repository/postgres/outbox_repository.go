package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

const outboxColumns = `id, event_type, aggregate_id, payload, status, attempts, next_attempt_at, last_error, created_at, published_at`

type outboxRepository struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) repository.OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Enqueue(ctx context.Context, ev *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (` + outboxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		ev.ID,
		ev.EventType,
		ev.AggregateID,
		string(ev.Payload),
		ev.Status,
		ev.Attempts,
		ev.NextAttemptAt,
		nullableString(ev.LastError),
		ev.CreatedAt,
		ev.PublishedAt,
	)

	return mapError(err)
}

func (r *outboxRepository) FetchPending(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = 'pending' AND next_attempt_at <= $1
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	var events []*domain.OutboxEvent
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &events, query, now, limit); err != nil {
		return nil, mapError(err)
	}
	return events, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'published', attempts = attempts + 1, published_at = $2, last_error = NULL
		WHERE id = $1
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query, id, at)
	return mapError(err)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errMsg string) error {
	query := `
		UPDATE outbox_events
		SET attempts = attempts + 1, next_attempt_at = $2, last_error = $3
		WHERE id = $1
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query, id, nextAttemptAt, errMsg)
	return mapError(err)
}
