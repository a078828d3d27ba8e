package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

const retryColumns = `id, attempt_id, attempt_number, status, scheduled_for, started_at, finished_at, failure_reason, created_at`

type retryRepository struct {
	db *sqlx.DB
}

func NewRetryRepository(db *sqlx.DB) repository.RetryRepository {
	return &retryRepository{db: db}
}

func (r *retryRepository) Create(ctx context.Context, rec *domain.RetryRecord) error {
	query := `
		INSERT INTO retry_records (` + retryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		rec.ID,
		rec.AttemptID,
		rec.AttemptNumber,
		rec.Status,
		rec.ScheduledFor,
		rec.StartedAt,
		rec.FinishedAt,
		nullableString(rec.FailureReason),
		rec.CreatedAt,
	)

	return mapError(err)
}

func (r *retryRepository) GetLatestOpen(ctx context.Context, attemptID uuid.UUID) (*domain.RetryRecord, error) {
	query := `
		SELECT ` + retryColumns + `
		FROM retry_records
		WHERE attempt_id = $1 AND status IN ('pending', 'processing')
		ORDER BY attempt_number DESC
		LIMIT 1
	`

	var rec domain.RetryRecord
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &rec, query, attemptID); err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

func (r *retryRepository) Update(ctx context.Context, rec *domain.RetryRecord) error {
	query := `
		UPDATE retry_records
		SET status = $2, started_at = $3, finished_at = $4, failure_reason = $5
		WHERE id = $1
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		rec.ID,
		rec.Status,
		rec.StartedAt,
		rec.FinishedAt,
		nullableString(rec.FailureReason),
	)

	return mapError(err)
}

func (r *retryRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*domain.RetryRecord, error) {
	query := `
		SELECT ` + retryColumns + `
		FROM retry_records
		WHERE attempt_id = $1
		ORDER BY attempt_number
	`

	var records []*domain.RetryRecord
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &records, query, attemptID); err != nil {
		return nil, mapError(err)
	}
	return records, nil
}
