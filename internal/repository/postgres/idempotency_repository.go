package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

type idempotencyRepository struct {
	db *sqlx.DB
}

func NewIdempotencyRepository(db *sqlx.DB) repository.IdempotencyRepository {
	return &idempotencyRepository{db: db}
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT key, attempt_id, response, expires_at, created_at
		FROM idempotency_records
		WHERE key = $1
	`

	var rec domain.IdempotencyRecord
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &rec, query, key); err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

func (r *idempotencyRepository) Insert(ctx context.Context, rec *domain.IdempotencyRecord, now time.Time) (bool, error) {
	// An expired row is replaced, a live one is left alone
	query := `
		INSERT INTO idempotency_records (key, attempt_id, response, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET attempt_id = EXCLUDED.attempt_id,
			response = EXCLUDED.response,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at
		WHERE idempotency_records.expires_at <= $6
	`

	res, err := conn(ctx, r.db).ExecContext(ctx, query,
		rec.Key,
		rec.AttemptID,
		string(rec.Response),
		rec.ExpiresAt,
		rec.CreatedAt,
		now,
	)
	if err != nil {
		return false, mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
