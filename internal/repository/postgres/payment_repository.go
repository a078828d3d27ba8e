package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

const attemptColumns = `id, plan_id, owner_id, amount, method, provider, external_ref, idempotency_key, status,
		scheduled_date, due_date, retry_count, max_retries, next_retry_at, failure_reason, is_deposit,
		submitted_at, processed_at, created_at, updated_at`

type paymentRepository struct {
	db *sqlx.DB
}

func NewPaymentRepository(db *sqlx.DB) repository.PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, a *domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		a.ID,
		a.PlanID,
		a.OwnerID,
		a.Amount,
		a.Method,
		a.Provider,
		nullableString(a.ExternalRef),
		a.IdempotencyKey,
		a.Status,
		dateArg(a.ScheduledDate),
		dateArg(a.DueDate),
		a.RetryCount,
		a.MaxRetries,
		a.NextRetryAt,
		nullableString(a.FailureReason),
		a.IsDeposit,
		a.SubmittedAt,
		a.ProcessedAt,
		a.CreatedAt,
		a.UpdatedAt,
	)

	return mapError(err)
}

func (r *paymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	return r.get(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1`, id)
}

func (r *paymentRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	return r.get(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE id = $1 FOR UPDATE`, id)
}

func (r *paymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error) {
	return r.get(ctx, `SELECT `+attemptColumns+` FROM payment_attempts WHERE idempotency_key = $1`, key)
}

func (r *paymentRepository) get(ctx context.Context, query string, arg interface{}) (*domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &attempt, query, arg); err != nil {
		return nil, mapError(err)
	}
	return &attempt, nil
}

func (r *paymentRepository) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE plan_id = $1
		ORDER BY created_at, id
	`
	return r.list(ctx, query, planID)
}

func (r *paymentRepository) FindOpen(ctx context.Context, planID uuid.UUID, dueDate time.Time, isDeposit bool) (*domain.PaymentAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE plan_id = $1 AND due_date = $2 AND is_deposit = $3
			AND (status IN ('pending', 'processing') OR (status = 'failed' AND next_retry_at IS NOT NULL))
		ORDER BY created_at DESC
		LIMIT 1
	`

	var attempt domain.PaymentAttempt
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &attempt, query, planID, dateArg(dueDate), isDeposit); err != nil {
		return nil, mapError(err)
	}
	return &attempt, nil
}

func (r *paymentRepository) Transition(ctx context.Context, id uuid.UUID, from, to string, at time.Time) (bool, error) {
	query := `UPDATE payment_attempts SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	if to == domain.PaymentStatusProcessing {
		query = `UPDATE payment_attempts SET status = $3, updated_at = $4, submitted_at = $4 WHERE id = $1 AND status = $2`
	}

	res, err := conn(ctx, r.db).ExecContext(ctx, query, id, from, to, at)
	if err != nil {
		return false, mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *paymentRepository) Update(ctx context.Context, a *domain.PaymentAttempt) error {
	query := `
		UPDATE payment_attempts
		SET status = $2, external_ref = $3, retry_count = $4, next_retry_at = $5, failure_reason = $6,
			submitted_at = $7, processed_at = $8, updated_at = $9
		WHERE id = $1
	`

	res, err := conn(ctx, r.db).ExecContext(ctx, query,
		a.ID,
		a.Status,
		nullableString(a.ExternalRef),
		a.RetryCount,
		a.NextRetryAt,
		nullableString(a.FailureReason),
		a.SubmittedAt,
		a.ProcessedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *paymentRepository) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			AND retry_count <= max_retries
		ORDER BY next_retry_at, id
		LIMIT $2
	`
	return r.list(ctx, query, now, limit)
}

func (r *paymentRepository) ListStale(ctx context.Context, status string, before time.Time, after repository.Cursor, limit int) ([]*domain.PaymentAttempt, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM payment_attempts
		WHERE status = $1 AND COALESCE(submitted_at, created_at) < $2
			AND (COALESCE(submitted_at, created_at), id) > ($3::timestamptz, $4::uuid)
		ORDER BY COALESCE(submitted_at, created_at), id
		LIMIT $5
	`
	return r.list(ctx, query, status, before, after.At, after.ID, limit)
}

func (r *paymentRepository) ListOverdueCandidates(ctx context.Context, today time.Time, after repository.Cursor, limit int) ([]*domain.OverdueCandidate, error) {
	query := `
		SELECT plan_id, due_date
		FROM (
			SELECT a.plan_id, MIN(a.due_date) AS due_date
			FROM payment_attempts a
			JOIN payment_plans p ON p.id = a.plan_id
			WHERE a.is_deposit = FALSE
				AND a.status IN ('pending', 'failed')
				AND a.due_date < $1
				AND p.status IN ('active', 'overdue')
				AND NOT EXISTS (
					SELECT 1 FROM payment_attempts c
					WHERE c.plan_id = a.plan_id AND c.due_date = a.due_date
						AND c.is_deposit = FALSE AND c.status = 'completed'
				)
			GROUP BY a.plan_id
		) missed
		WHERE (due_date, plan_id) > ($2::date, $3::uuid)
		ORDER BY due_date, plan_id
		LIMIT $4
	`

	var candidates []*domain.OverdueCandidate
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &candidates, query, dateArg(today), dateArg(after.At), after.ID, limit); err != nil {
		return nil, mapError(err)
	}
	return candidates, nil
}

func (r *paymentRepository) SumCompleted(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM payment_attempts WHERE plan_id = $1 AND status = 'completed'`

	var total decimal.Decimal
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &total, query, planID); err != nil {
		return decimal.Zero, mapError(err)
	}
	return total, nil
}

func (r *paymentRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.PaymentAttempt, error) {
	var attempts []*domain.PaymentAttempt
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &attempts, query, args...); err != nil {
		return nil, mapError(err)
	}
	return attempts, nil
}
