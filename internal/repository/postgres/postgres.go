package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/segyhp/settlement-engine/internal/repository"
)

const uniqueViolation = "23505"

// Constraint names from the migrations.
const (
	constraintIdempotencyKey = "payment_attempts_idempotency_key_key"
	constraintLiveDueDate    = "payment_attempts_live_due_idx"
	dateLayout               = "2006-01-02"
)

type txKey struct{}

// TxManager runs callbacks in a READ COMMITTED transaction stored in the context
type TxManager struct {
	db *sqlx.DB
}

func NewTxManager(db *sqlx.DB) *TxManager {
	return &TxManager{db: db}
}

func (tm *TxManager) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	// Join an outer transaction instead of nesting
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}

	tx, err := tm.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return err
	}

	// Ensure rollback on panic
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	ctx = context.WithValue(ctx, txKey{}, tx)

	if err = fn(ctx); err != nil {
		return err
	}

	return tx.Commit()
}

// conn returns the transaction carried by ctx, or the pool.
func conn(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return db
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		switch pqErr.Constraint {
		case constraintIdempotencyKey:
			return repository.ErrDuplicateIdempotencyKey
		case constraintLiveDueDate:
			return repository.ErrActiveAttemptExists
		}
	}
	return err
}

// dateArg binds a calendar date as text so the session time zone cannot shift it.
func dateArg(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// New wires every postgres repository onto db
func New(db *sqlx.DB) *repository.Repositories {
	return &repository.Repositories{
		Tx:          NewTxManager(db),
		Plans:       NewPlanRepository(db),
		Payments:    NewPaymentRepository(db),
		Retries:     NewRetryRepository(db),
		Idempotency: NewIdempotencyRepository(db),
		Callbacks:   NewCallbackRepository(db),
		Outbox:      NewOutboxRepository(db),
	}
}
