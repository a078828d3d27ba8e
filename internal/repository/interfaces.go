package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/segyhp/settlement-engine/internal/domain"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateIdempotencyKey is returned when an attempt reuses an idempotency key
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrActiveAttemptExists is returned when a plan already has a live attempt for a due date
	ErrActiveAttemptExists = errors.New("active attempt exists for due date")
)

// Cursor marks the last row of a page ordered by (At, ID). The zero Cursor
// starts at the first row.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

// Before reports whether the row keyed (at, id) sorts after the cursor
func (c Cursor) Before(at time.Time, id uuid.UUID) bool {
	if !c.At.Equal(at) {
		return c.At.Before(at)
	}
	return c.ID.String() < id.String()
}

// TxManager runs fn inside a single transaction carried by ctx.
// Repository calls made with the derived context join that transaction.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PlanRepository defines the interface for payment plan data operations
type PlanRepository interface {
	// Create persists a new plan
	Create(ctx context.Context, plan *domain.PaymentPlan) error

	// GetByID retrieves a plan by its ID
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentPlan, error)

	// GetForUpdate retrieves a plan and locks its row until the transaction ends
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentPlan, error)

	// Update writes the mutable progress fields of a plan
	Update(ctx context.Context, plan *domain.PaymentPlan) error

	// ListDue returns open plans whose next installment is due on or before asOf,
	// ordered by (next due date, id) and starting after the cursor
	ListDue(ctx context.Context, asOf time.Time, after Cursor, limit int) ([]*domain.PaymentPlan, error)

	// ListDueBetween returns open plans whose next installment falls within [from, to],
	// ordered by (next due date, id) and starting after the cursor
	ListDueBetween(ctx context.Context, from, to time.Time, after Cursor, limit int) ([]*domain.PaymentPlan, error)
}

// PaymentRepository defines the interface for payment attempt data operations
type PaymentRepository interface {
	// Create inserts a new attempt. It returns ErrDuplicateIdempotencyKey or
	// ErrActiveAttemptExists when a uniqueness rule is violated.
	Create(ctx context.Context, attempt *domain.PaymentAttempt) error

	// GetByID retrieves an attempt by its ID
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error)

	// GetForUpdate retrieves an attempt and locks its row until the transaction ends
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error)

	// GetByIdempotencyKey retrieves the attempt created under key
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.PaymentAttempt, error)

	// ListByPlan returns every attempt of a plan, oldest first
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*domain.PaymentAttempt, error)

	// FindOpen returns the attempt still working on (plan, due date): live, or failed with a retry scheduled
	FindOpen(ctx context.Context, planID uuid.UUID, dueDate time.Time, isDeposit bool) (*domain.PaymentAttempt, error)

	// Transition moves an attempt from one status to another if it is still in from.
	// It reports whether the row changed.
	Transition(ctx context.Context, id uuid.UUID, from, to string, at time.Time) (bool, error)

	// Update writes every mutable field of an attempt
	Update(ctx context.Context, attempt *domain.PaymentAttempt) error

	// ListDueForRetry returns failed attempts whose retry time has come
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentAttempt, error)

	// ListStale returns attempts sitting in status since before the cutoff, ordered by
	// (submitted or created time, id) and starting after the cursor
	ListStale(ctx context.Context, status string, before time.Time, after Cursor, limit int) ([]*domain.PaymentAttempt, error)

	// ListOverdueCandidates returns, per plan, the oldest unpaid installment due before today,
	// ordered by (due date, plan id) and starting after the cursor
	ListOverdueCandidates(ctx context.Context, today time.Time, after Cursor, limit int) ([]*domain.OverdueCandidate, error)

	// SumCompleted totals the completed attempts of a plan, deposit included
	SumCompleted(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error)
}

// RetryRepository defines the interface for retry audit records
type RetryRepository interface {
	// Create appends a retry record
	Create(ctx context.Context, record *domain.RetryRecord) error

	// GetLatestOpen returns the newest pending or processing record of an attempt
	GetLatestOpen(ctx context.Context, attemptID uuid.UUID) (*domain.RetryRecord, error)

	// Update writes the status and timestamps of a record
	Update(ctx context.Context, record *domain.RetryRecord) error

	// ListByAttempt returns the retry history of an attempt, oldest first
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]*domain.RetryRecord, error)
}

// IdempotencyRepository defines the durable store behind the idempotency guard
type IdempotencyRepository interface {
	// Get retrieves a record by key regardless of expiry
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// Insert writes record unless an unexpired record already holds the key.
	// It reports whether the record was written.
	Insert(ctx context.Context, record *domain.IdempotencyRecord, now time.Time) (bool, error)

	// DeleteExpired removes records that expired at or before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// CallbackRepository defines the interface for the gateway callback audit log
type CallbackRepository interface {
	// Create persists a received callback
	Create(ctx context.Context, record *domain.CallbackRecord) error

	// GetByID retrieves a callback record
	GetByID(ctx context.Context, id uuid.UUID) (*domain.CallbackRecord, error)

	// SetOutcome records how a callback was handled
	SetOutcome(ctx context.Context, id uuid.UUID, outcome string, errMsg *string, at time.Time) error
}

// OutboxRepository defines the interface for the transactional event outbox
type OutboxRepository interface {
	// Enqueue stores an event in the caller's transaction
	Enqueue(ctx context.Context, event *domain.OutboxEvent) error

	// FetchPending returns pending events ready for delivery, oldest first
	FetchPending(ctx context.Context, now time.Time, limit int) ([]*domain.OutboxEvent, error)

	// MarkPublished flags an event as delivered
	MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed records a failed delivery and when to try again
	MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time, errMsg string) error
}

// Repositories groups the stores one backend provides
type Repositories struct {
	Tx          TxManager
	Plans       PlanRepository
	Payments    PaymentRepository
	Retries     RetryRepository
	Idempotency IdempotencyRepository
	Callbacks   CallbackRepository
	Outbox      OutboxRepository
}
