package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
)

const (
	MethodBankTransfer = "bank_transfer"
	MethodMobileMoney  = "mobile_money"
	MethodCard         = "card"
	MethodCash         = "cash"
)

// PaymentAttempt is one concrete try at moving money for an installment or deposit
type PaymentAttempt struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	PlanID         uuid.UUID       `json:"plan_id" db:"plan_id"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Method         string          `json:"method" db:"method"`
	Provider       string          `json:"provider" db:"provider"`
	ExternalRef    *string         `json:"external_ref,omitempty" db:"external_ref"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	Status         string          `json:"status" db:"status"`
	ScheduledDate  time.Time       `json:"scheduled_date" db:"scheduled_date"`
	DueDate        time.Time       `json:"due_date" db:"due_date"`
	RetryCount     int             `json:"retry_count" db:"retry_count"`
	MaxRetries     int             `json:"max_retries" db:"max_retries"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	FailureReason  *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	IsDeposit      bool            `json:"is_deposit" db:"is_deposit"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty" db:"submitted_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether no further transition is possible.
// A failed attempt is terminal once it has no retry scheduled.
func (a *PaymentAttempt) IsTerminal() bool {
	switch a.Status {
	case PaymentStatusCompleted, PaymentStatusCancelled:
		return true
	case PaymentStatusFailed:
		return a.NextRetryAt == nil && a.RetryCount >= a.MaxRetries
	}
	return false
}

// IsLive reports whether the attempt still occupies its (plan, due date) slot.
func (a *PaymentAttempt) IsLive() bool {
	return a.Status == PaymentStatusPending || a.Status == PaymentStatusProcessing
}

// CanTransition reports whether the attempt state machine allows moving to next.
func (a *PaymentAttempt) CanTransition(next string) bool {
	switch a.Status {
	case PaymentStatusPending:
		return next == PaymentStatusProcessing || next == PaymentStatusCancelled
	case PaymentStatusProcessing:
		return next == PaymentStatusCompleted || next == PaymentStatusFailed
	case PaymentStatusFailed:
		if a.IsTerminal() {
			return false
		}
		return next == PaymentStatusProcessing || next == PaymentStatusCompleted
	}
	return false
}

// Reference returns the external reference or "".
func (a *PaymentAttempt) Reference() string {
	if a.ExternalRef == nil {
		return ""
	}
	return *a.ExternalRef
}

// OverdueCandidate is the oldest missed installment due date for a plan.
type OverdueCandidate struct {
	PlanID  uuid.UUID `db:"plan_id"`
	DueDate time.Time `db:"due_date"`
}

type SubmitPaymentRequest struct {
	PlanID         uuid.UUID       `json:"-"`
	OwnerID        string          `json:"owner_id" validate:"required,max=128"`
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	Method         string          `json:"method" validate:"required,oneof=bank_transfer mobile_money card cash"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	IsDeposit      bool            `json:"is_deposit"`
}

type SubmitPaymentResponse struct {
	Payment *PaymentAttempt `json:"payment"`
	Replay  bool            `json:"replay"`
}
