package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types published to downstream collaborators.
const (
	EventPlanCreated      = "payment.plan.created"
	EventPlanCompleted    = "payment.plan.completed"
	EventPlanCancelled    = "payment.plan.cancelled"
	EventPlanDefaulted    = "payment.plan.defaulted"
	EventPaymentCompleted = "payment.completed"
	EventPaymentFailed    = "payment.failed"
	EventPaymentOverdue   = "payment.overdue"
	EventPaymentEscalated = "payment.escalated"
	EventPaymentReminder  = "payment.reminder"

	// EventSettlementUnmatched reports money that moved on a transfer no attempt can take,
	// such as a second transfer for an installment that is already paid
	EventSettlementUnmatched = "payment.settlement.unmatched"
)

const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
)

// Event is the contract carried by every outbound message
type Event struct {
	ID           uuid.UUID        `json:"id"`
	Type         string           `json:"type"`
	PlanID       uuid.UUID        `json:"plan_id"`
	AttemptID    *uuid.UUID       `json:"attempt_id,omitempty"`
	ExternalTxID string           `json:"external_tx_id,omitempty"`
	OwnerID      string           `json:"owner_id"`
	Amount       decimal.Decimal  `json:"amount"`
	DaysOverdue  int              `json:"days_overdue,omitempty"`
	DueDate      *time.Time       `json:"due_date,omitempty"`
	RetryCount   int              `json:"retry_count,omitempty"`
	NextRetryAt  *time.Time       `json:"next_retry_at,omitempty"`
	Final        bool             `json:"final,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Outstanding  *decimal.Decimal `json:"outstanding,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// OutboxEvent is an event persisted alongside the state change that produced it
type OutboxEvent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	EventType     string          `json:"event_type" db:"event_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id" db:"aggregate_id"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Status        string          `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty" db:"published_at"`
}

// NewOutboxEvent serializes e into a pending outbox row.
func NewOutboxEvent(e Event) (*OutboxEvent, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:            e.ID,
		EventType:     e.Type,
		AggregateID:   e.PlanID,
		Payload:       payload,
		Status:        OutboxStatusPending,
		NextAttemptAt: e.OccurredAt,
		CreatedAt:     e.OccurredAt,
	}, nil
}
