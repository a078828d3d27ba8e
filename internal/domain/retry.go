package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	RetryStatusPending    = "pending"
	RetryStatusProcessing = "processing"
	RetryStatusCompleted  = "completed"
	RetryStatusFailed     = "failed"
)

// RetryRecord is the audit trail of one retry of a payment attempt
type RetryRecord struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	AttemptID     uuid.UUID  `json:"attempt_id" db:"attempt_id"`
	AttemptNumber int        `json:"attempt_number" db:"attempt_number"`
	Status        string     `json:"status" db:"status"`
	ScheduledFor  time.Time  `json:"scheduled_for" db:"scheduled_for"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	FailureReason *string    `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// IsOpen reports whether the retry has not reached an outcome yet.
func (r *RetryRecord) IsOpen() bool {
	return r.Status == RetryStatusPending || r.Status == RetryStatusProcessing
}
