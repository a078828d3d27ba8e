package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IdempotencyRecord maps a caller supplied key to the outcome of its first execution
type IdempotencyRecord struct {
	Key       string          `json:"key" db:"key"`
	AttemptID uuid.UUID       `json:"attempt_id" db:"attempt_id"`
	Response  json.RawMessage `json:"response" db:"response"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// IsExpired reports whether the record may be purged and its key reused.
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
