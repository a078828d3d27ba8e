package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	CallbackStatusSuccess = "success"
	CallbackStatusFailed  = "failed"
)

// Outcomes recorded against a persisted callback.
const (
	CallbackOutcomeReceived  = "received"
	CallbackOutcomeProcessed = "processed"
	CallbackOutcomeIgnored   = "ignored"
	CallbackOutcomeFailed    = "failed"
	CallbackOutcomeRejected  = "rejected"
	CallbackOutcomeUnmatched = "unmatched"
)

// GatewayCallback is an inbound confirmation from the money gateway
type GatewayCallback struct {
	Provider     string          `json:"provider"`
	ExternalTxID string          `json:"external_tx_id"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Reference    string          `json:"reference"`
	Reason       string          `json:"reason,omitempty"`
	Signature    string          `json:"signature,omitempty"`
}

// CallbackRecord is the persisted audit copy of a callback
type CallbackRecord struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	Provider       string          `json:"provider" db:"provider"`
	ExternalTxID   string          `json:"external_tx_id" db:"external_tx_id"`
	Reference      string          `json:"reference" db:"reference"`
	ReportedStatus string          `json:"reported_status" db:"reported_status"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	SignatureValid bool            `json:"signature_valid" db:"signature_valid"`
	Outcome        string          `json:"outcome" db:"outcome"`
	Error          *string         `json:"error,omitempty" db:"error"`
	ReceivedAt     time.Time       `json:"received_at" db:"received_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

type CallbackAck struct {
	Acknowledged bool   `json:"acknowledged"`
	Outcome      string `json:"outcome"`
}
