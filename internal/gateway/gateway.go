package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Transfer statuses reported by a gateway
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	// ErrProviderUnavailable means the gateway could not be reached or answered 5xx
	ErrProviderUnavailable = errors.New("money gateway unavailable")

	// ErrUnknownTransfer means the gateway has no record of an external transaction
	ErrUnknownTransfer = errors.New("unknown transfer")
)

// InitiateRequest asks the gateway to move money for one payment attempt
type InitiateRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Destination    string          `json:"destination"`
	Method         string          `json:"method"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// InitiateResult is the synchronous answer to an InitiateRequest.
// Status pending means the outcome arrives later through a callback.
type InitiateResult struct {
	Accepted     bool   `json:"accepted"`
	ExternalTxID string `json:"external_tx_id"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
}

// StatusResult is the gateway's current view of a transfer
type StatusResult struct {
	ExternalTxID string          `json:"external_tx_id"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason,omitempty"`
}

// MoneyGateway abstracts the external money mover.
// Calls accept a context for cancellation and timeout propagation.
type MoneyGateway interface {
	// Provider names the gateway for attempts and callbacks
	Provider() string

	// Initiate starts a transfer. The idempotency key lets the provider drop duplicates.
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error)

	// CheckStatus polls a transfer started earlier
	CheckStatus(ctx context.Context, externalTxID string) (*StatusResult, error)
}
