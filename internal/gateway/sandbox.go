package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox settlement modes
const (
	SandboxSync  = "sync"
	SandboxAsync = "async"
	SandboxFail  = "fail"
)

// Sandbox is an in-process gateway for development and tests.
// In sync mode transfers complete at once, in async mode they stay pending
// until Settle is called, and in fail mode every transfer is declined.
type Sandbox struct {
	mu        sync.Mutex
	provider  string
	mode      string
	transfers map[string]*StatusResult
	byKey     map[string]string
	calls     int
}

func NewSandbox(provider, mode string) *Sandbox {
	if mode == "" {
		mode = SandboxAsync
	}
	return &Sandbox{
		provider:  provider,
		mode:      mode,
		transfers: make(map[string]*StatusResult),
		byKey:     make(map[string]string),
	}
}

func (s *Sandbox) Provider() string {
	return s.provider
}

// SetMode switches how later transfers settle
func (s *Sandbox) SetMode(mode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Calls returns how many Initiate calls the sandbox has served
func (s *Sandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Transfers returns how many distinct transfers the sandbox has opened
func (s *Sandbox) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transfers)
}

func (s *Sandbox) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	// Replays of the same key return the original transfer
	if id, ok := s.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		t := s.transfers[id]
		return &InitiateResult{Accepted: t.Status != StatusFailed, ExternalTxID: id, Status: t.Status, Reason: t.Reason}, nil
	}

	id := "sbx_" + uuid.NewString()
	t := &StatusResult{ExternalTxID: id, Amount: req.Amount}
	switch s.mode {
	case SandboxSync:
		t.Status = StatusCompleted
	case SandboxFail:
		t.Status = StatusFailed
		t.Reason = "declined by sandbox"
	default:
		t.Status = StatusPending
	}

	s.transfers[id] = t
	if req.IdempotencyKey != "" {
		s.byKey[req.IdempotencyKey] = id
	}

	return &InitiateResult{Accepted: t.Status != StatusFailed, ExternalTxID: id, Status: t.Status, Reason: t.Reason}, nil
}

func (s *Sandbox) CheckStatus(ctx context.Context, externalTxID string) (*StatusResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[externalTxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, externalTxID)
	}
	result := *t
	return &result, nil
}

// Settle resolves a pending transfer the way a provider would before sending its callback
func (s *Sandbox) Settle(externalTxID, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[externalTxID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, externalTxID)
	}
	t.Status = status
	t.Reason = reason
	return nil
}
