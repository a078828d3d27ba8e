package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/gateway"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

func TestHandleCallback_Success(t *testing.T) {
	h := newHarness(t, gateway.SandboxAsync)
	plan := h.createPlan(t)
	attempt := h.pay(t, plan, "cb-success").Payment

	ack, err := h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusSuccess), nil)
	require.NoError(t, err)
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, domain.CallbackOutcomeProcessed, ack.Outcome)

	settled := h.reloadAttempt(t, attempt.ID)
	assert.Equal(t, domain.PaymentStatusCompleted, settled.Status)
	assert.Equal(t, attempt.Reference(), settled.Reference())

	updated := h.reloadPlan(t, plan.ID)
	assert.Equal(t, 11, updated.Remaining)
	assert.Equal(t, day(2024, 3, 15), updated.NextDueDate)
}

func TestHandleCallback_DuplicateIsIgnored(t *testing.T) {
	h := newHarness(t, gateway.SandboxAsync)
	plan := h.createPlan(t)
	attempt := h.pay(t, plan, "cb-dup").Payment
	cb := h.signedCallback(attempt, domain.CallbackStatusSuccess)

	first, err := h.listener.HandleCallback(context.Background(), cb, []byte(`{"raw":true}`))
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackOutcomeProcessed, first.Outcome)

	second, err := h.listener.HandleCallback(context.Background(), cb, nil)
	require.NoError(t, err)
	assert.True(t, second.Acknowledged)
	assert.Equal(t, domain.CallbackOutcomeIgnored, second.Outcome)

	assert.Equal(t, 11, h.reloadPlan(t, plan.ID).Remaining)
	assert.Len(t, h.eventsOf(t, domain.EventPaymentCompleted), 1)
}

func TestHandleCallback_FailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, gateway.SandboxAsync)
	plan := h.createPlan(t)
	attempt := h.pay(t, plan, "cb-failed").Payment

	cb := h.signedCallback(attempt, domain.CallbackStatusFailed)
	cb.Reason = "insufficient funds"
	cb.Signature = h.signer.Sign(cb)

	ack, err := h.listener.HandleCallback(context.Background(), cb, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackOutcomeProcessed, ack.Outcome)

	failed := h.reloadAttempt(t, attempt.ID)
	assert.Equal(t, domain.PaymentStatusFailed, failed.Status)
	assert.Equal(t, "insufficient funds", *failed.FailureReason)
	assert.Equal(t, 1, failed.RetryCount)
	assert.NotNil(t, failed.NextRetryAt)
	assert.Equal(t, 12, h.reloadPlan(t, plan.ID).Remaining)
}

func TestHandleCallback_OutOfOrder(t *testing.T) {
	t.Run("failure after success is ignored", func(t *testing.T) {
		h := newHarness(t, gateway.SandboxAsync)
		plan := h.createPlan(t)
		attempt := h.pay(t, plan, "cb-order-1").Payment

		_, err := h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusSuccess), nil)
		require.NoError(t, err)

		ack, err := h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusFailed), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.CallbackOutcomeIgnored, ack.Outcome)
		assert.Equal(t, domain.PaymentStatusCompleted, h.reloadAttempt(t, attempt.ID).Status)
		assert.Empty(t, h.eventsOf(t, domain.EventPaymentFailed))
	})

	t.Run("success after retryable failure settles", func(t *testing.T) {
		h := newHarness(t, gateway.SandboxAsync)
		plan := h.createPlan(t)
		attempt := h.pay(t, plan, "cb-order-2").Payment

		_, err := h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusFailed), nil)
		require.NoError(t, err)

		ack, err := h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusSuccess), nil)
		require.NoError(t, err)
		assert.Equal(t, domain.CallbackOutcomeProcessed, ack.Outcome)

		settled := h.reloadAttempt(t, attempt.ID)
		assert.Equal(t, domain.PaymentStatusCompleted, settled.Status)
		assert.Nil(t, settled.NextRetryAt)
		assert.Equal(t, 11, h.reloadPlan(t, plan.ID).Remaining)
	})

	t.Run("success after final failure is unmatched", func(t *testing.T) {
		h := newHarness(t, gateway.SandboxAsync, func(c *config.Config) { c.Business.MaxRetries = 0 })
		plan := h.createPlan(t)
		attempt := h.pay(t, plan, "cb-order-3").Payment

		_, err := h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusFailed), nil)
		require.NoError(t, err)

		ack, err := h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusSuccess), nil)
		require.NoError(t, err)
		assert.True(t, ack.Acknowledged)
		assert.Equal(t, domain.CallbackOutcomeUnmatched, ack.Outcome)
		assert.Equal(t, domain.PaymentStatusFailed, h.reloadAttempt(t, attempt.ID).Status)
		assert.Equal(t, 12, h.reloadPlan(t, plan.ID).Remaining)

		unmatched := h.eventsOf(t, domain.EventSettlementUnmatched)
		require.Len(t, unmatched, 1)
		assert.Equal(t, attempt.Reference(), unmatched[0].ExternalTxID)
		assert.Equal(t, attempt.ID, *unmatched[0].AttemptID)
	})
}

func TestHandleCallback_OtherTransferOfSameAttempt(t *testing.T) {
	t.Run("success for an earlier transfer settles, the later one is unmatched", func(t *testing.T) {
		h := newHarness(t, gateway.SandboxAsync)
		plan := h.createPlan(t)
		attempt := h.pay(t, plan, "cb-earlier").Payment

		earlier := h.signedCallback(attempt, domain.CallbackStatusSuccess)
		earlier.ExternalTxID = "sbx_earlier"
		earlier.Signature = h.signer.Sign(earlier)

		ack, err := h.listener.HandleCallback(context.Background(), earlier, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.CallbackOutcomeProcessed, ack.Outcome)

		settled := h.reloadAttempt(t, attempt.ID)
		assert.Equal(t, domain.PaymentStatusCompleted, settled.Status)
		assert.Equal(t, "sbx_earlier", settled.Reference())

		ack, err = h.listener.HandleCallback(context.Background(), h.signedCallback(attempt, domain.CallbackStatusSuccess), nil)
		require.NoError(t, err)
		assert.True(t, ack.Acknowledged)
		assert.Equal(t, domain.CallbackOutcomeUnmatched, ack.Outcome)

		assert.Equal(t, 11, h.reloadPlan(t, plan.ID).Remaining)
		assert.Len(t, h.eventsOf(t, domain.EventPaymentCompleted), 1)
		unmatched := h.eventsOf(t, domain.EventSettlementUnmatched)
		require.Len(t, unmatched, 1)
		assert.Equal(t, attempt.Reference(), unmatched[0].ExternalTxID)
		assert.True(t, unmatched[0].Amount.Equal(attempt.Amount))
	})

	t.Run("failure for a superseded transfer is ignored", func(t *testing.T) {
		h := newHarness(t, gateway.SandboxAsync)
		plan := h.createPlan(t)
		attempt := h.pay(t, plan, "cb-superseded").Payment

		stale := h.signedCallback(attempt, domain.CallbackStatusFailed)
		stale.ExternalTxID = "sbx_superseded"
		stale.Signature = h.signer.Sign(stale)

		ack, err := h.listener.HandleCallback(context.Background(), stale, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.CallbackOutcomeIgnored, ack.Outcome)

		current := h.reloadAttempt(t, attempt.ID)
		assert.Equal(t, domain.PaymentStatusProcessing, current.Status)
		assert.Equal(t, 0, current.RetryCount)
		assert.Empty(t, h.eventsOf(t, domain.EventPaymentFailed))
	})
}

func TestHandleCallback_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(h *harness, cb *domain.GatewayCallback)
		code     string
		notFound bool
	}{
		{
			name:   "tampered signature",
			mutate: func(_ *harness, cb *domain.GatewayCallback) { cb.Amount = cb.Amount.Add(decimal.NewFromInt(1)) },
			code:   customError.ErrCodeInvalidSignature,
		},
		{
			name:   "garbage signature",
			mutate: func(_ *harness, cb *domain.GatewayCallback) { cb.Signature = "not-hex" },
			code:   customError.ErrCodeInvalidSignature,
		},
		{
			name:   "missing signature",
			mutate: func(_ *harness, cb *domain.GatewayCallback) { cb.Signature = "" },
			code:   customError.ErrCodeInvalidSignature,
		},
		{
			name: "unknown reference",
			mutate: func(h *harness, cb *domain.GatewayCallback) {
				cb.Reference = uuid.NewString()
				cb.Signature = h.signer.Sign(cb)
			},
			code:     customError.ErrCodeCallbackNotFound,
			notFound: true,
		},
		{
			name: "reference is not an attempt id",
			mutate: func(h *harness, cb *domain.GatewayCallback) {
				cb.Reference = "order-42"
				cb.Signature = h.signer.Sign(cb)
			},
			code:     customError.ErrCodeCallbackNotFound,
			notFound: true,
		},
		{
			name: "amount mismatch",
			mutate: func(h *harness, cb *domain.GatewayCallback) {
				cb.Amount = decimal.NewFromInt(1)
				cb.Signature = h.signer.Sign(cb)
			},
			code: customError.ErrCodeInvalidCallback,
		},
		{
			name: "unknown status",
			mutate: func(h *harness, cb *domain.GatewayCallback) {
				cb.Status = "reversed"
				cb.Signature = h.signer.Sign(cb)
			},
			code: customError.ErrCodeInvalidCallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, gateway.SandboxAsync)
			plan := h.createPlan(t)
			attempt := h.pay(t, plan, "cb-reject").Payment

			cb := h.signedCallback(attempt, domain.CallbackStatusSuccess)
			tt.mutate(h, cb)

			ack, err := h.listener.HandleCallback(context.Background(), cb, nil)
			require.Error(t, err)
			assert.Nil(t, ack)
			assert.Equal(t, tt.code, customError.CodeOf(err))
			assert.Equal(t, tt.notFound, customError.IsNotFound(err))
			if !tt.notFound {
				assert.True(t, customError.IsInvalidCallback(err))
			}

			assert.Equal(t, domain.PaymentStatusProcessing, h.reloadAttempt(t, attempt.ID).Status)
			assert.Equal(t, 12, h.reloadPlan(t, plan.ID).Remaining)
		})
	}
}

func TestHandleCallback_UnsignedAllowedOutsideProduction(t *testing.T) {
	h := newHarness(t, gateway.SandboxAsync, func(c *config.Config) { c.Callback.AllowUnsigned = true })
	plan := h.createPlan(t)
	attempt := h.pay(t, plan, "cb-unsigned").Payment

	cb := h.signedCallback(attempt, domain.CallbackStatusSuccess)
	cb.Signature = ""

	ack, err := h.listener.HandleCallback(context.Background(), cb, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackOutcomeProcessed, ack.Outcome)

	cb.Signature = "deadbeef"
	_, err = h.listener.HandleCallback(context.Background(), cb, nil)
	assert.Equal(t, customError.ErrCodeInvalidSignature, customError.CodeOf(err))
}

func TestHandleCallback_UnsignedRejectedInProduction(t *testing.T) {
	h := newHarness(t, gateway.SandboxAsync, func(c *config.Config) {
		c.Server.Env = "production"
		c.Callback.AllowUnsigned = true
	})
	plan := h.createPlan(t)
	attempt := h.pay(t, plan, "cb-prod").Payment

	cb := h.signedCallback(attempt, domain.CallbackStatusSuccess)
	cb.Signature = ""

	_, err := h.listener.HandleCallback(context.Background(), cb, nil)
	require.Error(t, err)
	assert.Equal(t, customError.ErrCodeInvalidSignature, customError.CodeOf(err))
}
