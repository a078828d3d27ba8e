package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/gateway"
)

func TestGenerateDuePayments_Sync(t *testing.T) {
	h := newHarness(t, gateway.SandboxSync)
	plans := []*domain.PaymentPlan{
		h.createPlanWith(t, "owner-1", "12000000", "2000000", 12, domain.FrequencyMonthly),
		h.createPlanWith(t, "owner-2", "6000000", "0", 24, domain.FrequencyMonthly),
		h.createPlanWith(t, "owner-3", "3600000", "0", 36, domain.FrequencyMonthly),
	}
	ctx := context.Background()

	submitted, err := h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)

	h.clock.Set(at(2024, 2, 15))
	submitted, err = h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, submitted)

	for _, p := range plans {
		updated := h.reloadPlan(t, p.ID)
		assert.Equal(t, p.TotalInstallments-1, updated.Remaining)
		assert.Equal(t, day(2024, 3, 15), updated.NextDueDate)

		attempts, err := h.repos.Payments.ListByPlan(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, ScheduledKey(p.ID, day(2024, 2, 15)), attempts[0].IdempotencyKey)
		assert.Equal(t, domain.MethodBankTransfer, attempts[0].Method)
	}

	submitted, err = h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	assert.Equal(t, 3, h.sandbox.Calls())
}

func TestGenerateDuePayments_DoesNotResendInFlight(t *testing.T) {
	h := newHarness(t, gateway.SandboxAsync)
	plan := h.createPlan(t)
	ctx := context.Background()

	h.clock.Set(at(2024, 2, 15))
	submitted, err := h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	h.clock.Set(at(2024, 2, 16))
	submitted, err = h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	assert.Equal(t, 1, h.sandbox.Calls())

	attempts, err := h.repos.Payments.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.PaymentStatusProcessing, attempts[0].Status)
}

func TestGenerateDuePayments_DoesNotRecreateFinalFailure(t *testing.T) {
	h := newHarness(t, gateway.SandboxFail, func(c *config.Config) { c.Business.MaxRetries = 0 })
	plan := h.createPlan(t)
	ctx := context.Background()

	h.clock.Set(at(2024, 2, 15))
	submitted, err := h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	submitted, err = h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	assert.Equal(t, 1, h.sandbox.Calls())

	attempts, err := h.repos.Payments.ListByPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].IsTerminal())
}

func TestGenerateDuePayments_StuckPlansDoNotStarveLaterOnes(t *testing.T) {
	h := newHarness(t, gateway.SandboxFail, func(c *config.Config) {
		c.Scheduler.BatchSize = 2
		c.Business.MaxRetries = 0
	})
	stuck := []*domain.PaymentPlan{
		h.createPlanWith(t, "owner-a", "1200000", "0", 12, domain.FrequencyMonthly),
		h.createPlanWith(t, "owner-b", "1200000", "0", 12, domain.FrequencyMonthly),
	}
	ctx := context.Background()

	h.clock.Set(at(2024, 2, 15))
	submitted, err := h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, submitted)
	h.sandbox.SetMode(gateway.SandboxSync)

	h.clock.Set(at(2024, 2, 20))
	later := h.createPlanWith(t, "owner-c", "1200000", "0", 12, domain.FrequencyMonthly)
	require.Equal(t, day(2024, 3, 20), later.NextDueDate)

	// The two lapsed plans fill the first page on every run
	h.clock.Set(at(2024, 3, 20))
	submitted, err = h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	updated := h.reloadPlan(t, later.ID)
	assert.Equal(t, 11, updated.Remaining)
	assert.Equal(t, day(2024, 4, 20), updated.NextDueDate)
	for _, p := range stuck {
		assert.Equal(t, 12, h.reloadPlan(t, p.ID).Remaining)
	}
	assert.Equal(t, 3, h.sandbox.Calls())
}

func TestGenerateDuePayments_PaysEachPlanOncePerRun(t *testing.T) {
	h := newHarness(t, gateway.SandboxSync, func(c *config.Config) { c.Scheduler.BatchSize = 1 })
	plan := h.createPlan(t)
	h.clock.Set(at(2024, 2, 20))
	other := h.createPlanWith(t, "owner-2", "1200000", "0", 12, domain.FrequencyMonthly)
	ctx := context.Background()

	// Two installments of plan are behind; paying one moves it behind other in the listing
	h.clock.Set(at(2024, 3, 20))
	submitted, err := h.orch.GenerateDuePayments(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, submitted)
	assert.Equal(t, 11, h.reloadPlan(t, plan.ID).Remaining)
	assert.Equal(t, 11, h.reloadPlan(t, other.ID).Remaining)
}

func TestRunCycle(t *testing.T) {
	h := newHarness(t, gateway.SandboxFail)
	late := h.createPlanWith(t, "owner-late", "1200000", "0", 12, domain.FrequencyMonthly)
	ctx := context.Background()

	h.clock.Set(at(2024, 2, 15))
	report, err := h.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Submitted)
	assert.Equal(t, 0, report.Retried)
	require.NotNil(t, report.Overdue)
	assert.Equal(t, 0, report.Overdue.Overdue)

	h.clock.Set(at(2024, 2, 26))
	report, err = h.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Submitted)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Overdue.Overdue)

	updated := h.reloadPlan(t, late.ID)
	assert.Equal(t, domain.PlanStatusOverdue, updated.Status)
	assert.Equal(t, 11, updated.OverdueDays)
}

func TestPollStuck(t *testing.T) {
	t.Run("resolves long running transfers", func(t *testing.T) {
		h := newHarness(t, gateway.SandboxAsync)
		plan := h.createPlan(t)
		attempt := h.pay(t, plan, "stuck-processing").Payment
		require.NoError(t, h.sandbox.Settle(attempt.Reference(), gateway.StatusCompleted, ""))

		polled, err := h.orch.PollStuck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, polled)
		assert.Equal(t, domain.PaymentStatusProcessing, h.reloadAttempt(t, attempt.ID).Status)

		h.clock.Advance(25 * time.Hour)
		polled, err = h.orch.PollStuck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, polled)
		assert.Equal(t, domain.PaymentStatusCompleted, h.reloadAttempt(t, attempt.ID).Status)
		assert.Equal(t, 11, h.reloadPlan(t, plan.ID).Remaining)
	})

	t.Run("resends orphaned pending attempts", func(t *testing.T) {
		h := newHarness(t, gateway.SandboxSync)
		plan := h.createPlan(t)
		pending := h.pendingAttempt(t, plan, plan.NextDueDate, "orphaned")

		h.clock.Advance(5 * time.Minute)
		polled, err := h.orch.PollStuck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, polled)

		h.clock.Advance(15 * time.Minute)
		polled, err = h.orch.PollStuck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, polled)
		assert.Equal(t, domain.PaymentStatusCompleted, h.reloadAttempt(t, pending.ID).Status)
		assert.Equal(t, 1, h.sandbox.Calls())
	})
}

func TestSendReminders(t *testing.T) {
	h := newHarness(t, gateway.SandboxSync)
	plan := h.createPlan(t)
	ctx := context.Background()

	h.clock.Set(at(2024, 2, 11))
	sent, err := h.orch.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	h.clock.Set(at(2024, 2, 12))
	sent, err = h.orch.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = h.orch.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	reminders := h.eventsOf(t, domain.EventPaymentReminder)
	require.Len(t, reminders, 1)
	assert.Equal(t, plan.ID, reminders[0].PlanID)
	assert.True(t, reminders[0].DueDate.Equal(day(2024, 2, 15)))
	assert.True(t, reminders[0].Amount.Equal(plan.InstallmentAmount))
}

func TestSendReminders_Disabled(t *testing.T) {
	h := newHarness(t, gateway.SandboxSync, func(c *config.Config) { c.Business.ReminderDays = 0 })
	h.createPlan(t)

	h.clock.Set(at(2024, 2, 15))
	sent, err := h.orch.SendReminders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestRelayOutbox(t *testing.T) {
	h := newHarness(t, gateway.SandboxSync)
	plan := h.createPlan(t)
	h.pay(t, plan, "relay-me")
	ctx := context.Background()

	published, err := h.orch.RelayOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, published)

	published, err = h.orch.RelayOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, published)

	for _, ev := range h.store.Events() {
		assert.Equal(t, domain.OutboxStatusPublished, ev.Status, ev.EventType)
		assert.NotNil(t, ev.PublishedAt)
	}
}

func TestPurgeIdempotency_KeepsLiveKeys(t *testing.T) {
	h := newHarness(t, gateway.SandboxSync)
	plan := h.createPlan(t)
	first := h.pay(t, plan, "keep-me")

	purged, err := h.orch.PurgeIdempotency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)

	replay := h.pay(t, plan, "keep-me")
	assert.True(t, replay.Replay)
	assert.Equal(t, first.Payment.ID, replay.Payment.ID)
}
