// Package repotest holds the behaviour every repository backend must share.
// Backends run it from their own tests against a live store.
package repotest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

// Listings share the store with other subtests, so assertions only look at
// rows the subtest created.
const listLimit = 1000

var base = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Run exercises repos against the shared contract
func Run(t *testing.T, repos *repository.Repositories) {
	s := &suite{repos: repos}

	t.Run("plans", s.testPlans)
	t.Run("due plans", s.testDuePlans)
	t.Run("due paging", s.testDuePaging)
	t.Run("attempt uniqueness", s.testAttemptUniqueness)
	t.Run("transition", s.testTransition)
	t.Run("update", s.testUpdate)
	t.Run("find open", s.testFindOpen)
	t.Run("due for retry", s.testDueForRetry)
	t.Run("stale", s.testStale)
	t.Run("overdue candidates", s.testOverdueCandidates)
	t.Run("sum completed", s.testSumCompleted)
	t.Run("retry records", s.testRetryRecords)
	t.Run("idempotency", s.testIdempotency)
	t.Run("callbacks", s.testCallbacks)
	t.Run("outbox", s.testOutbox)
	t.Run("transactions", s.testTransactions)
}

type suite struct {
	repos *repository.Repositories
}

func (s *suite) plan(t *testing.T, status string, nextDue time.Time, remaining int) *domain.PaymentPlan {
	t.Helper()
	p := &domain.PaymentPlan{
		ID:                uuid.New(),
		OwnerID:           "owner-" + uuid.NewString()[:8],
		VehicleID:         "vehicle-1",
		TotalPrice:        decimal.NewFromInt(1400),
		DepositAmount:     decimal.NewFromInt(200),
		InstallmentAmount: decimal.NewFromInt(100),
		Frequency:         domain.FrequencyMonthly,
		TermMonths:        12,
		TotalInstallments: 12,
		Remaining:         remaining,
		ScheduleStart:     day(2024, 1, 15),
		NextDueDate:       nextDue,
		GracePeriodDays:   7,
		Status:            status,
		CreatedAt:         base,
		UpdatedAt:         base,
	}
	require.NoError(t, s.repos.Plans.Create(context.Background(), p))
	return p
}

type attemptOption func(*domain.PaymentAttempt)

func deposit(a *domain.PaymentAttempt) {
	a.IsDeposit = true
	a.Amount = decimal.NewFromInt(200)
}

func retryAt(at time.Time, count int) attemptOption {
	return func(a *domain.PaymentAttempt) {
		a.NextRetryAt = &at
		a.RetryCount = count
	}
}

func createdAt(at time.Time) attemptOption {
	return func(a *domain.PaymentAttempt) {
		a.CreatedAt = at
		a.UpdatedAt = at
	}
}

func (s *suite) newAttempt(plan *domain.PaymentPlan, status string, due time.Time, opts ...attemptOption) *domain.PaymentAttempt {
	a := &domain.PaymentAttempt{
		ID:             uuid.New(),
		PlanID:         plan.ID,
		OwnerID:        plan.OwnerID,
		Amount:         plan.InstallmentAmount,
		Method:         domain.MethodBankTransfer,
		Provider:       "sandbox",
		IdempotencyKey: "key-" + uuid.NewString(),
		Status:         status,
		ScheduledDate:  due,
		DueDate:        due,
		MaxRetries:     3,
		CreatedAt:      base,
		UpdatedAt:      base,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (s *suite) attempt(t *testing.T, plan *domain.PaymentPlan, status string, due time.Time, opts ...attemptOption) *domain.PaymentAttempt {
	t.Helper()
	a := s.newAttempt(plan, status, due, opts...)
	require.NoError(t, s.repos.Payments.Create(context.Background(), a))
	return a
}

func (s *suite) reload(t *testing.T, id uuid.UUID) *domain.PaymentAttempt {
	t.Helper()
	a, err := s.repos.Payments.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func planIDs(plans []*domain.PaymentPlan) map[uuid.UUID]bool {
	ids := make(map[uuid.UUID]bool, len(plans))
	for _, p := range plans {
		ids[p.ID] = true
	}
	return ids
}

// only keeps the attempts in want, preserving the listing order
func only(attempts []*domain.PaymentAttempt, want ...*domain.PaymentAttempt) []uuid.UUID {
	keep := make(map[uuid.UUID]bool, len(want))
	for _, a := range want {
		keep[a.ID] = true
	}
	var ids []uuid.UUID
	for _, a := range attempts {
		if keep[a.ID] {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

func (s *suite) testPlans(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)

	got, err := s.repos.Plans.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.OwnerID, got.OwnerID)
	assert.True(t, got.TotalPrice.Equal(p.TotalPrice))
	assert.True(t, got.InstallmentAmount.Equal(p.InstallmentAmount))
	assert.True(t, got.NextDueDate.Equal(day(2024, 2, 15)), got.NextDueDate.String())
	assert.True(t, got.ScheduleStart.Equal(day(2024, 1, 15)))
	assert.Equal(t, 12, got.Remaining)
	assert.Equal(t, domain.PlanStatusActive, got.Status)

	got.Remaining = 11
	got.NextDueDate = day(2024, 3, 15)
	got.Status = domain.PlanStatusOverdue
	got.OverdueDays = 3
	got.UpdatedAt = base.Add(time.Hour)
	require.NoError(t, s.repos.Plans.Update(ctx, got))

	updated, err := s.repos.Plans.GetForUpdate(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 11, updated.Remaining)
	assert.True(t, updated.NextDueDate.Equal(day(2024, 3, 15)))
	assert.Equal(t, domain.PlanStatusOverdue, updated.Status)
	assert.Equal(t, 3, updated.OverdueDays)

	_, err = s.repos.Plans.GetByID(ctx, uuid.New())
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func (s *suite) testDuePlans(t *testing.T) {
	ctx := context.Background()
	due := s.plan(t, domain.PlanStatusActive, day(2031, 1, 1), 12)
	overdue := s.plan(t, domain.PlanStatusOverdue, day(2030, 12, 20), 12)
	later := s.plan(t, domain.PlanStatusActive, day(2031, 1, 10), 12)
	cancelled := s.plan(t, domain.PlanStatusCancelled, day(2031, 1, 1), 12)
	settled := s.plan(t, domain.PlanStatusActive, day(2031, 1, 1), 0)

	listed, err := s.repos.Plans.ListDue(ctx, time.Date(2031, 1, 5, 23, 0, 0, 0, time.UTC), repository.Cursor{}, listLimit)
	require.NoError(t, err)
	ids := planIDs(listed)
	assert.True(t, ids[due.ID])
	assert.True(t, ids[overdue.ID])
	assert.False(t, ids[later.ID])
	assert.False(t, ids[cancelled.ID])
	assert.False(t, ids[settled.ID])
	for i := 1; i < len(listed); i++ {
		assert.False(t, listed[i].NextDueDate.Before(listed[i-1].NextDueDate), "listing is ordered by due date")
	}

	window, err := s.repos.Plans.ListDueBetween(ctx, day(2031, 1, 2), day(2031, 1, 10), repository.Cursor{}, listLimit)
	require.NoError(t, err)
	ids = planIDs(window)
	assert.True(t, ids[later.ID])
	assert.False(t, ids[due.ID])
	assert.False(t, ids[overdue.ID])
}

func (s *suite) testDuePaging(t *testing.T) {
	ctx := context.Background()
	from, to := day(2033, 6, 1), day(2033, 6, 2)
	s.plan(t, domain.PlanStatusActive, from, 12)
	s.plan(t, domain.PlanStatusActive, to, 12)
	s.plan(t, domain.PlanStatusActive, to, 12)

	var (
		seen  []*domain.PaymentPlan
		after repository.Cursor
	)
	for page := 0; page < 4; page++ {
		plans, err := s.repos.Plans.ListDueBetween(ctx, from, to, after, 2)
		require.NoError(t, err)
		if len(plans) == 0 {
			break
		}
		seen = append(seen, plans...)
		last := plans[len(plans)-1]
		after = repository.Cursor{At: last.NextDueDate, ID: last.ID}
	}

	require.Len(t, seen, 3)
	assert.True(t, seen[0].NextDueDate.Equal(from))
	for i := 1; i < len(seen); i++ {
		prev := repository.Cursor{At: seen[i-1].NextDueDate, ID: seen[i-1].ID}
		assert.True(t, prev.Before(seen[i].NextDueDate, seen[i].ID), "pages follow due date then id")
	}
}

func (s *suite) testAttemptUniqueness(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	first := s.attempt(t, p, domain.PaymentStatusPending, day(2024, 2, 15))

	dup := s.newAttempt(p, domain.PaymentStatusCompleted, day(2024, 3, 15))
	dup.IdempotencyKey = first.IdempotencyKey
	err := s.repos.Payments.Create(ctx, dup)
	assert.True(t, errors.Is(err, repository.ErrDuplicateIdempotencyKey), "got %v", err)

	second := s.newAttempt(p, domain.PaymentStatusProcessing, day(2024, 2, 15))
	err = s.repos.Payments.Create(ctx, second)
	assert.True(t, errors.Is(err, repository.ErrActiveAttemptExists), "got %v", err)

	// A deposit and a settled attempt do not hold the installment slot
	s.attempt(t, p, domain.PaymentStatusPending, day(2024, 2, 15), deposit)
	s.attempt(t, p, domain.PaymentStatusFailed, day(2024, 2, 15))

	byKey, err := s.repos.Payments.GetByIdempotencyKey(ctx, first.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byKey.ID)
	assert.True(t, byKey.DueDate.Equal(day(2024, 2, 15)))

	_, err = s.repos.Payments.GetByIdempotencyKey(ctx, "missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	attempts, err := s.repos.Payments.ListByPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
}

func (s *suite) testTransition(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	a := s.attempt(t, p, domain.PaymentStatusPending, day(2024, 2, 15))
	at := base.Add(time.Minute)

	moved, err := s.repos.Payments.Transition(ctx, a.ID, domain.PaymentStatusPending, domain.PaymentStatusProcessing, at)
	require.NoError(t, err)
	assert.True(t, moved)

	got := s.reload(t, a.ID)
	assert.Equal(t, domain.PaymentStatusProcessing, got.Status)
	require.NotNil(t, got.SubmittedAt)
	assert.True(t, got.SubmittedAt.Equal(at))

	moved, err = s.repos.Payments.Transition(ctx, a.ID, domain.PaymentStatusPending, domain.PaymentStatusProcessing, at)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = s.repos.Payments.Transition(ctx, uuid.New(), domain.PaymentStatusPending, domain.PaymentStatusProcessing, at)
	require.NoError(t, err)
	assert.False(t, moved)
}

func (s *suite) testUpdate(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	a := s.attempt(t, p, domain.PaymentStatusProcessing, day(2024, 2, 15))

	ref := "sbx_123"
	reason := "insufficient funds"
	next := base.Add(2 * time.Minute)
	a.Status = domain.PaymentStatusFailed
	a.ExternalRef = &ref
	a.FailureReason = &reason
	a.RetryCount = 1
	a.NextRetryAt = &next
	a.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.repos.Payments.Update(ctx, a))

	got := s.reload(t, a.ID)
	assert.Equal(t, domain.PaymentStatusFailed, got.Status)
	assert.Equal(t, "sbx_123", *got.ExternalRef)
	assert.Equal(t, "insufficient funds", *got.FailureReason)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(next))

	// Reviving the failed attempt while another one holds the slot
	s.attempt(t, p, domain.PaymentStatusPending, day(2024, 2, 15))
	got.Status = domain.PaymentStatusProcessing
	err := s.repos.Payments.Update(ctx, got)
	assert.True(t, errors.Is(err, repository.ErrActiveAttemptExists), "got %v", err)
}

func (s *suite) testFindOpen(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	due := day(2024, 2, 15)

	s.attempt(t, p, domain.PaymentStatusFailed, due)
	_, err := s.repos.Payments.FindOpen(ctx, p.ID, due, false)
	assert.True(t, errors.Is(err, repository.ErrNotFound), "a final failure is not open")

	retrying := s.attempt(t, p, domain.PaymentStatusFailed, due, retryAt(base.Add(time.Hour), 1), createdAt(base.Add(time.Second)))
	open, err := s.repos.Payments.FindOpen(ctx, p.ID, due, false)
	require.NoError(t, err)
	assert.Equal(t, retrying.ID, open.ID)

	pending := s.attempt(t, p, domain.PaymentStatusPending, due, createdAt(base.Add(2*time.Second)))
	open, err = s.repos.Payments.FindOpen(ctx, p.ID, due, false)
	require.NoError(t, err)
	assert.Equal(t, pending.ID, open.ID)

	_, err = s.repos.Payments.FindOpen(ctx, p.ID, due, true)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func (s *suite) testDueForRetry(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	now := base.Add(time.Hour)

	dueNow := s.attempt(t, p, domain.PaymentStatusFailed, day(2024, 2, 15), retryAt(now, 1))
	last := s.attempt(t, p, domain.PaymentStatusFailed, day(2024, 3, 15), retryAt(now.Add(-time.Minute), 3))
	later := s.attempt(t, p, domain.PaymentStatusFailed, day(2024, 4, 15), retryAt(now.Add(time.Minute), 1))
	final := s.attempt(t, p, domain.PaymentStatusFailed, day(2024, 5, 15))

	listed, err := s.repos.Payments.ListDueForRetry(ctx, now, listLimit)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{last.ID, dueNow.ID}, only(listed, dueNow, last, later, final))
}

func (s *suite) testStale(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	cutoff := base.Add(-time.Hour)

	processing := s.attempt(t, p, domain.PaymentStatusPending, day(2024, 2, 15), createdAt(base.Add(-3*time.Hour)))
	moved, err := s.repos.Payments.Transition(ctx, processing.ID, domain.PaymentStatusPending, domain.PaymentStatusProcessing, base.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, moved)

	pending := s.attempt(t, p, domain.PaymentStatusPending, day(2024, 3, 15), createdAt(cutoff))

	stale, err := s.repos.Payments.ListStale(ctx, domain.PaymentStatusProcessing, cutoff, repository.Cursor{}, listLimit)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{processing.ID}, only(stale, processing, pending))

	// Measured from submission, not creation
	stale, err = s.repos.Payments.ListStale(ctx, domain.PaymentStatusProcessing, base.Add(-150*time.Minute), repository.Cursor{}, listLimit)
	require.NoError(t, err)
	assert.Empty(t, only(stale, processing))

	stale, err = s.repos.Payments.ListStale(ctx, domain.PaymentStatusPending, cutoff, repository.Cursor{}, listLimit)
	require.NoError(t, err)
	assert.Empty(t, only(stale, pending))

	stale, err = s.repos.Payments.ListStale(ctx, domain.PaymentStatusPending, base, repository.Cursor{}, listLimit)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{pending.ID}, only(stale, processing, pending))
}

func (s *suite) testOverdueCandidates(t *testing.T) {
	ctx := context.Background()
	today := day(2024, 3, 1)

	late := s.plan(t, domain.PlanStatusActive, day(2024, 1, 15), 12)
	s.attempt(t, late, domain.PaymentStatusFailed, day(2024, 2, 15))
	s.attempt(t, late, domain.PaymentStatusPending, day(2024, 1, 15))

	paid := s.plan(t, domain.PlanStatusOverdue, day(2024, 1, 15), 12)
	s.attempt(t, paid, domain.PaymentStatusFailed, day(2024, 1, 15))
	s.attempt(t, paid, domain.PaymentStatusCompleted, day(2024, 1, 15))

	closed := s.plan(t, domain.PlanStatusCancelled, day(2024, 1, 15), 12)
	s.attempt(t, closed, domain.PaymentStatusPending, day(2024, 1, 15))

	dueToday := s.plan(t, domain.PlanStatusActive, today, 12)
	s.attempt(t, dueToday, domain.PaymentStatusPending, today)

	depositOnly := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	s.attempt(t, depositOnly, domain.PaymentStatusFailed, day(2024, 1, 15), deposit)

	candidates, err := s.repos.Payments.ListOverdueCandidates(ctx, today, repository.Cursor{}, listLimit)
	require.NoError(t, err)

	found := make(map[uuid.UUID]time.Time)
	for _, c := range candidates {
		found[c.PlanID] = c.DueDate
	}
	require.Contains(t, found, late.ID)
	assert.True(t, found[late.ID].Equal(day(2024, 1, 15)), found[late.ID].String())
	for _, p := range []*domain.PaymentPlan{paid, closed, dueToday, depositOnly} {
		assert.NotContains(t, found, p.ID)
	}
	for i := 1; i < len(candidates); i++ {
		prev := repository.Cursor{At: candidates[i-1].DueDate, ID: candidates[i-1].PlanID}
		assert.True(t, prev.Before(candidates[i].DueDate, candidates[i].PlanID), "oldest missed installment first")
	}

	rest, err := s.repos.Payments.ListOverdueCandidates(ctx, today, repository.Cursor{At: day(2024, 1, 15), ID: late.ID}, listLimit)
	require.NoError(t, err)
	for _, c := range rest {
		assert.NotEqual(t, late.ID, c.PlanID)
		assert.False(t, c.DueDate.Before(day(2024, 1, 15)))
	}
}

func (s *suite) testSumCompleted(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)

	total, err := s.repos.Payments.SumCompleted(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, total.IsZero())

	s.attempt(t, p, domain.PaymentStatusCompleted, day(2024, 1, 15), deposit)
	s.attempt(t, p, domain.PaymentStatusCompleted, day(2024, 2, 15))
	s.attempt(t, p, domain.PaymentStatusFailed, day(2024, 3, 15))

	total, err = s.repos.Payments.SumCompleted(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(300)), total.String())
}

func (s *suite) testRetryRecords(t *testing.T) {
	ctx := context.Background()
	p := s.plan(t, domain.PlanStatusActive, day(2024, 2, 15), 12)
	a := s.attempt(t, p, domain.PaymentStatusFailed, day(2024, 2, 15), retryAt(base.Add(2*time.Minute), 2))

	reason := "declined"
	second := &domain.RetryRecord{
		ID: uuid.New(), AttemptID: a.ID, AttemptNumber: 2, Status: domain.RetryStatusPending,
		ScheduledFor: base.Add(2 * time.Minute), CreatedAt: base.Add(time.Minute),
	}
	first := &domain.RetryRecord{
		ID: uuid.New(), AttemptID: a.ID, AttemptNumber: 1, Status: domain.RetryStatusFailed,
		ScheduledFor: base.Add(time.Minute), FailureReason: &reason, CreatedAt: base,
	}
	require.NoError(t, s.repos.Retries.Create(ctx, second))
	require.NoError(t, s.repos.Retries.Create(ctx, first))

	history, err := s.repos.Retries.ListByAttempt(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].AttemptNumber)
	assert.Equal(t, 2, history[1].AttemptNumber)

	open, err := s.repos.Retries.GetLatestOpen(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, open.ID)

	finished := base.Add(3 * time.Minute)
	open.Status = domain.RetryStatusCompleted
	open.FinishedAt = &finished
	require.NoError(t, s.repos.Retries.Update(ctx, open))

	_, err = s.repos.Retries.GetLatestOpen(ctx, a.ID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))

	history, err = s.repos.Retries.ListByAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RetryStatusCompleted, history[1].Status)
	require.NotNil(t, history[1].FinishedAt)
	assert.True(t, history[1].FinishedAt.Equal(finished))
}

func (s *suite) testIdempotency(t *testing.T) {
	ctx := context.Background()
	key := "idem-" + uuid.NewString()
	record := func(attemptID uuid.UUID, created time.Time) *domain.IdempotencyRecord {
		return &domain.IdempotencyRecord{
			Key:       key,
			AttemptID: attemptID,
			Response:  json.RawMessage(fmt.Sprintf(`{"attempt_id":%q}`, attemptID)),
			ExpiresAt: created.Add(time.Hour),
			CreatedAt: created,
		}
	}

	firstID := uuid.New()
	written, err := s.repos.Idempotency.Insert(ctx, record(firstID, base), base)
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.repos.Idempotency.Insert(ctx, record(uuid.New(), base), base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, written, "a live key is never overwritten")

	got, err := s.repos.Idempotency.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, firstID, got.AttemptID)
	assert.JSONEq(t, fmt.Sprintf(`{"attempt_id":%q}`, firstID), string(got.Response))

	// Expiry is inclusive
	secondID := uuid.New()
	written, err = s.repos.Idempotency.Insert(ctx, record(secondID, base.Add(time.Hour)), base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, written)

	got, err = s.repos.Idempotency.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, secondID, got.AttemptID)

	_, err = s.repos.Idempotency.DeleteExpired(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	_, err = s.repos.Idempotency.Get(ctx, key)
	require.NoError(t, err, "purge keeps live keys")

	purged, err := s.repos.Idempotency.DeleteExpired(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, purged, int64(1))
	_, err = s.repos.Idempotency.Get(ctx, key)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func (s *suite) testCallbacks(t *testing.T) {
	ctx := context.Background()
	rec := &domain.CallbackRecord{
		ID:             uuid.New(),
		Provider:       "sandbox",
		ExternalTxID:   "sbx_1",
		Reference:      uuid.NewString(),
		ReportedStatus: domain.CallbackStatusSuccess,
		Amount:         decimal.RequireFromString("833333.33"),
		Payload:        json.RawMessage(`{"status":"success"}`),
		SignatureValid: true,
		Outcome:        domain.CallbackOutcomeReceived,
		ReceivedAt:     base,
	}
	require.NoError(t, s.repos.Callbacks.Create(ctx, rec))

	got, err := s.repos.Callbacks.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackOutcomeReceived, got.Outcome)
	assert.True(t, got.Amount.Equal(rec.Amount))
	assert.True(t, got.SignatureValid)
	assert.Nil(t, got.ProcessedAt)

	msg := "attempt already settled"
	at := base.Add(time.Second)
	require.NoError(t, s.repos.Callbacks.SetOutcome(ctx, rec.ID, domain.CallbackOutcomeIgnored, &msg, at))

	got, err = s.repos.Callbacks.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallbackOutcomeIgnored, got.Outcome)
	require.NotNil(t, got.Error)
	assert.Equal(t, msg, *got.Error)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(at))

	_, err = s.repos.Callbacks.GetByID(ctx, uuid.New())
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func (s *suite) testOutbox(t *testing.T) {
	ctx := context.Background()
	event := func(created time.Time) *domain.OutboxEvent {
		return &domain.OutboxEvent{
			ID:            uuid.New(),
			EventType:     domain.EventPaymentCompleted,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{"type":"payment.completed"}`),
			Status:        domain.OutboxStatusPending,
			NextAttemptAt: created,
			CreatedAt:     created,
		}
	}
	first, second := event(base), event(base.Add(time.Second))
	require.NoError(t, s.repos.Outbox.Enqueue(ctx, first))
	require.NoError(t, s.repos.Outbox.Enqueue(ctx, second))

	ours := func(now time.Time) []*domain.OutboxEvent {
		t.Helper()
		pending, err := s.repos.Outbox.FetchPending(ctx, now, listLimit)
		require.NoError(t, err)
		var result []*domain.OutboxEvent
		for _, ev := range pending {
			if ev.ID == first.ID || ev.ID == second.ID {
				result = append(result, ev)
			}
		}
		return result
	}

	pending := ours(base)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	pending = ours(base.Add(time.Second))
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	require.NoError(t, s.repos.Outbox.MarkFailed(ctx, first.ID, base.Add(time.Hour), "broker down"))
	require.NoError(t, s.repos.Outbox.MarkPublished(ctx, second.ID, base.Add(2*time.Second)))

	assert.Empty(t, ours(base.Add(time.Minute)))

	pending = ours(base.Add(time.Hour))
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	require.NotNil(t, pending[0].LastError)
	assert.Equal(t, "broker down", *pending[0].LastError)
}

func (s *suite) testTransactions(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var rolledBack, committed *domain.PaymentPlan

	err := s.repos.Tx.RunInTx(ctx, func(ctx context.Context) error {
		committed = s.planIn(ctx, t)
		return s.repos.Tx.RunInTx(ctx, func(ctx context.Context) error {
			_, err := s.repos.Plans.GetForUpdate(ctx, committed.ID)
			return err
		})
	})
	require.NoError(t, err)

	err = s.repos.Tx.RunInTx(ctx, func(ctx context.Context) error {
		rolledBack = s.planIn(ctx, t)
		return s.repos.Tx.RunInTx(ctx, func(ctx context.Context) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.repos.Plans.GetByID(ctx, committed.ID)
	assert.NoError(t, err)
	_, err = s.repos.Plans.GetByID(ctx, rolledBack.ID)
	assert.True(t, errors.Is(err, repository.ErrNotFound), "a failed transaction leaves nothing behind")
}

func (s *suite) planIn(ctx context.Context, t *testing.T) *domain.PaymentPlan {
	t.Helper()
	p := &domain.PaymentPlan{
		ID:                uuid.New(),
		OwnerID:           "owner-tx",
		VehicleID:         "vehicle-tx",
		TotalPrice:        decimal.NewFromInt(1200),
		DepositAmount:     decimal.Zero,
		InstallmentAmount: decimal.NewFromInt(100),
		Frequency:         domain.FrequencyMonthly,
		TermMonths:        12,
		TotalInstallments: 12,
		Remaining:         12,
		ScheduleStart:     day(2024, 1, 15),
		NextDueDate:       day(2024, 2, 15),
		GracePeriodDays:   7,
		Status:            domain.PlanStatusActive,
		CreatedAt:         base,
		UpdatedAt:         base,
	}
	require.NoError(t, s.repos.Plans.Create(ctx, p))
	return p
}
