package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/events"
	"github.com/segyhp/settlement-engine/internal/gateway"
	"github.com/segyhp/settlement-engine/internal/idempotency"
	"github.com/segyhp/settlement-engine/internal/logger"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
	"github.com/segyhp/settlement-engine/internal/repository/memory"
)

// Plans created by the harness start on this day; the first monthly installment is due 2024-02-15
var testStart = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Provider() string {
	return "mockpay"
}

func (m *MockGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResult, error) {
	args := m.Called(ctx, req)
	if res, ok := args.Get(0).(*gateway.InitiateResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGateway) CheckStatus(ctx context.Context, externalTxID string) (*gateway.StatusResult, error) {
	args := m.Called(ctx, externalTxID)
	if res, ok := args.Get(0).(*gateway.StatusResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Port: "8080", Env: "test"},
		Gateway:  config.GatewayConfig{Driver: "sandbox", Provider: "sandbox", Timeout: 5 * time.Second, Destination: "merchant-settlement"},
		Callback: config.CallbackConfig{Secret: "callback-secret"},
		Scheduler: config.SchedulerConfig{
			Timezone:          "UTC",
			BatchSize:         100,
			Workers:           4,
			ProcessingTimeout: 24 * time.Hour,
			LeaseTTL:          time.Minute,
		},
		Business: config.BusinessConfig{
			Currency:               "IDR",
			CurrencyPrecision:      2,
			AllowedTerms:           "12,18,24,36",
			DefaultGraceDays:       7,
			MaxRetries:             3,
			RetryInitialDelay:      time.Minute,
			RetryBackoffMultiplier: 2,
			RetryMaxDelay:          24 * time.Hour,
			IdempotencyTTL:         24 * time.Hour,
			EscalationDays:         30,
			DefaultAfterDays:       90,
			ReminderDays:           3,
			ScheduledMethod:        domain.MethodBankTransfer,
		},
	}
}

type harness struct {
	store    *memory.Store
	repos    *repository.Repositories
	cfg      *config.Config
	clock    *testClock
	sandbox  *gateway.Sandbox
	signer   *gateway.Signer
	guard    *idempotency.Guard
	retries  *RetryScheduler
	executor *PaymentExecutor
	billing  *BillingService
	listener *ReconciliationListener
	overdue  *OverdueMonitor
	orch     *Orchestrator
}

// newHarness wires every component on the memory store and a sandbox gateway in mode
func newHarness(t *testing.T, mode string, opts ...func(*config.Config)) *harness {
	t.Helper()
	sandbox := gateway.NewSandbox("sandbox", mode)
	h := newHarnessWithGateway(t, sandbox, opts...)
	h.sandbox = sandbox
	return h
}

func newHarnessWithGateway(t *testing.T, gw gateway.MoneyGateway, opts ...func(*config.Config)) *harness {
	t.Helper()

	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	terms, err := cfg.GetAllowedTerms()
	require.NoError(t, err)

	store := memory.NewStore()
	repos := store.Repositories()
	log := logger.Discard()
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	clock := &testClock{now: testStart}

	signer := gateway.NewSigner(cfg.Callback.Secret)
	guard := idempotency.NewGuard(repos.Idempotency, nil, cfg.Business.IdempotencyTTL, log, rec)
	retries := NewRetryScheduler(repos, cfg.Business, log, rec)
	executor := NewPaymentExecutor(repos, guard, gw, retries, cfg, log, rec)
	calculator := NewScheduleCalculator(terms, cfg.Business.DefaultGraceDays, int32(cfg.Business.CurrencyPrecision))
	billing := NewBillingService(repos, calculator, executor, cfg, log, rec)
	listener := NewReconciliationListener(repos, executor, signer, cfg, log, rec)
	overdue := NewOverdueMonitor(repos, cfg, log, rec)
	relay := events.NewRelay(repos.Tx, repos.Outbox, events.NewLogPublisher(log), retries.Backoff, cfg.Scheduler.BatchSize, log, rec)
	orch := NewOrchestrator(repos, executor, retries, overdue, guard, relay, cfg, log)

	retries.now = clock.Now
	executor.now = clock.Now
	billing.now = clock.Now
	listener.now = clock.Now
	overdue.now = clock.Now
	orch.now = clock.Now

	return &harness{
		store:    store,
		repos:    repos,
		cfg:      cfg,
		clock:    clock,
		signer:   signer,
		guard:    guard,
		retries:  retries,
		executor: executor,
		billing:  billing,
		listener: listener,
		overdue:  overdue,
		orch:     orch,
	}
}

// createPlan books the example purchase: 12,000,000 with 2,000,000 down over 12 months
func (h *harness) createPlan(t *testing.T) *domain.PaymentPlan {
	t.Helper()
	return h.createPlanWith(t, "owner-1", "12000000", "2000000", 12, domain.FrequencyMonthly)
}

func (h *harness) createPlanWith(t *testing.T, owner, price, deposit string, term int, frequency string) *domain.PaymentPlan {
	t.Helper()
	resp, err := h.billing.CreatePlan(context.Background(), &domain.CreatePlanRequest{
		OwnerID:    owner,
		VehicleID:  "vehicle-" + owner,
		Price:      decimal.RequireFromString(price),
		Deposit:    decimal.RequireFromString(deposit),
		TermMonths: term,
		Frequency:  frequency,
	})
	require.NoError(t, err)
	return resp.Plan
}

func (h *harness) pay(t *testing.T, plan *domain.PaymentPlan, key string) *domain.SubmitPaymentResponse {
	t.Helper()
	resp, err := h.executor.SubmitPayment(context.Background(), installmentRequest(plan, key))
	require.NoError(t, err)
	return resp
}

func installmentRequest(plan *domain.PaymentPlan, key string) *domain.SubmitPaymentRequest {
	return &domain.SubmitPaymentRequest{
		PlanID:         plan.ID,
		OwnerID:        plan.OwnerID,
		Amount:         plan.InstallmentAmount,
		Method:         domain.MethodBankTransfer,
		IdempotencyKey: key,
	}
}

func (h *harness) reloadPlan(t *testing.T, id uuid.UUID) *domain.PaymentPlan {
	t.Helper()
	plan, err := h.repos.Plans.GetByID(context.Background(), id)
	require.NoError(t, err)
	return plan
}

func (h *harness) reloadAttempt(t *testing.T, id uuid.UUID) *domain.PaymentAttempt {
	t.Helper()
	attempt, err := h.repos.Payments.GetByID(context.Background(), id)
	require.NoError(t, err)
	return attempt
}

// signedCallback is what the provider sends for attempt
func (h *harness) signedCallback(attempt *domain.PaymentAttempt, status string) *domain.GatewayCallback {
	cb := &domain.GatewayCallback{
		Provider:     "sandbox",
		ExternalTxID: attempt.Reference(),
		Status:       status,
		Amount:       attempt.Amount,
		Reference:    attempt.ID.String(),
	}
	cb.Signature = h.signer.Sign(cb)
	return cb
}

// eventsOf decodes the outbox events of one type in the order they were written
func (h *harness) eventsOf(t *testing.T, eventType string) []domain.Event {
	t.Helper()
	var result []domain.Event
	for _, row := range h.store.Events() {
		if row.EventType != eventType {
			continue
		}
		var ev domain.Event
		require.NoError(t, json.Unmarshal(row.Payload, &ev))
		result = append(result, ev)
	}
	return result
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// pendingAttempt stores an attempt for due that was never sent, as a crash between
// insert and submit would leave it
func (h *harness) pendingAttempt(t *testing.T, plan *domain.PaymentPlan, due time.Time, key string) *domain.PaymentAttempt {
	t.Helper()
	now := h.clock.Now()
	attempt := &domain.PaymentAttempt{
		ID:             uuid.New(),
		PlanID:         plan.ID,
		OwnerID:        plan.OwnerID,
		Amount:         plan.InstallmentAmount,
		Method:         domain.MethodBankTransfer,
		Provider:       "sandbox",
		IdempotencyKey: key,
		Status:         domain.PaymentStatusPending,
		ScheduledDate:  day(now.Year(), now.Month(), now.Day()),
		DueDate:        due,
		MaxRetries:     h.cfg.Business.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, h.repos.Payments.Create(context.Background(), attempt))
	return attempt
}
