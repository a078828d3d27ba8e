package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/gateway"
	"github.com/segyhp/settlement-engine/internal/idempotency"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
	"github.com/segyhp/settlement-engine/pkg/utils"
)

var paymentMethods = map[string]bool{
	domain.MethodBankTransfer: true,
	domain.MethodMobileMoney:  true,
	domain.MethodCard:         true,
	domain.MethodCash:         true,
}

// PaymentExecutor creates payment attempts, sends them to the gateway and
// applies their outcome to the attempt and its plan
type PaymentExecutor struct {
	tx       repository.TxManager
	plans    repository.PlanRepository
	payments repository.PaymentRepository
	outbox   repository.OutboxRepository
	guard    *idempotency.Guard
	gateway  gateway.MoneyGateway
	retries  *RetryScheduler

	currency          string
	destination       string
	scheduledMethod   string
	gatewayTimeout    time.Duration
	processingTimeout time.Duration
	maxRetries        int

	logger  logrus.FieldLogger
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewPaymentExecutor(
	repos *repository.Repositories,
	guard *idempotency.Guard,
	gw gateway.MoneyGateway,
	retries *RetryScheduler,
	cfg *config.Config,
	logger logrus.FieldLogger,
	rec *metrics.Recorder,
) *PaymentExecutor {
	return &PaymentExecutor{
		tx:                repos.Tx,
		plans:             repos.Plans,
		payments:          repos.Payments,
		outbox:            repos.Outbox,
		guard:             guard,
		gateway:           gw,
		retries:           retries,
		currency:          cfg.Business.Currency,
		destination:       cfg.Gateway.Destination,
		scheduledMethod:   cfg.Business.ScheduledMethod,
		gatewayTimeout:    cfg.Gateway.Timeout,
		processingTimeout: cfg.Scheduler.ProcessingTimeout,
		maxRetries:        cfg.Business.MaxRetries,
		logger:            logger,
		metrics:           rec,
		now:               time.Now,
	}
}

// ScheduledKey is the idempotency key of the scheduler's attempt for one due date
func ScheduledKey(planID uuid.UUID, dueDate time.Time) string {
	return fmt.Sprintf("sched-%s-%s", planID, dueDate.Format("20060102"))
}

// SubmitPayment records a payment for the plan's next installment (or its deposit)
// and sends it to the gateway. Repeating a request with the same idempotency key
// returns the first attempt without calling the gateway again.
func (e *PaymentExecutor) SubmitPayment(ctx context.Context, req *domain.SubmitPaymentRequest) (*domain.SubmitPaymentResponse, error) {
	if err := validatePayment(req); err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idempotency.GenerateKey("pay")
	}

	resp, found, err := e.replay(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		e.metrics.PaymentSubmitted(resp.Payment.Method, true)
		return resp, nil
	}

	// Callers sharing the key share the outcome, so one of them going away must not cancel it
	shared := context.WithoutCancel(ctx)
	v, err, _ := e.guard.Collapse(key, func() (interface{}, error) {
		return e.submitNew(shared, req, key)
	})
	if err != nil {
		return nil, err
	}

	resp = v.(*domain.SubmitPaymentResponse)
	e.metrics.PaymentSubmitted(req.Method, resp.Replay)
	return resp, nil
}

func validatePayment(req *domain.SubmitPaymentRequest) error {
	if req.PlanID == uuid.Nil {
		return customError.WrapInvalidPayment("plan id is required")
	}
	if req.OwnerID == "" {
		return customError.WrapInvalidPayment("owner id is required")
	}
	if !req.Amount.IsPositive() {
		return customError.WrapInvalidPayment("amount must be greater than zero")
	}
	if !paymentMethods[req.Method] {
		return customError.WrapInvalidPayment(fmt.Sprintf("unknown payment method %q", req.Method))
	}
	if req.IdempotencyKey != "" {
		return idempotency.ValidateKey(req.IdempotencyKey)
	}
	return nil
}

// replay returns the attempt already recorded under key
func (e *PaymentExecutor) replay(ctx context.Context, key string) (*domain.SubmitPaymentResponse, bool, error) {
	rec, found, err := e.guard.Check(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}

	attempt, err := e.payments.GetByID(ctx, rec.AttemptID)
	if err == nil {
		return &domain.SubmitPaymentResponse{Payment: attempt, Replay: true}, true, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, customError.WrapDatabaseError(err)
	}

	var cached domain.SubmitPaymentResponse
	if err := json.Unmarshal(rec.Response, &cached); err != nil {
		return nil, false, fmt.Errorf("decode cached response for %s: %w", key, err)
	}
	if cached.Payment == nil {
		return nil, false, customError.WrapPaymentNotFound(rec.AttemptID.String())
	}
	cached.Replay = true
	return &cached, true, nil
}

func (e *PaymentExecutor) submitNew(ctx context.Context, req *domain.SubmitPaymentRequest, key string) (*domain.SubmitPaymentResponse, error) {
	plan, err := e.plans.GetByID(ctx, req.PlanID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, customError.WrapPlanNotFound(req.PlanID.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	if plan.IsClosed() {
		return nil, customError.WrapPlanClosed(plan.ID.String(), plan.Status)
	}
	if plan.OwnerID != req.OwnerID {
		return nil, customError.WrapInvalidPayment("owner does not match the payment plan")
	}

	expected, due := plan.InstallmentAmount, plan.NextDueDate
	if req.IsDeposit {
		if !plan.DepositAmount.IsPositive() {
			return nil, customError.WrapInvalidPayment("payment plan has no deposit")
		}
		expected, due = plan.DepositAmount, plan.ScheduleStart
	}
	if !req.Amount.Equal(expected) {
		return nil, customError.WrapPaymentAmountMismatch(expected.String(), req.Amount.String())
	}

	if req.IsDeposit {
		paid, err := e.depositPaid(ctx, plan.ID)
		if err != nil {
			return nil, err
		}
		if paid {
			return nil, customError.WrapInvalidPayment("deposit is already paid")
		}
	}

	open, err := e.payments.FindOpen(ctx, plan.ID, due, req.IsDeposit)
	switch {
	case err == nil:
		if open.IdempotencyKey == key {
			return &domain.SubmitPaymentResponse{Payment: open, Replay: true}, nil
		}
		return nil, customError.WrapPaymentInProgress(plan.ID.String(), due.Format("2006-01-02"))
	case !errors.Is(err, repository.ErrNotFound):
		return nil, customError.WrapDatabaseError(err)
	}

	attempt := e.newAttempt(plan, req.Amount, req.Method, key, due, req.IsDeposit)
	existing, err := e.insert(ctx, attempt)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &domain.SubmitPaymentResponse{Payment: existing, Replay: true}, nil
	}

	if _, err := e.guard.Store(ctx, key, attempt.ID, &domain.SubmitPaymentResponse{Payment: attempt}); err != nil {
		// The unique key on attempts still rejects duplicates
		e.logger.WithError(err).WithField("key", key).Warn("could not record idempotency key")
	}

	updated, err := e.submit(ctx, attempt, domain.PaymentStatusPending)
	if err != nil {
		return nil, err
	}
	return &domain.SubmitPaymentResponse{Payment: updated}, nil
}

func (e *PaymentExecutor) depositPaid(ctx context.Context, planID uuid.UUID) (bool, error) {
	attempts, err := e.payments.ListByPlan(ctx, planID)
	if err != nil {
		return false, customError.WrapDatabaseError(err)
	}
	for _, a := range attempts {
		if a.IsDeposit && a.Status == domain.PaymentStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (e *PaymentExecutor) newAttempt(plan *domain.PaymentPlan, amount decimal.Decimal, method, key string, due time.Time, deposit bool) *domain.PaymentAttempt {
	now := e.now()
	return &domain.PaymentAttempt{
		ID:             uuid.New(),
		PlanID:         plan.ID,
		OwnerID:        plan.OwnerID,
		Amount:         amount,
		Method:         method,
		Provider:       e.gateway.Provider(),
		IdempotencyKey: key,
		Status:         domain.PaymentStatusPending,
		ScheduledDate:  utils.TruncateToDay(now),
		DueDate:        due,
		MaxRetries:     e.maxRetries,
		IsDeposit:      deposit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// insert stores a new attempt. When the idempotency key is taken it returns the
// attempt that holds it instead.
func (e *PaymentExecutor) insert(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, error) {
	err := e.payments.Create(ctx, attempt)
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, repository.ErrDuplicateIdempotencyKey):
		existing, err := e.payments.GetByIdempotencyKey(ctx, attempt.IdempotencyKey)
		if err != nil {
			return nil, customError.WrapDatabaseError(err)
		}
		return existing, nil
	case errors.Is(err, repository.ErrActiveAttemptExists):
		return nil, customError.WrapPaymentInProgress(attempt.PlanID.String(), attempt.DueDate.Format("2006-01-02"))
	default:
		return nil, customError.WrapDatabaseError(err)
	}
}

// SubmitScheduled creates and sends the scheduler's attempt for the plan's next due
// installment. A pending attempt left by an interrupted run is sent again.
// It reports whether the gateway was called.
func (e *PaymentExecutor) SubmitScheduled(ctx context.Context, plan *domain.PaymentPlan) (*domain.PaymentAttempt, bool, error) {
	open, err := e.payments.FindOpen(ctx, plan.ID, plan.NextDueDate, false)
	switch {
	case err == nil:
		if open.Status != domain.PaymentStatusPending {
			return open, false, nil
		}
		updated, err := e.submit(ctx, open, domain.PaymentStatusPending)
		return updated, err == nil, err
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, customError.WrapDatabaseError(err)
	}

	key := ScheduledKey(plan.ID, plan.NextDueDate)
	attempt := e.newAttempt(plan, plan.InstallmentAmount, e.scheduledMethod, key, plan.NextDueDate, false)

	existing, err := e.insert(ctx, attempt)
	if customError.IsPaymentInProgress(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Status != domain.PaymentStatusPending {
			return existing, false, nil
		}
		attempt = existing
	}

	updated, err := e.submit(ctx, attempt, domain.PaymentStatusPending)
	return updated, err == nil, err
}

// Resubmit sends a failed attempt whose retry is due. Retries of a closed plan are dropped.
func (e *PaymentExecutor) Resubmit(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, error) {
	plan, err := e.plans.GetByID(ctx, attempt.PlanID)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	if plan.IsClosed() {
		return e.dropRetry(ctx, attempt.ID, "payment plan is "+plan.Status)
	}
	return e.submit(ctx, attempt, domain.PaymentStatusFailed)
}

// ResumePending sends a pending attempt that never reached the gateway
func (e *PaymentExecutor) ResumePending(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, error) {
	return e.submit(ctx, attempt, domain.PaymentStatusPending)
}

// submit starts a new try of the attempt from `from` and sends it to the gateway.
// If another worker already started it, the current state is returned untouched.
func (e *PaymentExecutor) submit(ctx context.Context, attempt *domain.PaymentAttempt, from string) (*domain.PaymentAttempt, error) {
	started, err := e.startTry(ctx, attempt.ID, from)
	if err != nil {
		return nil, err
	}
	if started == nil {
		return e.load(ctx, attempt.ID)
	}
	return e.send(ctx, started)
}

// startTry moves the attempt from `from` to processing. A retry starts only once it
// is due, and its retry record moves to processing in the same transaction.
// It returns nil when the attempt is no longer in a state to start.
func (e *PaymentExecutor) startTry(ctx context.Context, id uuid.UUID, from string) (*domain.PaymentAttempt, error) {
	var out *domain.PaymentAttempt
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := e.lockAttempt(ctx, id)
		if err != nil {
			return err
		}

		now := e.now()
		if a.Status != from || !a.CanTransition(domain.PaymentStatusProcessing) {
			return nil
		}
		retry := from == domain.PaymentStatusFailed
		if retry && (a.NextRetryAt == nil || a.NextRetryAt.After(now)) {
			return nil
		}

		a.Status = domain.PaymentStatusProcessing
		a.SubmittedAt = &now
		a.ExternalRef = nil
		a.UpdatedAt = now
		if err := e.payments.Update(ctx, a); err != nil {
			if errors.Is(err, repository.ErrActiveAttemptExists) {
				return customError.WrapPaymentInProgress(a.PlanID.String(), a.DueDate.Format("2006-01-02"))
			}
			return customError.WrapDatabaseError(err)
		}
		if retry {
			if err := e.retries.MarkProcessing(ctx, a.ID); err != nil {
				return err
			}
		}

		out = a
		return nil
	})
	return out, err
}

// send asks the gateway to move the money of the attempt's current try and applies
// the answer. A gateway error leaves the outcome unknown: the attempt stays processing
// and the same request is repeated later under the same provider key.
func (e *PaymentExecutor) send(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, error) {
	req := gateway.InitiateRequest{
		Amount:         attempt.Amount,
		Currency:       e.currency,
		Destination:    e.destination,
		Method:         attempt.Method,
		Reference:      attempt.ID.String(),
		IdempotencyKey: gatewayKey(attempt),
	}

	gctx, cancel := e.withGatewayTimeout(ctx)
	start := time.Now()
	result, callErr := e.gateway.Initiate(gctx, req)
	cancel()
	e.metrics.GatewayCall("initiate", callErr, time.Since(start))

	// The gateway may have moved money, so the outcome is recorded even if the caller went away
	ctx = context.WithoutCancel(ctx)

	log := e.logger.WithFields(logrus.Fields{
		"attempt_id":  attempt.ID,
		"plan_id":     attempt.PlanID,
		"retry":       attempt.RetryCount,
		"gateway_key": req.IdempotencyKey,
	})

	if callErr != nil {
		log.WithError(customError.WrapGatewayError(callErr)).Warn("gateway gave no answer, payment left processing")
		return e.load(ctx, attempt.ID)
	}

	switch {
	case !result.Accepted || result.Status == gateway.StatusFailed:
		reason := result.Reason
		if reason == "" {
			reason = "rejected by gateway"
		}
		log.WithField("reason", reason).Info("gateway declined payment")
		updated, _, err := e.Fail(ctx, attempt.ID, reason, result.ExternalTxID)
		return updated, err
	case result.Status == gateway.StatusCompleted:
		updated, _, err := e.Complete(ctx, attempt.ID, result.ExternalTxID)
		return updated, err
	default:
		log.WithField("external_tx_id", result.ExternalTxID).Info("payment awaiting gateway confirmation")
		return e.recordReference(ctx, attempt.ID, result.ExternalTxID)
	}
}

// gatewayKey is the provider idempotency key of the attempt's current try. Every
// retry gets its own so a declined transfer is not simply replayed, while a try
// whose answer was lost is repeated under the key it was first sent with.
func gatewayKey(a *domain.PaymentAttempt) string {
	if a.RetryCount == 0 {
		return a.IdempotencyKey
	}
	return fmt.Sprintf("%s-retry-%d", a.IdempotencyKey, a.RetryCount)
}

func (e *PaymentExecutor) withGatewayTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.gatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.gatewayTimeout)
}

func (e *PaymentExecutor) recordReference(ctx context.Context, id uuid.UUID, ref string) (*domain.PaymentAttempt, error) {
	var out *domain.PaymentAttempt
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := e.lockAttempt(ctx, id)
		if err != nil {
			return err
		}
		out = a

		if a.Status != domain.PaymentStatusProcessing || ref == "" || a.Reference() == ref {
			return nil
		}
		a.ExternalRef = &ref
		a.UpdatedAt = e.now()
		if err := e.payments.Update(ctx, a); err != nil {
			return customError.WrapDatabaseError(err)
		}
		return nil
	})
	return out, err
}

// Settlement tells what a confirmed transfer did to its attempt
type Settlement string

const (
	// SettlementApplied means the attempt completed and its plan moved on
	SettlementApplied Settlement = "applied"

	// SettlementDuplicate means the confirmation repeated one already applied
	SettlementDuplicate Settlement = "duplicate"

	// SettlementUnmatched means money moved on a transfer the attempt can no longer
	// take. It is reported with a payment.settlement.unmatched event.
	SettlementUnmatched Settlement = "unmatched"
)

// Complete settles an attempt and advances its plan in one transaction.
// Completing an attempt twice is a no-op. It reports whether anything changed.
func (e *PaymentExecutor) Complete(ctx context.Context, id uuid.UUID, externalRef string) (*domain.PaymentAttempt, bool, error) {
	a, settlement, err := e.Settle(ctx, id, externalRef)
	return a, settlement == SettlementApplied, err
}

// Settle applies a confirmed transfer to its attempt. A transfer confirmed after the
// attempt completed on another transfer, or after it was closed, is recorded as unmatched.
func (e *PaymentExecutor) Settle(ctx context.Context, id uuid.UUID, externalRef string) (*domain.PaymentAttempt, Settlement, error) {
	var (
		out        *domain.PaymentAttempt
		settlement = SettlementDuplicate
		planDone   bool
	)

	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := e.lockAttempt(ctx, id)
		if err != nil {
			return err
		}
		out = a

		if !a.CanTransition(domain.PaymentStatusCompleted) {
			if externalRef == "" || (a.Status == domain.PaymentStatusCompleted && a.Reference() == externalRef) {
				return nil
			}
			settlement = SettlementUnmatched
			return e.recordUnmatched(ctx, a, externalRef)
		}

		now := e.now()
		a.Status = domain.PaymentStatusCompleted
		a.ProcessedAt = &now
		a.NextRetryAt = nil
		a.FailureReason = nil
		a.UpdatedAt = now
		if externalRef != "" {
			a.ExternalRef = &externalRef
		}
		if a.ExternalRef == nil {
			return customError.WrapInvalidPayment("completed payment needs a gateway reference")
		}
		if err := e.payments.Update(ctx, a); err != nil {
			return customError.WrapDatabaseError(err)
		}
		if err := e.retries.MarkCompleted(ctx, a.ID); err != nil {
			return err
		}

		due := a.DueDate
		ev := domain.Event{
			Type:         domain.EventPaymentCompleted,
			PlanID:       a.PlanID,
			AttemptID:    &a.ID,
			ExternalTxID: a.Reference(),
			OwnerID:      a.OwnerID,
			Amount:       a.Amount,
			DueDate:      &due,
			OccurredAt:   now,
		}

		if !a.IsDeposit {
			plan, done, err := e.advancePlan(ctx, a, now)
			if err != nil {
				return err
			}
			outstanding := plan.OutstandingBalance()
			ev.Outstanding = &outstanding
			planDone = done
		}

		if err := enqueue(ctx, e.outbox, ev); err != nil {
			return err
		}
		if planDone {
			if err := enqueue(ctx, e.outbox, domain.Event{
				Type:       domain.EventPlanCompleted,
				PlanID:     a.PlanID,
				OwnerID:    a.OwnerID,
				Amount:     a.Amount,
				OccurredAt: now,
			}); err != nil {
				return err
			}
		}

		settlement = SettlementApplied
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	switch settlement {
	case SettlementApplied:
		e.metrics.PaymentOutcome(domain.PaymentStatusCompleted)
		e.logger.WithFields(logrus.Fields{
			"attempt_id":   out.ID,
			"plan_id":      out.PlanID,
			"plan_settled": planDone,
		}).Info("payment completed")
	case SettlementUnmatched:
		e.metrics.PaymentOutcome(string(SettlementUnmatched))
		e.logger.WithFields(logrus.Fields{
			"attempt_id":     out.ID,
			"plan_id":        out.PlanID,
			"status":         out.Status,
			"attempt_tx_id":  out.Reference(),
			"external_tx_id": externalRef,
		}).Error("transfer settled for a payment that cannot take it")
	}
	return out, settlement, nil
}

// recordUnmatched reports money that moved on transfer externalRef for attempt a
// without being credited to the plan
func (e *PaymentExecutor) recordUnmatched(ctx context.Context, a *domain.PaymentAttempt, externalRef string) error {
	due := a.DueDate
	return enqueue(ctx, e.outbox, domain.Event{
		Type:         domain.EventSettlementUnmatched,
		PlanID:       a.PlanID,
		AttemptID:    &a.ID,
		ExternalTxID: externalRef,
		OwnerID:      a.OwnerID,
		Amount:       a.Amount,
		DueDate:      &due,
		Reason:       "payment is " + a.Status,
		OccurredAt:   e.now(),
	})
}

// advancePlan counts one more installment as paid. A plan closed in the meantime
// keeps its status.
func (e *PaymentExecutor) advancePlan(ctx context.Context, a *domain.PaymentAttempt, now time.Time) (*domain.PaymentPlan, bool, error) {
	plan, err := e.plans.GetForUpdate(ctx, a.PlanID)
	if err != nil {
		return nil, false, customError.WrapDatabaseError(err)
	}

	if plan.IsClosed() {
		e.logger.WithFields(logrus.Fields{
			"attempt_id": a.ID,
			"plan_id":    plan.ID,
			"status":     plan.Status,
		}).Warn("payment completed on a closed plan")
		return plan, false, nil
	}

	if plan.Remaining > 0 {
		plan.Remaining--
	}

	done := plan.Remaining == 0
	if done {
		plan.Status = domain.PlanStatusCompleted
	} else {
		plan.NextDueDate = utils.CalculateDueDate(plan.ScheduleStart, plan.Frequency, plan.PaidInstallments()+1)
		plan.Status = domain.PlanStatusActive
	}
	plan.OverdueDays = 0
	plan.UpdatedAt = now

	if err := e.plans.Update(ctx, plan); err != nil {
		return nil, false, customError.WrapDatabaseError(err)
	}
	return plan, done, nil
}

// Fail records a failed try and books a retry while retries remain. Once they are
// exhausted exactly one final payment.failed event is written. It reports whether
// anything changed.
func (e *PaymentExecutor) Fail(ctx context.Context, id uuid.UUID, reason, externalRef string) (*domain.PaymentAttempt, bool, error) {
	return e.fail(ctx, id, reason, externalRef, false)
}

// Decline applies a provider's report that transfer externalTxID failed. A report
// about a transfer other than the attempt's current one is ignored.
func (e *PaymentExecutor) Decline(ctx context.Context, id uuid.UUID, reason, externalTxID string) (*domain.PaymentAttempt, bool, error) {
	return e.fail(ctx, id, reason, externalTxID, true)
}

func (e *PaymentExecutor) fail(ctx context.Context, id uuid.UUID, reason, externalRef string, currentOnly bool) (*domain.PaymentAttempt, bool, error) {
	var (
		out     *domain.PaymentAttempt
		applied bool
		final   bool
	)

	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := e.lockAttempt(ctx, id)
		if err != nil {
			return err
		}
		out = a

		if !a.CanTransition(domain.PaymentStatusFailed) {
			return nil
		}
		if currentOnly && externalRef != "" && a.ExternalRef != nil && *a.ExternalRef != externalRef {
			return nil
		}

		now := e.now()
		a.Status = domain.PaymentStatusFailed
		a.FailureReason = &reason
		a.NextRetryAt = nil
		a.UpdatedAt = now
		if externalRef != "" {
			a.ExternalRef = &externalRef
		}

		if err := e.retries.MarkFailed(ctx, a.ID, reason); err != nil {
			return err
		}

		final = a.RetryCount >= a.MaxRetries
		if final {
			if err := e.payments.Update(ctx, a); err != nil {
				return customError.WrapDatabaseError(err)
			}
		} else if err := e.retries.ScheduleRetry(ctx, a); err != nil {
			return err
		}

		due := a.DueDate
		if err := enqueue(ctx, e.outbox, domain.Event{
			Type:         domain.EventPaymentFailed,
			PlanID:       a.PlanID,
			AttemptID:    &a.ID,
			ExternalTxID: a.Reference(),
			OwnerID:      a.OwnerID,
			Amount:       a.Amount,
			DueDate:      &due,
			RetryCount:   a.RetryCount,
			NextRetryAt:  a.NextRetryAt,
			Final:        final,
			Reason:       reason,
			OccurredAt:   now,
		}); err != nil {
			return err
		}

		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if applied {
		e.metrics.PaymentOutcome(domain.PaymentStatusFailed)
		log := e.logger.WithFields(logrus.Fields{
			"attempt_id": out.ID,
			"plan_id":    out.PlanID,
			"retry":      out.RetryCount,
			"reason":     reason,
		})
		if final {
			e.metrics.RetriesExhausted()
			log.Warn("payment failed, no retries left")
		} else {
			log.Info("payment failed")
		}
	}
	return out, applied, nil
}

// dropRetry cancels the scheduled retry of a failed attempt
func (e *PaymentExecutor) dropRetry(ctx context.Context, id uuid.UUID, reason string) (*domain.PaymentAttempt, error) {
	var out *domain.PaymentAttempt
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		a, err := e.lockAttempt(ctx, id)
		if err != nil {
			return err
		}
		out = a
		if a.Status != domain.PaymentStatusFailed || a.NextRetryAt == nil {
			return nil
		}

		a.NextRetryAt = nil
		a.UpdatedAt = e.now()
		if err := e.payments.Update(ctx, a); err != nil {
			return customError.WrapDatabaseError(err)
		}
		return e.retries.MarkFailed(ctx, a.ID, reason)
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{"attempt_id": id, "reason": reason}).Info("payment retry dropped")
	return out, nil
}

// Cancel withdraws an attempt that was never sent to the gateway
func (e *PaymentExecutor) Cancel(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	moved, err := e.payments.Transition(ctx, id, domain.PaymentStatusPending, domain.PaymentStatusCancelled, e.now())
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	a, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, customError.WrapInvalidTransition("payment", a.Status, domain.PaymentStatusCancelled)
	}
	e.metrics.PaymentOutcome(domain.PaymentStatusCancelled)
	return a, nil
}

// CheckStatus asks the gateway about a processing attempt and applies the answer.
// An attempt without a gateway reference never got an answer to its last send; once
// that send is older than resendAfter it is repeated under the same provider key, so
// the provider returns the transfer it already holds instead of starting another.
func (e *PaymentExecutor) CheckStatus(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	a, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.PaymentStatusProcessing {
		return a, nil
	}

	if a.ExternalRef == nil {
		if e.now().Sub(submittedAt(a)) < resendAfter {
			return a, nil
		}
		return e.send(ctx, a)
	}

	gctx, cancel := e.withGatewayTimeout(ctx)
	start := time.Now()
	status, err := e.gateway.CheckStatus(gctx, *a.ExternalRef)
	cancel()
	e.metrics.GatewayCall("check_status", err, time.Since(start))

	if errors.Is(err, gateway.ErrUnknownTransfer) {
		updated, _, err := e.Fail(ctx, id, "transfer unknown to gateway", "")
		return updated, err
	}
	if err != nil {
		return nil, customError.WrapGatewayError(err)
	}

	switch status.Status {
	case gateway.StatusCompleted:
		updated, _, err := e.Complete(ctx, id, status.ExternalTxID)
		return updated, err
	case gateway.StatusFailed:
		reason := status.Reason
		if reason == "" {
			reason = "reported failed by gateway"
		}
		updated, _, err := e.Fail(ctx, id, reason, "")
		return updated, err
	}
	return a, nil
}

// stuck reports whether a processing attempt has waited long enough to be looked into
func (e *PaymentExecutor) stuck(a *domain.PaymentAttempt, now time.Time) bool {
	wait := e.processingTimeout
	if a.ExternalRef == nil {
		wait = resendAfter
	}
	return now.Sub(submittedAt(a)) >= wait
}

func submittedAt(a *domain.PaymentAttempt) time.Time {
	if a.SubmittedAt != nil {
		return *a.SubmittedAt
	}
	return a.CreatedAt
}

func (e *PaymentExecutor) load(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	a, err := e.payments.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, customError.WrapPaymentNotFound(id.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return a, nil
}

func (e *PaymentExecutor) lockAttempt(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	a, err := e.payments.GetForUpdate(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, customError.WrapPaymentNotFound(id.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return a, nil
}
