package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/events"
	"github.com/segyhp/settlement-engine/internal/idempotency"
	"github.com/segyhp/settlement-engine/internal/repository"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

// A send with no answer after this long is repeated. Pending attempts this old were
// orphaned by a crash before their first send.
const resendAfter = 15 * time.Minute

// CycleReport summarizes one settlement cycle
type CycleReport struct {
	Submitted int         `json:"submitted"`
	Retried   int         `json:"retried"`
	Overdue   *ScanResult `json:"overdue,omitempty"`
}

// Orchestrator drives the periodic settlement work. Every step can be re-run
// safely after a crash or alongside a concurrent run.
type Orchestrator struct {
	tx       repository.TxManager
	plans    repository.PlanRepository
	payments repository.PaymentRepository
	outbox   repository.OutboxRepository

	executor *PaymentExecutor
	retries  *RetryScheduler
	overdue  *OverdueMonitor
	guard    *idempotency.Guard
	relay    *events.Relay

	batchSize         int
	workers           int
	reminderDays      int
	processingTimeout time.Duration
	location          *time.Location

	logger logrus.FieldLogger
	now    func() time.Time
}

func NewOrchestrator(
	repos *repository.Repositories,
	executor *PaymentExecutor,
	retries *RetryScheduler,
	overdue *OverdueMonitor,
	guard *idempotency.Guard,
	relay *events.Relay,
	cfg *config.Config,
	logger logrus.FieldLogger,
) *Orchestrator {
	workers := cfg.Scheduler.Workers
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		tx:                repos.Tx,
		plans:             repos.Plans,
		payments:          repos.Payments,
		outbox:            repos.Outbox,
		executor:          executor,
		retries:           retries,
		overdue:           overdue,
		guard:             guard,
		relay:             relay,
		batchSize:         cfg.Scheduler.BatchSize,
		workers:           workers,
		reminderDays:      cfg.Business.ReminderDays,
		processingTimeout: cfg.Scheduler.ProcessingTimeout,
		location:          cfg.GetSchedulerLocation(),
		logger:            logger,
		now:               time.Now,
	}
}

// RunCycle generates due payments, runs due retries and scans for overdue plans.
// A failing step does not stop the ones after it.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{}
	var errs []error

	submitted, err := o.GenerateDuePayments(ctx)
	report.Submitted = submitted
	if err != nil {
		errs = append(errs, fmt.Errorf("generate due payments: %w", err))
	}

	retried, err := o.ProcessRetries(ctx)
	report.Retried = retried
	if err != nil {
		errs = append(errs, fmt.Errorf("process retries: %w", err))
	}

	scan, err := o.overdue.Scan(ctx)
	report.Overdue = scan
	if err != nil {
		errs = append(errs, fmt.Errorf("overdue scan: %w", err))
	}

	o.logger.WithFields(logrus.Fields{
		"submitted": report.Submitted,
		"retried":   report.Retried,
	}).Info("settlement cycle finished")
	return report, errors.Join(errs...)
}

// GenerateDuePayments submits the installment of every plan due today or earlier
// and reports how many were sent to the gateway
func (o *Orchestrator) GenerateDuePayments(ctx context.Context) (int, error) {
	today := calendarDay(o.now(), o.location)

	var submitted atomic.Int64
	seen := make(map[uuid.UUID]bool)

	err := forEachPage(ctx, o.batchSize,
		func(after repository.Cursor) ([]*domain.PaymentPlan, error) {
			plans, err := o.plans.ListDue(ctx, today, after, o.batchSize)
			if err != nil {
				return nil, customError.WrapDatabaseError(err)
			}
			return plans, nil
		},
		planCursor,
		func(plans []*domain.PaymentPlan) error {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(o.workers)

			for _, plan := range plans {
				// A plan paid earlier in this run comes round again with its next installment
				if seen[plan.ID] {
					continue
				}
				seen[plan.ID] = true

				g.Go(func() error {
					attempt, sent, err := o.executor.SubmitScheduled(gctx, plan)
					if err != nil {
						o.logger.WithError(err).WithField("plan_id", plan.ID).Error("scheduled payment failed")
						return nil
					}
					if sent {
						submitted.Add(1)
						o.logger.WithFields(logrus.Fields{
							"plan_id":    plan.ID,
							"attempt_id": attempt.ID,
							"due_date":   plan.NextDueDate.Format("2006-01-02"),
							"status":     attempt.Status,
						}).Info("scheduled payment submitted")
					}
					return nil
				})
			}
			return g.Wait()
		})

	return int(submitted.Load()), err
}

// ProcessRetries resubmits failed attempts whose retry is due
func (o *Orchestrator) ProcessRetries(ctx context.Context) (int, error) {
	return o.retries.ProcessDue(ctx, o.executor, o.batchSize)
}

// ScanOverdue runs the overdue monitor
func (o *Orchestrator) ScanOverdue(ctx context.Context) (*ScanResult, error) {
	return o.overdue.Scan(ctx)
}

// PollStuck asks the gateway about attempts processing longer than the timeout,
// repeats sends that got no answer and resends pending attempts an interrupted
// request left behind. It returns how many attempts were looked at.
func (o *Orchestrator) PollStuck(ctx context.Context) (int, error) {
	now := o.now()
	var polled atomic.Int64

	err := o.eachStale(ctx, domain.PaymentStatusProcessing, now.Add(-min(resendAfter, o.processingTimeout)),
		func(ctx context.Context, a *domain.PaymentAttempt) {
			if !o.executor.stuck(a, now) {
				return
			}
			polled.Add(1)

			updated, err := o.executor.CheckStatus(ctx, a.ID)
			if err != nil {
				o.logger.WithError(err).WithField("attempt_id", a.ID).Warn("status poll failed")
				return
			}
			if updated.Status != domain.PaymentStatusProcessing {
				o.logger.WithFields(logrus.Fields{
					"attempt_id": a.ID,
					"status":     updated.Status,
				}).Info("stuck payment resolved")
			}
		})
	if err != nil {
		return int(polled.Load()), err
	}

	err = o.eachStale(ctx, domain.PaymentStatusPending, now.Add(-resendAfter),
		func(ctx context.Context, a *domain.PaymentAttempt) {
			polled.Add(1)
			if _, err := o.executor.ResumePending(ctx, a); err != nil {
				o.logger.WithError(err).WithField("attempt_id", a.ID).Warn("could not resume pending payment")
			}
		})
	return int(polled.Load()), err
}

// eachStale runs fn on every attempt sitting in status since before the cutoff,
// one page at a time with the worker pool
func (o *Orchestrator) eachStale(ctx context.Context, status string, before time.Time, fn func(context.Context, *domain.PaymentAttempt)) error {
	return forEachPage(ctx, o.batchSize,
		func(after repository.Cursor) ([]*domain.PaymentAttempt, error) {
			attempts, err := o.payments.ListStale(ctx, status, before, after, o.batchSize)
			if err != nil {
				return nil, customError.WrapDatabaseError(err)
			}
			return attempts, nil
		},
		staleCursor,
		func(attempts []*domain.PaymentAttempt) error {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(o.workers)
			for _, a := range attempts {
				g.Go(func() error {
					fn(gctx, a)
					return nil
				})
			}
			return g.Wait()
		})
}

// SendReminders emits payment.reminder for plans due in exactly reminderDays.
// Each (plan, due date) is reminded once.
func (o *Orchestrator) SendReminders(ctx context.Context) (int, error) {
	if o.reminderDays <= 0 {
		return 0, nil
	}

	target := calendarDay(o.now(), o.location).AddDate(0, 0, o.reminderDays)

	sent := 0
	err := forEachPage(ctx, o.batchSize,
		func(after repository.Cursor) ([]*domain.PaymentPlan, error) {
			plans, err := o.plans.ListDueBetween(ctx, target, target, after, o.batchSize)
			if err != nil {
				return nil, customError.WrapDatabaseError(err)
			}
			return plans, nil
		},
		planCursor,
		func(plans []*domain.PaymentPlan) error {
			for _, plan := range plans {
				reminded, err := o.remind(ctx, plan)
				if err != nil {
					return err
				}
				if reminded {
					sent++
				}
			}
			return nil
		})
	if err != nil {
		return sent, err
	}

	if sent > 0 {
		o.logger.WithField("reminders", sent).Info("payment reminders queued")
	}
	return sent, nil
}

// remind queues the reminder for the plan's next due date unless it was already sent
func (o *Orchestrator) remind(ctx context.Context, plan *domain.PaymentPlan) (bool, error) {
	key := fmt.Sprintf("reminder-%s-%s", plan.ID, plan.NextDueDate.Format("20060102"))
	if _, found, err := o.guard.Check(ctx, key); err != nil || found {
		return false, err
	}

	due := plan.NextDueDate
	ev := domain.Event{
		Type:       domain.EventPaymentReminder,
		PlanID:     plan.ID,
		OwnerID:    plan.OwnerID,
		Amount:     plan.InstallmentAmount,
		DueDate:    &due,
		OccurredAt: o.now(),
	}
	if err := o.tx.RunInTx(ctx, func(ctx context.Context) error {
		return enqueue(ctx, o.outbox, ev)
	}); err != nil {
		return false, err
	}
	if _, err := o.guard.Store(ctx, key, uuid.Nil, ev); err != nil {
		o.logger.WithError(err).WithField("plan_id", plan.ID).Warn("could not record reminder")
	}
	return true, nil
}

// PurgeIdempotency deletes expired idempotency records
func (o *Orchestrator) PurgeIdempotency(ctx context.Context) (int64, error) {
	return o.guard.PurgeExpired(ctx)
}

// RelayOutbox publishes one batch of pending events
func (o *Orchestrator) RelayOutbox(ctx context.Context) (int, error) {
	if o.relay == nil {
		return 0, nil
	}
	return o.relay.RelayOnce(ctx)
}
