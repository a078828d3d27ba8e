package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
	"github.com/segyhp/settlement-engine/pkg/utils"
)

// ScanResult counts what one overdue scan changed
type ScanResult struct {
	Overdue   int `json:"overdue"`
	Escalated int `json:"escalated"`
	Defaulted int `json:"defaulted"`
}

// OverdueMonitor flags plans whose oldest unpaid installment is past its grace period
type OverdueMonitor struct {
	tx       repository.TxManager
	plans    repository.PlanRepository
	payments repository.PaymentRepository
	outbox   repository.OutboxRepository

	escalationDays   int
	defaultAfterDays int
	batchSize        int
	location         *time.Location

	logger  logrus.FieldLogger
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewOverdueMonitor(repos *repository.Repositories, cfg *config.Config, logger logrus.FieldLogger, rec *metrics.Recorder) *OverdueMonitor {
	return &OverdueMonitor{
		tx:               repos.Tx,
		plans:            repos.Plans,
		payments:         repos.Payments,
		outbox:           repos.Outbox,
		escalationDays:   cfg.Business.EscalationDays,
		defaultAfterDays: cfg.Business.DefaultAfterDays,
		batchSize:        cfg.Scheduler.BatchSize,
		location:         cfg.GetSchedulerLocation(),
		logger:           logger,
		metrics:          rec,
		now:              time.Now,
	}
}

// Scan updates the overdue state of every plan with a missed installment.
// Running it twice on the same day changes nothing the second time.
func (m *OverdueMonitor) Scan(ctx context.Context) (*ScanResult, error) {
	today := calendarDay(m.now(), m.location)

	missed, err := m.missedDueDates(ctx, today)
	if err != nil {
		return nil, err
	}

	result := &ScanResult{}
	var errs []error
	pastGrace := 0

	for _, c := range missed {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		days := utils.DaysBetween(c.DueDate, today)
		err := m.tx.RunInTx(ctx, func(ctx context.Context) error {
			plan, err := m.plans.GetForUpdate(ctx, c.PlanID)
			if err != nil {
				return customError.WrapDatabaseError(err)
			}
			if plan.IsClosed() || !utils.IsDateOverdue(c.DueDate, plan.GracePeriodDays, today) {
				return nil
			}
			pastGrace++
			return m.apply(ctx, plan, c.DueDate, days, result)
		})
		if err != nil {
			m.logger.WithError(err).WithField("plan_id", c.PlanID).Error("overdue update failed")
			errs = append(errs, err)
		}
	}

	m.metrics.OverduePlans(pastGrace)
	if result.Overdue+result.Defaulted > 0 {
		m.logger.WithFields(logrus.Fields{
			"overdue":   result.Overdue,
			"escalated": result.Escalated,
			"defaulted": result.Defaulted,
		}).Info("overdue scan finished")
	}
	return result, errors.Join(errs...)
}

func (m *OverdueMonitor) apply(ctx context.Context, plan *domain.PaymentPlan, due time.Time, days int, result *ScanResult) error {
	now := m.now()
	base := domain.Event{
		PlanID:      plan.ID,
		OwnerID:     plan.OwnerID,
		Amount:      plan.InstallmentAmount,
		DaysOverdue: days,
		DueDate:     &due,
		OccurredAt:  now,
	}

	if m.defaultAfterDays > 0 && days >= m.defaultAfterDays && plan.CanTransition(domain.PlanStatusDefaulted) {
		plan.Status = domain.PlanStatusDefaulted
		plan.OverdueDays = days
		plan.UpdatedAt = now
		if err := m.plans.Update(ctx, plan); err != nil {
			return customError.WrapDatabaseError(err)
		}

		ev := base
		ev.Type = domain.EventPlanDefaulted
		outstanding := plan.OutstandingBalance()
		ev.Outstanding = &outstanding
		if err := enqueue(ctx, m.outbox, ev); err != nil {
			return err
		}
		result.Defaulted++
		return nil
	}

	if plan.Status == domain.PlanStatusOverdue && plan.OverdueDays == days {
		return nil
	}

	previous := plan.OverdueDays
	plan.Status = domain.PlanStatusOverdue
	plan.OverdueDays = days
	plan.UpdatedAt = now
	if err := m.plans.Update(ctx, plan); err != nil {
		return customError.WrapDatabaseError(err)
	}

	ev := base
	ev.Type = domain.EventPaymentOverdue
	if err := enqueue(ctx, m.outbox, ev); err != nil {
		return err
	}
	result.Overdue++

	if days > m.escalationDays && previous <= m.escalationDays {
		ev := base
		ev.Type = domain.EventPaymentEscalated
		if err := enqueue(ctx, m.outbox, ev); err != nil {
			return err
		}
		result.Escalated++
	}
	return nil
}

// missedDueDates returns, per plan, the oldest due date before today with no completed payment.
// Installments are paid in order, so an open plan's next due date in the past counts too.
func (m *OverdueMonitor) missedDueDates(ctx context.Context, today time.Time) ([]*domain.OverdueCandidate, error) {
	oldest := make(map[uuid.UUID]time.Time)
	merge := func(planID uuid.UUID, due time.Time) {
		if seen, ok := oldest[planID]; !ok || due.Before(seen) {
			oldest[planID] = due
		}
	}

	err := forEachPage(ctx, m.batchSize,
		func(after repository.Cursor) ([]*domain.OverdueCandidate, error) {
			candidates, err := m.payments.ListOverdueCandidates(ctx, today, after, m.batchSize)
			if err != nil {
				return nil, customError.WrapDatabaseError(err)
			}
			return candidates, nil
		},
		candidateCursor,
		func(candidates []*domain.OverdueCandidate) error {
			for _, c := range candidates {
				merge(c.PlanID, c.DueDate)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = forEachPage(ctx, m.batchSize,
		func(after repository.Cursor) ([]*domain.PaymentPlan, error) {
			plans, err := m.plans.ListDue(ctx, today.AddDate(0, 0, -1), after, m.batchSize)
			if err != nil {
				return nil, customError.WrapDatabaseError(err)
			}
			return plans, nil
		},
		planCursor,
		func(plans []*domain.PaymentPlan) error {
			for _, p := range plans {
				merge(p.ID, p.NextDueDate)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	result := make([]*domain.OverdueCandidate, 0, len(oldest))
	for planID, due := range oldest {
		result = append(result, &domain.OverdueCandidate{PlanID: planID, DueDate: due})
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].PlanID.String() < result[j].PlanID.String()
	})
	return result, nil
}

// calendarDay is the date of t in loc, as midnight UTC
func calendarDay(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
