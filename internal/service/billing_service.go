package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

// BillingService owns payment plans: creation, queries and cancellation
type BillingService struct {
	Tx          repository.TxManager
	PlanRepo    repository.PlanRepository
	PaymentRepo repository.PaymentRepository
	outbox      repository.OutboxRepository
	calculator  *ScheduleCalculator
	executor    *PaymentExecutor
	config      *config.Config
	logger      logrus.FieldLogger
	metrics     *metrics.Recorder
	now         func() time.Time
}

func NewBillingService(
	repos *repository.Repositories,
	calculator *ScheduleCalculator,
	executor *PaymentExecutor,
	config *config.Config,
	logger logrus.FieldLogger,
	rec *metrics.Recorder,
) *BillingService {
	return &BillingService{
		Tx:          repos.Tx,
		PlanRepo:    repos.Plans,
		PaymentRepo: repos.Payments,
		outbox:      repos.Outbox,
		calculator:  calculator,
		executor:    executor,
		config:      config,
		logger:      logger,
		metrics:     rec,
		now:         time.Now,
	}
}

// CreatePlan computes the installment schedule and stores the plan
func (s *BillingService) CreatePlan(ctx context.Context, request *domain.CreatePlanRequest) (*domain.CreatePlanResponse, error) {
	now := s.now()

	plan, schedule, err := s.calculator.Calculate(domain.ScheduleRequest{
		Price:           request.Price,
		Deposit:         request.Deposit,
		TermMonths:      request.TermMonths,
		Frequency:       request.Frequency,
		GracePeriodDays: request.GracePeriodDays,
		Start:           calendarDay(now, s.config.GetSchedulerLocation()),
	})
	if err != nil {
		return nil, err
	}

	plan.ID = uuid.New()
	plan.OwnerID = request.OwnerID
	plan.VehicleID = request.VehicleID
	plan.CreatedAt = now
	plan.UpdatedAt = now

	err = s.Tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.PlanRepo.Create(ctx, plan); err != nil {
			return customError.WrapDatabaseError(err)
		}
		outstanding := plan.OutstandingBalance()
		due := plan.NextDueDate
		return enqueue(ctx, s.outbox, domain.Event{
			Type:        domain.EventPlanCreated,
			PlanID:      plan.ID,
			OwnerID:     plan.OwnerID,
			Amount:      plan.InstallmentAmount,
			DueDate:     &due,
			Outstanding: &outstanding,
			OccurredAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.PlanCreated()
	s.logger.WithFields(logrus.Fields{
		"plan_id":      plan.ID,
		"owner_id":     plan.OwnerID,
		"installments": plan.TotalInstallments,
		"installment":  plan.InstallmentAmount.String(),
	}).Info("payment plan created")

	return &domain.CreatePlanResponse{Plan: plan, Schedule: schedule}, nil
}

// GetPlan returns a plan by ID
func (s *BillingService) GetPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error) {
	plan, err := s.PlanRepo.GetByID(ctx, planID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, customError.WrapPlanNotFound(planID.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return plan, nil
}

// GetSchedule returns every installment of a plan with its paid flag
func (s *BillingService) GetSchedule(ctx context.Context, planID uuid.UUID) (*domain.ScheduleResponse, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	return &domain.ScheduleResponse{
		PlanID:   plan.ID.String(),
		Schedule: s.calculator.Entries(plan),
	}, nil
}

// GetBalance reports what was paid and what is still owed on a plan.
// Total paid counts the deposit; the outstanding balance covers installments only.
func (s *BillingService) GetBalance(ctx context.Context, planID uuid.UUID) (*domain.BalanceResponse, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	paid, err := s.PaymentRepo.SumCompleted(ctx, plan.ID)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	balance := &domain.BalanceResponse{
		PlanID:                plan.ID.String(),
		TotalPaid:             paid,
		OutstandingBalance:    plan.OutstandingBalance(),
		RemainingInstallments: plan.Remaining,
		Status:                plan.Status,
		OverdueDays:           plan.OverdueDays,
	}
	if !plan.IsClosed() && plan.Remaining > 0 {
		due := plan.NextDueDate
		balance.NextDueDate = &due
	}
	return balance, nil
}

// ListPayments returns the attempts of a plan, oldest first
func (s *BillingService) ListPayments(ctx context.Context, planID uuid.UUID) ([]*domain.PaymentAttempt, error) {
	if _, err := s.GetPlan(ctx, planID); err != nil {
		return nil, err
	}
	attempts, err := s.PaymentRepo.ListByPlan(ctx, planID)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return attempts, nil
}

// GetPayment returns one attempt
func (s *BillingService) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.PaymentAttempt, error) {
	attempt, err := s.PaymentRepo.GetByID(ctx, paymentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, customError.WrapPaymentNotFound(paymentID.String())
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return attempt, nil
}

// CancelPlan closes a plan. Attempts not yet sent are cancelled and scheduled
// retries are dropped; attempts already at the gateway settle normally.
func (s *BillingService) CancelPlan(ctx context.Context, planID uuid.UUID) (*domain.PaymentPlan, error) {
	var plan *domain.PaymentPlan

	err := s.Tx.RunInTx(ctx, func(ctx context.Context) error {
		p, err := s.PlanRepo.GetForUpdate(ctx, planID)
		if errors.Is(err, repository.ErrNotFound) {
			return customError.WrapPlanNotFound(planID.String())
		}
		if err != nil {
			return customError.WrapDatabaseError(err)
		}
		if !p.CanTransition(domain.PlanStatusCancelled) {
			return customError.WrapInvalidTransition("payment plan", p.Status, domain.PlanStatusCancelled)
		}

		now := s.now()
		p.Status = domain.PlanStatusCancelled
		p.UpdatedAt = now
		if err := s.PlanRepo.Update(ctx, p); err != nil {
			return customError.WrapDatabaseError(err)
		}

		attempts, err := s.PaymentRepo.ListByPlan(ctx, planID)
		if err != nil {
			return customError.WrapDatabaseError(err)
		}
		for _, a := range attempts {
			switch {
			case a.Status == domain.PaymentStatusPending:
				if _, err := s.executor.Cancel(ctx, a.ID); err != nil {
					return err
				}
			case a.Status == domain.PaymentStatusFailed && a.NextRetryAt != nil:
				if _, err := s.executor.dropRetry(ctx, a.ID, "payment plan cancelled"); err != nil {
					return err
				}
			}
		}

		outstanding := p.OutstandingBalance()
		plan = p
		return enqueue(ctx, s.outbox, domain.Event{
			Type:        domain.EventPlanCancelled,
			PlanID:      p.ID,
			OwnerID:     p.OwnerID,
			Amount:      p.InstallmentAmount,
			Outstanding: &outstanding,
			OccurredAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithField("plan_id", plan.ID).Info("payment plan cancelled")
	return plan, nil
}
