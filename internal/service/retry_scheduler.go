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
	"github.com/segyhp/settlement-engine/pkg/utils"
)

// Resubmitter sends a failed attempt to the gateway again
type Resubmitter interface {
	Resubmit(ctx context.Context, attempt *domain.PaymentAttempt) (*domain.PaymentAttempt, error)
}

// RetryScheduler decides when failed attempts are tried again and keeps their retry history
type RetryScheduler struct {
	payments repository.PaymentRepository
	retries  repository.RetryRepository

	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration

	logger  logrus.FieldLogger
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewRetryScheduler(
	repos *repository.Repositories,
	cfg config.BusinessConfig,
	logger logrus.FieldLogger,
	rec *metrics.Recorder,
) *RetryScheduler {
	return &RetryScheduler{
		payments:     repos.Payments,
		retries:      repos.Retries,
		initialDelay: cfg.RetryInitialDelay,
		multiplier:   cfg.RetryBackoffMultiplier,
		maxDelay:     cfg.RetryMaxDelay,
		logger:       logger,
		metrics:      rec,
		now:          time.Now,
	}
}

// Backoff is the delay before retry n+1, where n retries were already scheduled
func (s *RetryScheduler) Backoff(n int) time.Duration {
	return utils.ExponentialBackoff(s.initialDelay, s.multiplier, s.maxDelay, n)
}

// ScheduleRetry books the next retry of attempt. It must run in the caller's transaction.
// attempt is updated in place.
func (s *RetryScheduler) ScheduleRetry(ctx context.Context, attempt *domain.PaymentAttempt) error {
	if attempt.RetryCount >= attempt.MaxRetries {
		return customError.WrapMaxRetriesExceeded(attempt.ID.String(), attempt.MaxRetries)
	}

	now := s.now()
	next := now.Add(s.Backoff(attempt.RetryCount))

	attempt.RetryCount++
	attempt.NextRetryAt = &next
	attempt.UpdatedAt = now
	if err := s.payments.Update(ctx, attempt); err != nil {
		return customError.WrapDatabaseError(err)
	}

	record := &domain.RetryRecord{
		ID:            uuid.New(),
		AttemptID:     attempt.ID,
		AttemptNumber: attempt.RetryCount,
		Status:        domain.RetryStatusPending,
		ScheduledFor:  next,
		CreatedAt:     now,
	}
	if err := s.retries.Create(ctx, record); err != nil {
		return customError.WrapDatabaseError(err)
	}

	s.metrics.RetryScheduled()
	s.logger.WithFields(logrus.Fields{
		"attempt_id":  attempt.ID,
		"retry":       attempt.RetryCount,
		"max_retries": attempt.MaxRetries,
		"retry_at":    next,
	}).Info("payment retry scheduled")
	return nil
}

// DueForRetry returns failed attempts whose retry time has come, oldest first
func (s *RetryScheduler) DueForRetry(ctx context.Context, limit int) ([]*domain.PaymentAttempt, error) {
	attempts, err := s.payments.ListDueForRetry(ctx, s.now(), limit)
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}
	return attempts, nil
}

// MarkProcessing flags the open retry of an attempt as started. It must run in the
// transaction that moves the attempt to processing.
func (s *RetryScheduler) MarkProcessing(ctx context.Context, attemptID uuid.UUID) error {
	return s.closeOpen(ctx, attemptID, func(r *domain.RetryRecord, now time.Time) {
		r.Status = domain.RetryStatusProcessing
		r.StartedAt = &now
	})
}

// MarkCompleted closes the open retry of an attempt as successful
func (s *RetryScheduler) MarkCompleted(ctx context.Context, attemptID uuid.UUID) error {
	return s.closeOpen(ctx, attemptID, func(r *domain.RetryRecord, now time.Time) {
		r.Status = domain.RetryStatusCompleted
		r.FinishedAt = &now
	})
}

// MarkFailed closes the open retry of an attempt with reason
func (s *RetryScheduler) MarkFailed(ctx context.Context, attemptID uuid.UUID, reason string) error {
	return s.closeOpen(ctx, attemptID, func(r *domain.RetryRecord, now time.Time) {
		r.Status = domain.RetryStatusFailed
		r.FinishedAt = &now
		r.FailureReason = &reason
	})
}

// closeOpen applies change to the latest open retry record. Attempts without one are left alone.
func (s *RetryScheduler) closeOpen(ctx context.Context, attemptID uuid.UUID, change func(*domain.RetryRecord, time.Time)) error {
	record, err := s.retries.GetLatestOpen(ctx, attemptID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return customError.WrapDatabaseError(err)
	}

	change(record, s.now())
	if err := s.retries.Update(ctx, record); err != nil {
		return customError.WrapDatabaseError(err)
	}
	return nil
}

// ProcessDue resubmits every attempt whose retry is due and reports how many were
// handed to the resubmitter without error
func (s *RetryScheduler) ProcessDue(ctx context.Context, exec Resubmitter, limit int) (int, error) {
	due, err := s.DueForRetry(ctx, limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, attempt := range due {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		updated, err := exec.Resubmit(ctx, attempt)
		if err != nil {
			s.logger.WithError(err).WithField("attempt_id", attempt.ID).Error("retry resubmission failed")
			continue
		}
		sent++

		s.logger.WithFields(logrus.Fields{
			"attempt_id": attempt.ID,
			"retry":      attempt.RetryCount,
			"status":     updated.Status,
		}).Info("payment retried")
	}
	return sent, nil
}
