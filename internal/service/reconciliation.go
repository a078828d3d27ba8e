package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/config"
	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/gateway"
	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

// ReconciliationListener matches gateway callbacks to payment attempts.
// Callbacks arrive at least once and in any order, so applying one is idempotent.
type ReconciliationListener struct {
	callbacks     repository.CallbackRepository
	payments      repository.PaymentRepository
	executor      *PaymentExecutor
	signer        *gateway.Signer
	allowUnsigned bool

	logger  logrus.FieldLogger
	metrics *metrics.Recorder
	now     func() time.Time
}

func NewReconciliationListener(
	repos *repository.Repositories,
	executor *PaymentExecutor,
	signer *gateway.Signer,
	cfg *config.Config,
	logger logrus.FieldLogger,
	rec *metrics.Recorder,
) *ReconciliationListener {
	return &ReconciliationListener{
		callbacks:     repos.Callbacks,
		payments:      repos.Payments,
		executor:      executor,
		signer:        signer,
		allowUnsigned: cfg.Callback.AllowUnsigned && !cfg.IsProduction(),
		logger:        logger,
		metrics:       rec,
		now:           time.Now,
	}
}

// HandleCallback stores the callback, authenticates it and applies it to its attempt.
// raw is the body as received; when empty the decoded callback is stored instead.
func (l *ReconciliationListener) HandleCallback(ctx context.Context, cb *domain.GatewayCallback, raw []byte) (*domain.CallbackAck, error) {
	if len(raw) == 0 {
		encoded, err := json.Marshal(cb)
		if err != nil {
			return nil, fmt.Errorf("encode callback: %w", err)
		}
		raw = encoded
	}

	signed := cb.Signature != "" && l.signer.Enabled()
	valid := signed && l.signer.Verify(cb)

	record := &domain.CallbackRecord{
		ID:             uuid.New(),
		Provider:       cb.Provider,
		ExternalTxID:   cb.ExternalTxID,
		Reference:      cb.Reference,
		ReportedStatus: cb.Status,
		Amount:         cb.Amount,
		Payload:        raw,
		SignatureValid: valid,
		Outcome:        domain.CallbackOutcomeReceived,
		ReceivedAt:     l.now(),
	}
	if err := l.callbacks.Create(ctx, record); err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	log := l.logger.WithFields(logrus.Fields{
		"callback_id":    record.ID,
		"provider":       cb.Provider,
		"external_tx_id": cb.ExternalTxID,
		"reference":      cb.Reference,
		"status":         cb.Status,
	})

	if !valid && (signed || !l.allowUnsigned) {
		reason := "missing callback signature"
		if signed {
			reason = "invalid callback signature"
		}
		l.finish(ctx, record, domain.CallbackOutcomeRejected, reason)
		log.Warn(reason)
		return nil, customError.WrapInvalidSignature(reason)
	}

	attempt, err := l.resolve(ctx, cb)
	if err != nil {
		l.finish(ctx, record, domain.CallbackOutcomeFailed, err.Error())
		log.WithError(err).Warn("callback could not be matched")
		return nil, err
	}

	var outcome string
	switch cb.Status {
	case domain.CallbackStatusSuccess:
		var settlement Settlement
		_, settlement, err = l.executor.Settle(ctx, attempt.ID, cb.ExternalTxID)
		outcome = settlementOutcome(settlement)
	case domain.CallbackStatusFailed:
		reason := cb.Reason
		if reason == "" {
			reason = "reported failed by provider"
		}
		var applied bool
		_, applied, err = l.executor.Decline(ctx, attempt.ID, reason, cb.ExternalTxID)
		outcome = domain.CallbackOutcomeProcessed
		if !applied {
			outcome = domain.CallbackOutcomeIgnored
		}
	default:
		err = customError.WrapInvalidCallback(fmt.Sprintf("unknown callback status %q", cb.Status))
	}
	if err != nil {
		l.finish(ctx, record, domain.CallbackOutcomeFailed, err.Error())
		log.WithError(err).Error("callback could not be applied")
		return nil, err
	}

	l.finish(ctx, record, outcome, "")
	log.WithField("outcome", outcome).Info("callback handled")

	return &domain.CallbackAck{Acknowledged: true, Outcome: outcome}, nil
}

// resolve finds the attempt a callback refers to and checks the amount it reports.
// A transfer id the attempt does not carry is left to the executor to place.
func (l *ReconciliationListener) resolve(ctx context.Context, cb *domain.GatewayCallback) (*domain.PaymentAttempt, error) {
	id, err := uuid.Parse(cb.Reference)
	if err != nil {
		return nil, customError.WrapCallbackNotFound(cb.Reference)
	}

	attempt, err := l.payments.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, customError.WrapCallbackNotFound(cb.Reference)
	}
	if err != nil {
		return nil, customError.WrapDatabaseError(err)
	}

	if !cb.Amount.Equal(attempt.Amount) {
		return nil, customError.WrapInvalidCallback(fmt.Sprintf(
			"callback amount %s does not match payment amount %s", cb.Amount, attempt.Amount))
	}
	return attempt, nil
}

func settlementOutcome(s Settlement) string {
	switch s {
	case SettlementApplied:
		return domain.CallbackOutcomeProcessed
	case SettlementUnmatched:
		return domain.CallbackOutcomeUnmatched
	default:
		return domain.CallbackOutcomeIgnored
	}
}

func (l *ReconciliationListener) finish(ctx context.Context, record *domain.CallbackRecord, outcome, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}

	if err := l.callbacks.SetOutcome(context.WithoutCancel(ctx), record.ID, outcome, msg, l.now()); err != nil {
		l.logger.WithError(err).WithField("callback_id", record.ID).Error("could not record callback outcome")
	}
	record.Outcome = outcome
	record.Error = msg
	l.metrics.CallbackHandled(record.Provider, outcome)
}
