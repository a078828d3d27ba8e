package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/metrics"
	"github.com/segyhp/settlement-engine/internal/repository"
)

// Relay moves pending outbox rows to the publisher. Delivery is at least once:
// a failed publish is retried later with backoff.
type Relay struct {
	tx        repository.TxManager
	outbox    repository.OutboxRepository
	publisher Publisher
	backoff   func(attempt int) time.Duration
	batchSize int
	logger    logrus.FieldLogger
	metrics   *metrics.Recorder
	now       func() time.Time
}

func NewRelay(
	tx repository.TxManager,
	outbox repository.OutboxRepository,
	publisher Publisher,
	backoff func(attempt int) time.Duration,
	batchSize int,
	logger logrus.FieldLogger,
	rec *metrics.Recorder,
) *Relay {
	return &Relay{
		tx:        tx,
		outbox:    outbox,
		publisher: publisher,
		backoff:   backoff,
		batchSize: batchSize,
		logger:    logger,
		metrics:   rec,
		now:       time.Now,
	}
}

// RelayOnce delivers one batch and reports how many events were published
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	published := 0

	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		now := r.now()
		events, err := r.outbox.FetchPending(ctx, now, r.batchSize)
		if err != nil {
			return err
		}

		for _, ev := range events {
			pubErr := r.publisher.Publish(ctx, ev)
			r.metrics.OutboxDelivery(pubErr)

			if pubErr != nil {
				next := now.Add(r.backoff(ev.Attempts))
				r.logger.WithError(pubErr).WithFields(logrus.Fields{
					"event_id":   ev.ID,
					"event_type": ev.EventType,
					"attempts":   ev.Attempts + 1,
					"next_try":   next,
				}).Warn("outbox delivery failed")

				if err := r.outbox.MarkFailed(ctx, ev.ID, next, pubErr.Error()); err != nil {
					return err
				}
				continue
			}

			if err := r.outbox.MarkPublished(ctx, ev.ID, now); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if published > 0 {
		r.logger.WithField("published", published).Debug("outbox batch relayed")
	}
	return published, nil
}
