package service

import (
	"context"
	"fmt"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

// enqueue writes ev to the outbox. Call it inside the transaction that made the change.
func enqueue(ctx context.Context, outbox repository.OutboxRepository, ev domain.Event) error {
	row, err := domain.NewOutboxEvent(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	if err := outbox.Enqueue(ctx, row); err != nil {
		return customError.WrapDatabaseError(err)
	}
	return nil
}
