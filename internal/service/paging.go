package service

import (
	"context"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

// forEachPage walks a keyset-ordered listing page by page until a short page comes
// back. Rows that stay eligible after visit never hold back the rows behind them.
func forEachPage[T any](
	ctx context.Context,
	limit int,
	fetch func(after repository.Cursor) ([]T, error),
	cursor func(T) repository.Cursor,
	visit func(page []T) error,
) error {
	var after repository.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := fetch(after)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := visit(page); err != nil {
			return err
		}
		if limit <= 0 || len(page) < limit {
			return nil
		}
		after = cursor(page[len(page)-1])
	}
}

func planCursor(p *domain.PaymentPlan) repository.Cursor {
	return repository.Cursor{At: p.NextDueDate, ID: p.ID}
}

func staleCursor(a *domain.PaymentAttempt) repository.Cursor {
	return repository.Cursor{At: submittedAt(a), ID: a.ID}
}

func candidateCursor(c *domain.OverdueCandidate) repository.Cursor {
	return repository.Cursor{At: c.DueDate, ID: c.PlanID}
}
