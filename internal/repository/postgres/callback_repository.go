package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

const callbackColumns = `id, provider, external_tx_id, reference, reported_status, amount, payload,
		signature_valid, outcome, error, received_at, processed_at`

type callbackRepository struct {
	db *sqlx.DB
}

func NewCallbackRepository(db *sqlx.DB) repository.CallbackRepository {
	return &callbackRepository{db: db}
}

func (r *callbackRepository) Create(ctx context.Context, rec *domain.CallbackRecord) error {
	query := `
		INSERT INTO gateway_callbacks (` + callbackColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		rec.ID,
		rec.Provider,
		rec.ExternalTxID,
		rec.Reference,
		rec.ReportedStatus,
		rec.Amount,
		string(rec.Payload),
		rec.SignatureValid,
		rec.Outcome,
		nullableString(rec.Error),
		rec.ReceivedAt,
		rec.ProcessedAt,
	)

	return mapError(err)
}

func (r *callbackRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.CallbackRecord, error) {
	var rec domain.CallbackRecord
	err := sqlx.GetContext(ctx, conn(ctx, r.db), &rec, `SELECT `+callbackColumns+` FROM gateway_callbacks WHERE id = $1`, id)
	if err != nil {
		return nil, mapError(err)
	}
	return &rec, nil
}

func (r *callbackRepository) SetOutcome(ctx context.Context, id uuid.UUID, outcome string, errMsg *string, at time.Time) error {
	query := `
		UPDATE gateway_callbacks
		SET outcome = $2, error = $3, processed_at = $4
		WHERE id = $1
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query, id, outcome, nullableString(errMsg), at)
	return mapError(err)
}
