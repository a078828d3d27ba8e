package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/segyhp/settlement-engine/internal/domain"
	"github.com/segyhp/settlement-engine/internal/repository"
)

const planColumns = `id, owner_id, vehicle_id, total_price, deposit_amount, installment_amount, frequency,
		term_months, total_installments, remaining_installments, schedule_start, next_due_date,
		grace_period_days, status, overdue_days, created_at, updated_at`

type planRepository struct {
	db *sqlx.DB
}

func NewPlanRepository(db *sqlx.DB) repository.PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) Create(ctx context.Context, plan *domain.PaymentPlan) error {
	query := `
		INSERT INTO payment_plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := conn(ctx, r.db).ExecContext(ctx, query,
		plan.ID,
		plan.OwnerID,
		plan.VehicleID,
		plan.TotalPrice,
		plan.DepositAmount,
		plan.InstallmentAmount,
		plan.Frequency,
		plan.TermMonths,
		plan.TotalInstallments,
		plan.Remaining,
		dateArg(plan.ScheduleStart),
		dateArg(plan.NextDueDate),
		plan.GracePeriodDays,
		plan.Status,
		plan.OverdueDays,
		plan.CreatedAt,
		plan.UpdatedAt,
	)

	return mapError(err)
}

func (r *planRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentPlan, error) {
	return r.get(ctx, `SELECT `+planColumns+` FROM payment_plans WHERE id = $1`, id)
}

func (r *planRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentPlan, error) {
	return r.get(ctx, `SELECT `+planColumns+` FROM payment_plans WHERE id = $1 FOR UPDATE`, id)
}

func (r *planRepository) get(ctx context.Context, query string, id uuid.UUID) (*domain.PaymentPlan, error) {
	var plan domain.PaymentPlan
	if err := sqlx.GetContext(ctx, conn(ctx, r.db), &plan, query, id); err != nil {
		return nil, mapError(err)
	}
	return &plan, nil
}

func (r *planRepository) Update(ctx context.Context, plan *domain.PaymentPlan) error {
	query := `
		UPDATE payment_plans
		SET remaining_installments = $2, next_due_date = $3, status = $4, overdue_days = $5, updated_at = $6
		WHERE id = $1
	`

	res, err := conn(ctx, r.db).ExecContext(ctx, query,
		plan.ID,
		plan.Remaining,
		dateArg(plan.NextDueDate),
		plan.Status,
		plan.OverdueDays,
		plan.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *planRepository) ListDue(ctx context.Context, asOf time.Time, after repository.Cursor, limit int) ([]*domain.PaymentPlan, error) {
	query := `
		SELECT ` + planColumns + `
		FROM payment_plans
		WHERE status IN ('active', 'overdue') AND remaining_installments > 0 AND next_due_date <= $1
			AND (next_due_date, id) > ($2::date, $3::uuid)
		ORDER BY next_due_date, id
		LIMIT $4
	`

	var plans []*domain.PaymentPlan
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &plans, query, dateArg(asOf), dateArg(after.At), after.ID, limit); err != nil {
		return nil, mapError(err)
	}
	return plans, nil
}

func (r *planRepository) ListDueBetween(ctx context.Context, from, to time.Time, after repository.Cursor, limit int) ([]*domain.PaymentPlan, error) {
	query := `
		SELECT ` + planColumns + `
		FROM payment_plans
		WHERE status IN ('active', 'overdue') AND remaining_installments > 0
			AND next_due_date BETWEEN $1 AND $2
			AND (next_due_date, id) > ($3::date, $4::uuid)
		ORDER BY next_due_date, id
		LIMIT $5
	`

	var plans []*domain.PaymentPlan
	if err := sqlx.SelectContext(ctx, conn(ctx, r.db), &plans, query, dateArg(from), dateArg(to), dateArg(after.At), after.ID, limit); err != nil {
		return nil, mapError(err)
	}
	return plans, nil
}
