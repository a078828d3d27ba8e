package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PlanStatusActive    = "active"
	PlanStatusCompleted = "completed"
	PlanStatusDefaulted = "defaulted"
	PlanStatusCancelled = "cancelled"
	PlanStatusOverdue   = "overdue"
)

const (
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

var planTransitions = map[string][]string{
	PlanStatusActive:  {PlanStatusOverdue, PlanStatusCompleted, PlanStatusCancelled, PlanStatusDefaulted},
	PlanStatusOverdue: {PlanStatusActive, PlanStatusCompleted, PlanStatusCancelled, PlanStatusDefaulted},
}

// PaymentPlan represents the amortization agreement for one vehicle purchase
type PaymentPlan struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	OwnerID           string          `json:"owner_id" db:"owner_id"`
	VehicleID         string          `json:"vehicle_id" db:"vehicle_id"`
	TotalPrice        decimal.Decimal `json:"total_price" db:"total_price"`
	DepositAmount     decimal.Decimal `json:"deposit_amount" db:"deposit_amount"`
	InstallmentAmount decimal.Decimal `json:"installment_amount" db:"installment_amount"`
	Frequency         string          `json:"frequency" db:"frequency"`
	TermMonths        int             `json:"term_months" db:"term_months"`
	TotalInstallments int             `json:"total_installments" db:"total_installments"`
	Remaining         int             `json:"remaining_installments" db:"remaining_installments"`
	ScheduleStart     time.Time       `json:"schedule_start" db:"schedule_start"`
	NextDueDate       time.Time       `json:"next_due_date" db:"next_due_date"`
	GracePeriodDays   int             `json:"grace_period_days" db:"grace_period_days"`
	Status            string          `json:"status" db:"status"`
	OverdueDays       int             `json:"overdue_days" db:"overdue_days"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// IsClosed reports whether the plan reached a terminal status.
func (p *PaymentPlan) IsClosed() bool {
	switch p.Status {
	case PlanStatusCompleted, PlanStatusCancelled, PlanStatusDefaulted:
		return true
	}
	return false
}

// CanTransition reports whether the plan state machine allows moving to next.
func (p *PaymentPlan) CanTransition(next string) bool {
	if p.Status == next {
		return false
	}
	for _, allowed := range planTransitions[p.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaidInstallments is the number of installments already settled.
func (p *PaymentPlan) PaidInstallments() int {
	return p.TotalInstallments - p.Remaining
}

// OutstandingBalance is what is still owed on the installment schedule.
func (p *PaymentPlan) OutstandingBalance() decimal.Decimal {
	return p.InstallmentAmount.Mul(decimal.NewFromInt(int64(p.Remaining)))
}

// DTOs for requests and responses

type CreatePlanRequest struct {
	OwnerID         string          `json:"owner_id" validate:"required,max=128"`
	VehicleID       string          `json:"vehicle_id" validate:"required,max=128"`
	Price           decimal.Decimal `json:"price" validate:"gt=0"`
	Deposit         decimal.Decimal `json:"deposit" validate:"gte=0"`
	TermMonths      int             `json:"term_months" validate:"required,gt=0"`
	Frequency       string          `json:"frequency" validate:"required,oneof=weekly monthly"`
	GracePeriodDays *int            `json:"grace_period_days,omitempty" validate:"omitempty,gte=0,lte=90"`
}

type CreatePlanResponse struct {
	Plan     *PaymentPlan     `json:"plan"`
	Schedule []*ScheduleEntry `json:"schedule"`
}

type BalanceResponse struct {
	PlanID                string          `json:"plan_id"`
	TotalPaid             decimal.Decimal `json:"total_paid"`
	OutstandingBalance    decimal.Decimal `json:"outstanding_balance"`
	RemainingInstallments int             `json:"remaining_installments"`
	NextDueDate           *time.Time      `json:"next_due_date,omitempty"`
	Status                string          `json:"status"`
	OverdueDays           int             `json:"overdue_days"`
}
