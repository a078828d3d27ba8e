package service

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/segyhp/settlement-engine/internal/domain"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
	"github.com/segyhp/settlement-engine/pkg/utils"
)

// ScheduleCalculator turns a purchase into an installment plan. It does no I/O.
type ScheduleCalculator struct {
	allowedTerms     map[int]bool
	defaultGraceDays int
	precision        int32
}

func NewScheduleCalculator(allowedTerms []int, defaultGraceDays int, precision int32) *ScheduleCalculator {
	terms := make(map[int]bool, len(allowedTerms))
	for _, t := range allowedTerms {
		terms[t] = true
	}
	return &ScheduleCalculator{
		allowedTerms:     terms,
		defaultGraceDays: defaultGraceDays,
		precision:        precision,
	}
}

// Calculate validates req and returns an unsaved plan plus its due dates.
// The plan has no ID or owner yet.
func (c *ScheduleCalculator) Calculate(req domain.ScheduleRequest) (*domain.PaymentPlan, []*domain.ScheduleEntry, error) {
	if !req.Price.IsPositive() {
		return nil, nil, customError.WrapInvalidSchedule("price must be greater than zero")
	}
	if req.Deposit.IsNegative() {
		return nil, nil, customError.WrapInvalidSchedule("deposit must not be negative")
	}
	if req.Deposit.GreaterThanOrEqual(req.Price) {
		return nil, nil, customError.WrapInvalidSchedule("deposit must be less than the price")
	}
	if !c.allowedTerms[req.TermMonths] {
		return nil, nil, customError.WrapInvalidSchedule(fmt.Sprintf("term of %d months is not offered", req.TermMonths))
	}

	count := utils.InstallmentCount(req.TermMonths, req.Frequency)
	if count == 0 {
		return nil, nil, customError.WrapInvalidSchedule(fmt.Sprintf("unknown frequency %q", req.Frequency))
	}

	grace := c.defaultGraceDays
	if req.GracePeriodDays != nil {
		if *req.GracePeriodDays < 0 {
			return nil, nil, customError.WrapInvalidSchedule("grace period must not be negative")
		}
		grace = *req.GracePeriodDays
	}

	principal := req.Price.Sub(req.Deposit)
	installment := utils.CalculateInstallment(principal, count, c.precision)
	if !installment.IsPositive() {
		return nil, nil, customError.WrapInvalidSchedule("installment rounds to zero")
	}

	start := utils.TruncateToDay(req.Start)
	plan := &domain.PaymentPlan{
		TotalPrice:        req.Price,
		DepositAmount:     req.Deposit,
		InstallmentAmount: installment,
		Frequency:         req.Frequency,
		TermMonths:        req.TermMonths,
		TotalInstallments: count,
		Remaining:         count,
		ScheduleStart:     start,
		NextDueDate:       utils.CalculateDueDate(start, req.Frequency, 1),
		GracePeriodDays:   grace,
		Status:            domain.PlanStatusActive,
	}

	return plan, c.Entries(plan), nil
}

// Entries lists every installment of plan, flagging the ones already paid
func (c *ScheduleCalculator) Entries(plan *domain.PaymentPlan) []*domain.ScheduleEntry {
	paid := plan.PaidInstallments()
	entries := make([]*domain.ScheduleEntry, 0, plan.TotalInstallments)
	for n := 1; n <= plan.TotalInstallments; n++ {
		entries = append(entries, &domain.ScheduleEntry{
			Number:  n,
			DueDate: utils.CalculateDueDate(plan.ScheduleStart, plan.Frequency, n),
			Amount:  plan.InstallmentAmount,
			Paid:    n <= paid,
		})
	}
	return entries
}

// ScheduleTotal is deposit + installment x count, the amount the schedule actually collects
func ScheduleTotal(plan *domain.PaymentPlan) decimal.Decimal {
	return plan.DepositAmount.Add(plan.InstallmentAmount.Mul(decimal.NewFromInt(int64(plan.TotalInstallments))))
}
