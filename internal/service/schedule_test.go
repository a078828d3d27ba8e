package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/segyhp/settlement-engine/internal/domain"
	customError "github.com/segyhp/settlement-engine/pkg/errors"
)

func newCalculator() *ScheduleCalculator {
	return NewScheduleCalculator([]int{12, 18, 24, 36}, 7, 2)
}

func TestScheduleCalculator_Example(t *testing.T) {
	plan, entries, err := newCalculator().Calculate(domain.ScheduleRequest{
		Price:      decimal.NewFromInt(12000000),
		Deposit:    decimal.NewFromInt(2000000),
		TermMonths: 12,
		Frequency:  domain.FrequencyMonthly,
		Start:      time.Date(2024, 1, 15, 13, 45, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.True(t, plan.InstallmentAmount.Equal(decimal.RequireFromString("833333.33")), plan.InstallmentAmount.String())
	assert.Equal(t, 12, plan.TotalInstallments)
	assert.Equal(t, 12, plan.Remaining)
	assert.Equal(t, domain.PlanStatusActive, plan.Status)
	assert.Equal(t, 7, plan.GracePeriodDays)
	assert.Equal(t, day(2024, 1, 15), plan.ScheduleStart)
	assert.Equal(t, day(2024, 2, 15), plan.NextDueDate)

	require.Len(t, entries, 12)
	assert.Equal(t, day(2024, 2, 15), entries[0].DueDate)
	assert.Equal(t, day(2025, 1, 15), entries[11].DueDate)
	for _, e := range entries {
		assert.False(t, e.Paid)
	}
}

func TestScheduleCalculator_TotalsMatchPrice(t *testing.T) {
	calc := newCalculator()
	half := decimal.RequireFromString("0.005")

	cases := []struct {
		price, deposit string
		term           int
		frequency      string
	}{
		{"12000000", "2000000", 12, domain.FrequencyMonthly},
		{"10000000", "0", 18, domain.FrequencyMonthly},
		{"9999999.99", "1234567.89", 24, domain.FrequencyMonthly},
		{"250000000", "50000000", 36, domain.FrequencyMonthly},
		{"12000000", "2000000", 12, domain.FrequencyWeekly},
		{"7777777", "1", 18, domain.FrequencyWeekly},
		{"100", "1", 36, domain.FrequencyWeekly},
	}

	for _, c := range cases {
		t.Run(c.price+"/"+c.frequency, func(t *testing.T) {
			price := decimal.RequireFromString(c.price)
			plan, entries, err := calc.Calculate(domain.ScheduleRequest{
				Price:      price,
				Deposit:    decimal.RequireFromString(c.deposit),
				TermMonths: c.term,
				Frequency:  c.frequency,
				Start:      testStart,
			})
			require.NoError(t, err)

			tolerance := half.Mul(decimal.NewFromInt(int64(plan.TotalInstallments)))
			diff := ScheduleTotal(plan).Sub(price).Abs()
			assert.True(t, diff.LessThanOrEqual(tolerance), "diff %s exceeds %s", diff, tolerance)
			assert.Equal(t, plan.TotalInstallments, plan.Remaining)
			assert.Len(t, entries, plan.TotalInstallments)
			assert.Equal(t, entries[0].DueDate, plan.NextDueDate)
		})
	}
}

func TestScheduleCalculator_WeeklyCount(t *testing.T) {
	plan, _, err := newCalculator().Calculate(domain.ScheduleRequest{
		Price:      decimal.NewFromInt(5200000),
		Deposit:    decimal.Zero,
		TermMonths: 12,
		Frequency:  domain.FrequencyWeekly,
		Start:      testStart,
	})
	require.NoError(t, err)

	assert.Equal(t, 52, plan.TotalInstallments)
	assert.True(t, plan.InstallmentAmount.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, day(2024, 1, 22), plan.NextDueDate)
}

func TestScheduleCalculator_GraceOverride(t *testing.T) {
	grace := 3
	plan, _, err := newCalculator().Calculate(domain.ScheduleRequest{
		Price:           decimal.NewFromInt(1200),
		Deposit:         decimal.Zero,
		TermMonths:      12,
		Frequency:       domain.FrequencyMonthly,
		GracePeriodDays: &grace,
		Start:           testStart,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, plan.GracePeriodDays)
}

func TestScheduleCalculator_Rejects(t *testing.T) {
	negative := -1

	tests := []struct {
		name string
		req  domain.ScheduleRequest
	}{
		{name: "deposit equals price", req: domain.ScheduleRequest{Price: decimal.NewFromInt(100), Deposit: decimal.NewFromInt(100), TermMonths: 12, Frequency: domain.FrequencyMonthly}},
		{name: "deposit above price", req: domain.ScheduleRequest{Price: decimal.NewFromInt(100), Deposit: decimal.NewFromInt(150), TermMonths: 12, Frequency: domain.FrequencyMonthly}},
		{name: "negative deposit", req: domain.ScheduleRequest{Price: decimal.NewFromInt(100), Deposit: decimal.NewFromInt(-1), TermMonths: 12, Frequency: domain.FrequencyMonthly}},
		{name: "zero price", req: domain.ScheduleRequest{Price: decimal.Zero, Deposit: decimal.Zero, TermMonths: 12, Frequency: domain.FrequencyMonthly}},
		{name: "term not offered", req: domain.ScheduleRequest{Price: decimal.NewFromInt(100), Deposit: decimal.Zero, TermMonths: 7, Frequency: domain.FrequencyMonthly}},
		{name: "unknown frequency", req: domain.ScheduleRequest{Price: decimal.NewFromInt(100), Deposit: decimal.Zero, TermMonths: 12, Frequency: "daily"}},
		{name: "negative grace", req: domain.ScheduleRequest{Price: decimal.NewFromInt(100), Deposit: decimal.Zero, TermMonths: 12, Frequency: domain.FrequencyMonthly, GracePeriodDays: &negative}},
		{name: "installment rounds to zero", req: domain.ScheduleRequest{Price: decimal.RequireFromString("0.01"), Deposit: decimal.Zero, TermMonths: 36, Frequency: domain.FrequencyWeekly}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, entries, err := newCalculator().Calculate(tt.req)
			require.Error(t, err)
			assert.Nil(t, plan)
			assert.Nil(t, entries)
			assert.True(t, customError.IsValidation(err))
			assert.Equal(t, customError.ErrCodeInvalidSchedule, customError.CodeOf(err))
		})
	}
}

func TestScheduleCalculator_EntriesMarkPaid(t *testing.T) {
	plan := &domain.PaymentPlan{
		InstallmentAmount: decimal.NewFromInt(100),
		Frequency:         domain.FrequencyMonthly,
		TotalInstallments: 4,
		Remaining:         1,
		ScheduleStart:     day(2024, 1, 31),
	}

	entries := newCalculator().Entries(plan)
	require.Len(t, entries, 4)
	assert.True(t, entries[2].Paid)
	assert.False(t, entries[3].Paid)
	assert.Equal(t, day(2024, 2, 29), entries[0].DueDate)
	assert.Equal(t, day(2024, 5, 31), entries[3].DueDate)
}
