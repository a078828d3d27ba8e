package utils

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// InstallmentCount returns how many installments a term produces.
// Monthly plans pay once per month; weekly plans pay ceil(term * 52 / 12) times.
func InstallmentCount(termMonths int, frequency string) int {
	if termMonths <= 0 {
		return 0
	}
	switch frequency {
	case FrequencyWeekly:
		return (termMonths*52 + 11) / 12
	case FrequencyMonthly:
		return termMonths
	default:
		return 0
	}
}

// CalculateInstallment splits principal evenly over count installments.
// Formula: Principal / Count, rounded half-up to precision places
func CalculateInstallment(principal decimal.Decimal, count int, precision int32) decimal.Decimal {
	if count <= 0 {
		return decimal.Zero
	}
	return RoundMoney(principal.Div(decimal.NewFromInt(int64(count))), precision)
}

// RoundMoney rounds half-up to the currency's minor unit. Amounts here are never
// negative, so decimal's half-away-from-zero rounding is half-up.
func RoundMoney(amount decimal.Decimal, precision int32) decimal.Decimal {
	return amount.Round(precision)
}

// CalculateDueDate returns the due date of installment n counted from the schedule start.
// Installment 1 is due one period after start. Dates are derived from start every
// time so month-end days do not drift; a day missing from a short month becomes
// that month's last day.
func CalculateDueDate(start time.Time, frequency string, n int) time.Time {
	if frequency == FrequencyWeekly {
		return start.AddDate(0, 0, 7*n)
	}

	y, m, d := start.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, start.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d,
		start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
}

// TruncateToDay returns midnight UTC of t's calendar day.
func TruncateToDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from earlier to later; negative results clamp to 0.
func DaysBetween(earlier, later time.Time) int {
	days := int(TruncateToDay(later).Sub(TruncateToDay(earlier)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// IsDateOverdue reports whether dueDate plus graceDays lies strictly before today.
func IsDateOverdue(dueDate time.Time, graceDays int, today time.Time) bool {
	return DaysBetween(dueDate, today) > graceDays
}

// ExponentialBackoff returns min(initial * multiplier^n, max). n counts prior attempts from 0.
func ExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := float64(initial)
	for i := 0; i < n; i++ {
		delay *= multiplier
		if delay >= float64(max) {
			return max
		}
	}
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
