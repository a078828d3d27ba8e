package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ScheduleRequest is the input of the schedule calculator
type ScheduleRequest struct {
	Price           decimal.Decimal
	Deposit         decimal.Decimal
	TermMonths      int
	Frequency       string
	GracePeriodDays *int
	Start           time.Time
}

// ScheduleEntry is one row of a computed installment schedule
type ScheduleEntry struct {
	Number  int             `json:"number"`
	DueDate time.Time       `json:"due_date"`
	Amount  decimal.Decimal `json:"amount"`
	Paid    bool            `json:"paid"`
}

type ScheduleResponse struct {
	PlanID   string           `json:"plan_id"`
	Schedule []*ScheduleEntry `json:"schedule"`
}
