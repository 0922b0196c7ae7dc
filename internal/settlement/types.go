// Package settlement advances active investments: daily ROI accrual,
// maturity with principal return, and the batch scheduler that drives both.
package settlement

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"investment-settlement/internal/commission"
)

var (
	// ErrMissingDependency is returned when an active investment's plan or
	// wallet does not exist.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrBatchInProgress is returned when another batch holds the batch lease.
	ErrBatchInProgress = errors.New("settlement batch already in progress")
)

// Action is what Settle did to an investment
type Action string

const (
	ActionNone     Action = "none"
	ActionDailyROI Action = "daily_roi"
	ActionMatured  Action = "matured"
	ActionSkipped  Action = "skipped"
)

// Outcome is the result of settling one investment
type Outcome struct {
	InvestmentID      string             `json:"investment_id"`
	UserID            string             `json:"user_id,omitempty"`
	Action            Action             `json:"action"`
	SkipReason        string             `json:"skip_reason,omitempty"`
	DaysPaid          int64              `json:"days_paid"`
	ROIPaid           decimal.Decimal    `json:"roi_paid"`
	PrincipalReturned decimal.Decimal    `json:"principal_returned"`
	Commission        *commission.Result `json:"commission,omitempty"`
	CommissionError   string             `json:"commission_error,omitempty"`
}

// InvestmentResult is one investment's entry in a batch
type InvestmentResult struct {
	InvestmentID string    `json:"investment_id"`
	Outcome      *Outcome  `json:"outcome,omitempty"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"attempts"`
}

// Failed reports whether the investment could not be settled this tick
func (r *InvestmentResult) Failed() bool {
	return r.Error != ""
}

// Batch result labels
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultAborted = "aborted"
	ResultLocked  = "locked"
)

// BatchResult summarizes one RunSettlementBatch call
type BatchResult struct {
	BatchID           string             `json:"batch_id"`
	Now               time.Time          `json:"now"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at"`
	Duration          time.Duration      `json:"duration"`
	Result            string             `json:"result"`
	Total             int                `json:"total"`
	DailyROI          int                `json:"daily_roi"`
	Matured           int                `json:"matured"`
	NoOp              int                `json:"no_op"`
	Skipped           int                `json:"skipped"`
	Failed            int                `json:"failed"`
	NotAttempted      int                `json:"not_attempted"`
	ROIPaid           decimal.Decimal    `json:"roi_paid"`
	PrincipalReturned decimal.Decimal    `json:"principal_returned"`
	CommissionsPaid   int                `json:"commissions_paid"`
	AbortError        string             `json:"abort_error,omitempty"`
	Failures          []InvestmentResult `json:"failures,omitempty"`
}

// Aborted reports whether the batch stopped early on a store outage
func (b *BatchResult) Aborted() bool {
	return b.Result == ResultAborted
}

func newBatchResult(batchID string, now, startedAt time.Time) *BatchResult {
	return &BatchResult{
		BatchID:           batchID,
		Now:               now,
		StartedAt:         startedAt,
		ROIPaid:           decimal.Zero,
		PrincipalReturned: decimal.Zero,
		Failures:          []InvestmentResult{},
	}
}

func (b *BatchResult) add(r InvestmentResult) {
	if r.Failed() {
		b.Failed++
		b.Failures = append(b.Failures, r)
		return
	}
	o := r.Outcome
	switch o.Action {
	case ActionDailyROI:
		b.DailyROI++
	case ActionMatured:
		b.Matured++
	case ActionSkipped:
		b.Skipped++
	default:
		b.NoOp++
	}
	b.ROIPaid = b.ROIPaid.Add(o.ROIPaid)
	b.PrincipalReturned = b.PrincipalReturned.Add(o.PrincipalReturned)
	if o.Commission != nil {
		b.CommissionsPaid += len(o.Commission.Payouts)
	}
}
