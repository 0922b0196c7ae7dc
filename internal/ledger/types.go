// Package ledger holds the settlement domain records and the contract any
// backing store must satisfy to host them.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Day is the accrual unit. ROI is only paid for fully elapsed days.
const Day = 24 * time.Hour

// MoneyScale is the number of decimal places money is stored with
const MoneyScale = 8

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds v to MoneyScale places
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}

// Percent returns pct percent of amount, rounded to MoneyScale
func Percent(amount, pct decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(pct).Div(hundred))
}

// InvestmentStatus is the lifecycle state of an Investment
type InvestmentStatus string

const (
	StatusActive    InvestmentStatus = "active"
	StatusCompleted InvestmentStatus = "completed"
	StatusCancelled InvestmentStatus = "cancelled"
)

// TransactionType classifies balance-affecting audit records
type TransactionType string

const (
	TxDeposit             TransactionType = "deposit"
	TxWithdrawal          TransactionType = "withdrawal"
	TxBonus               TransactionType = "bonus"
	TxInvestment          TransactionType = "investment"
	TxInvestmentROI       TransactionType = "investment_roi"
	TxInvestmentPrincipal TransactionType = "investment_principal"
	TxRewardWithdrawal    TransactionType = "reward_withdrawal"
)

// Direction is credit or debit, shared by Transaction and RewardEntry
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// TransactionStatus tracks deposit/withdrawal approval. Settlement records
// are always created completed.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Plan describes an investment product
type Plan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	ROIPercent   decimal.Decimal `json:"roi_percent"` // percent per day
	MinAmount    decimal.Decimal `json:"min_amount"`
	DurationDays int             `json:"duration_days"`
	AutoPayout   bool            `json:"auto_payout"` // daily accrual when true, lump sum at maturity otherwise
	CreatedAt    time.Time       `json:"created_at"`
}

// DailyROI returns the ROI owed for one full day on amount
func (p *Plan) DailyROI(amount decimal.Decimal) decimal.Decimal {
	return Percent(amount, p.ROIPercent)
}

// Investment is a user's locked principal in a plan
type Investment struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	PlanID         string           `json:"plan_id"`
	Amount         decimal.Decimal  `json:"amount"`
	StartDate      time.Time        `json:"start_date"`
	EndDate        time.Time        `json:"end_date"`
	Status         InvestmentStatus `json:"status"`
	LastPayoutDate time.Time        `json:"last_payout_date"`
	Earning        decimal.Decimal  `json:"earning"`
	Version        int64            `json:"version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Normalize resolves defaults once at load time so callers never
// null-coalesce LastPayoutDate themselves.
func (i *Investment) Normalize() *Investment {
	if i.LastPayoutDate.IsZero() {
		i.LastPayoutDate = i.StartDate
	}
	return i
}

// IsActive reports whether the settlement processor may touch the record
func (i *Investment) IsActive() bool {
	return i.Status == StatusActive
}

// Matured reports whether now has reached the end date
func (i *Investment) Matured(now time.Time) bool {
	return !now.Before(i.EndDate)
}

// Wallet holds a user's spendable and locked funds
type Wallet struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RewardEntry is one line of a reward wallet's append-only log
type RewardEntry struct {
	ID           string          `json:"id"`
	Type         Direction       `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason"`
	InvestmentID string          `json:"investment_id,omitempty"`
	Date         time.Time       `json:"date"`
}

// Signed returns the entry amount with debit entries negated
func (e RewardEntry) Signed() decimal.Decimal {
	if e.Type == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// RewardWallet accumulates ROI, commissions and bonuses
type RewardWallet struct {
	UserID       string          `json:"user_id"`
	Balance      decimal.Decimal `json:"balance"`
	Transactions []RewardEntry   `json:"transactions"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LogTotal sums the entry log. It must always equal Balance.
func (w *RewardWallet) LogTotal() decimal.Decimal {
	total := decimal.Zero
	for _, e := range w.Transactions {
		total = total.Add(e.Signed())
	}
	return total
}

// Referral is the edge referredBy -> referredUser. There is exactly one per
// referred user and it never changes direction.
type Referral struct {
	ID                string          `json:"id"`
	ReferredBy        string          `json:"referred_by"`
	ReferredUser      string          `json:"referred_user"`
	IsCommissionGiven bool            `json:"is_commission_given"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CommissionKey is the idempotency key of a commission payout
type CommissionKey struct {
	ReferrerID     string
	ReferredUserID string
	InvestmentID   string
	Level          int
}

// ReferralTransaction records one commission payout. Immutable.
type ReferralTransaction struct {
	ID             string          `json:"id"`
	ReferrerID     string          `json:"referrer_id"`
	ReferredUserID string          `json:"referred_user_id"`
	InvestmentID   string          `json:"investment_id"`
	Amount         decimal.Decimal `json:"amount"`
	Level          int             `json:"level"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Key returns the record's idempotency key
func (rt *ReferralTransaction) Key() CommissionKey {
	return CommissionKey{
		ReferrerID:     rt.ReferrerID,
		ReferredUserID: rt.ReferredUserID,
		InvestmentID:   rt.InvestmentID,
		Level:          rt.Level,
	}
}

// Transaction is the append-only audit record of a balance-affecting event
type Transaction struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Type            TransactionType   `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	TransactionType Direction         `json:"transaction_type"`
	Status          TransactionStatus `json:"status"`
	InvestmentID    string            `json:"investment_id,omitempty"`
	Address         string            `json:"address,omitempty"` // payout or funding address, deposits and withdrawals only
	Version         int64             `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Resolve moves a pending transaction to completed or failed. Status is the
// only field of a Transaction that ever changes, and only once.
func (t *Transaction) Resolve(status TransactionStatus) error {
	if status != TxCompleted && status != TxFailed {
		return fmt.Errorf("resolve %s to %q: %w", t.ID, status, ErrInvalidInput)
	}
	if t.Status != TxPending {
		return fmt.Errorf("transaction %s is %s: %w", t.ID, t.Status, ErrNotPending)
	}
	t.Status = status
	return nil
}

// Notification is a persisted user-facing message
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// WholeDays returns the number of fully elapsed days between from and to.
// Negative spans count as zero.
func WholeDays(from, to time.Time) int64 {
	if !to.After(from) {
		return 0
	}
	return int64(to.Sub(from) / Day)
}
