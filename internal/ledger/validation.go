package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationConfig holds the thresholds for soft anomalies
type ValidationConfig struct {
	OverdueGrace time.Duration // active investments past endDate by more than this are flagged
}

// DefaultValidationConfig returns default validation thresholds
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		OverdueGrace: 24 * time.Hour,
	}
}

// ValidationResult holds the result of ledger validation
type ValidationResult struct {
	UserID   string   `json:"user_id"`
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`   // invariant violations
	Warnings []string `json:"warnings"` // anomalies for review
}

// UserSnapshot is everything the validator needs about one user
type UserSnapshot struct {
	UserID       string
	Wallet       *Wallet
	RewardWallet *RewardWallet
	Investments  []*Investment
	Transactions []*Transaction
}

// Validator checks ledger invariants over a user snapshot
type Validator struct {
	config *ValidationConfig
}

// NewValidator creates a new validator with the given config
func NewValidator(config *ValidationConfig) *Validator {
	if config == nil {
		config = DefaultValidationConfig()
	}
	return &Validator{config: config}
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.IsValid = false
}

func (r *ValidationResult) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks one user's records as of now
func (v *Validator) Validate(s *UserSnapshot, now time.Time) *ValidationResult {
	result := &ValidationResult{
		UserID:   s.UserID,
		IsValid:  true,
		Errors:   []string{},
		Warnings: []string{},
	}

	// === WALLET ===

	if s.Wallet == nil {
		result.fail("wallet missing")
	} else {
		if s.Wallet.Balance.IsNegative() {
			result.fail("negative balance: %s", s.Wallet.Balance)
		}
		if s.Wallet.LockedBalance.IsNegative() {
			result.fail("negative locked balance: %s", s.Wallet.LockedBalance)
		}

		activePrincipal := decimal.Zero
		for _, inv := range s.Investments {
			if inv.IsActive() {
				activePrincipal = activePrincipal.Add(inv.Amount)
			}
		}
		if !s.Wallet.LockedBalance.Equal(activePrincipal) {
			result.fail("locked balance %s != active principal %s",
				s.Wallet.LockedBalance, activePrincipal)
		}
	}

	// === REWARD WALLET ===

	if s.RewardWallet != nil {
		if logTotal := s.RewardWallet.LogTotal(); !s.RewardWallet.Balance.Equal(logTotal) {
			result.fail("reward balance %s != entry log total %s",
				s.RewardWallet.Balance, logTotal)
		}
		if s.RewardWallet.Balance.IsNegative() {
			result.fail("negative reward balance: %s", s.RewardWallet.Balance)
		}
	}

	// === INVESTMENTS ===

	roiByInvestment := make(map[string]decimal.Decimal)
	principalReturns := make(map[string]int)
	for _, t := range s.Transactions {
		switch t.Type {
		case TxInvestmentROI:
			roiByInvestment[t.InvestmentID] = roiByInvestment[t.InvestmentID].Add(t.Amount)
		case TxInvestmentPrincipal:
			principalReturns[t.InvestmentID]++
		}
	}

	for _, inv := range s.Investments {
		if !inv.Earning.Equal(roiByInvestment[inv.ID]) {
			result.fail("investment %s earning %s != ROI transactions %s",
				inv.ID, inv.Earning, roiByInvestment[inv.ID])
		}
		if inv.Earning.IsNegative() {
			result.fail("investment %s negative earning %s", inv.ID, inv.Earning)
		}

		switch inv.Status {
		case StatusCompleted:
			if inv.LastPayoutDate.Before(inv.EndDate) {
				result.fail("completed investment %s last payout %s before end %s",
					inv.ID, inv.LastPayoutDate.Format(time.RFC3339), inv.EndDate.Format(time.RFC3339))
			}
			if principalReturns[inv.ID] != 1 {
				result.fail("completed investment %s has %d principal returns",
					inv.ID, principalReturns[inv.ID])
			}
		case StatusActive:
			if inv.LastPayoutDate.After(inv.EndDate) {
				result.fail("active investment %s last payout %s after end %s",
					inv.ID, inv.LastPayoutDate.Format(time.RFC3339), inv.EndDate.Format(time.RFC3339))
			}
			if principalReturns[inv.ID] != 0 {
				result.fail("active investment %s already returned principal", inv.ID)
			}
			if now.Sub(inv.EndDate) > v.config.OverdueGrace {
				result.warn("investment %s overdue since %s",
					inv.ID, inv.EndDate.Format(time.RFC3339))
			}
		}
	}

	return result
}
