package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ============================================================================
// WALLET MUTATIONS
// ============================================================================
// These mutate the in-memory record only. Callers persist with
// Tx.UpdateWallet inside the same unit of work.

func requirePositive(op string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%s: amount %s must be positive: %w", op, amount, ErrInvalidInput)
	}
	return nil
}

// CreditWallet adds amount to the spendable balance
func (w *Wallet) CreditWallet(amount decimal.Decimal) error {
	if err := requirePositive("credit", amount); err != nil {
		return err
	}
	w.Balance = w.Balance.Add(amount)
	return nil
}

// DebitWallet removes amount from the spendable balance
func (w *Wallet) DebitWallet(amount decimal.Decimal) error {
	if err := requirePositive("debit", amount); err != nil {
		return err
	}
	next := w.Balance.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("debit %s from balance %s of user %s: %w",
			amount, w.Balance, w.UserID, ErrInvariantViolation)
	}
	w.Balance = next
	return nil
}

// LockPrincipal moves amount from balance to lockedBalance
func (w *Wallet) LockPrincipal(amount decimal.Decimal) error {
	if err := w.DebitWallet(amount); err != nil {
		return err
	}
	w.LockedBalance = w.LockedBalance.Add(amount)
	return nil
}

// ReleasePrincipal moves amount from lockedBalance back to balance. A locked
// balance smaller than amount means the principal was already released or
// never locked, which is ledger corruption.
func (w *Wallet) ReleasePrincipal(amount decimal.Decimal) error {
	if err := requirePositive("release", amount); err != nil {
		return err
	}
	next := w.LockedBalance.Sub(amount)
	if next.IsNegative() {
		return fmt.Errorf("release %s from locked balance %s of user %s: %w",
			amount, w.LockedBalance, w.UserID, ErrInvariantViolation)
	}
	w.LockedBalance = next
	w.Balance = w.Balance.Add(amount)
	return nil
}
