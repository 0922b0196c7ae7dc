package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ReconcileReport summarizes a reconciliation pass
type ReconcileReport struct {
	CheckedUsers int                 `json:"checked_users"`
	InvalidUsers int                 `json:"invalid_users"`
	WarnedUsers  int                 `json:"warned_users"`
	Results      []*ValidationResult `json:"results"` // only users with errors or warnings
	Duration     time.Duration       `json:"duration"`
}

// OK reports whether no invariant was violated
func (r *ReconcileReport) OK() bool {
	return r.InvalidUsers == 0
}

// Add counts one user's result
func (r *ReconcileReport) Add(result *ValidationResult) {
	r.CheckedUsers++
	if !result.IsValid {
		r.InvalidUsers++
	}
	if len(result.Warnings) > 0 {
		r.WarnedUsers++
	}
	if !result.IsValid || len(result.Warnings) > 0 {
		r.Results = append(r.Results, result)
	}
}

// Reconciler runs the Validator over every user of a Store
type Reconciler struct {
	store     Store
	validator *Validator
}

// NewReconciler creates a reconciler. A nil validator uses defaults.
func NewReconciler(store Store, validator *Validator) *Reconciler {
	if validator == nil {
		validator = NewValidator(nil)
	}
	return &Reconciler{store: store, validator: validator}
}

// Snapshot loads the records of one user
func (r *Reconciler) Snapshot(ctx context.Context, userID string) (*UserSnapshot, error) {
	snap := &UserSnapshot{UserID: userID}

	wallet, err := r.store.GetWallet(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	snap.Wallet = wallet

	rw, err := r.store.GetRewardWallet(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get reward wallet: %w", err)
	}
	snap.RewardWallet = rw

	if snap.Investments, err = r.store.ListInvestmentsByUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("list investments: %w", err)
	}
	if snap.Transactions, err = r.store.ListTransactionsByUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return snap, nil
}

// ReconcileUser validates one user
func (r *Reconciler) ReconcileUser(ctx context.Context, userID string, now time.Time) (*ValidationResult, error) {
	snap, err := r.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.validator.Validate(snap, now), nil
}

// ReconcileAll validates every user that owns a wallet
func (r *Reconciler) ReconcileAll(ctx context.Context, now time.Time) (*ReconcileReport, error) {
	start := time.Now()
	userIDs, err := r.store.ListWalletUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	report := &ReconcileReport{Results: []*ValidationResult{}}
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := r.ReconcileUser(ctx, userID, now)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", userID, err)
		}
		report.Add(result)
	}
	report.Duration = time.Since(start)
	return report, nil
}
