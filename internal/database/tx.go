package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"investment-settlement/internal/ledger"
)

// pgTx implements ledger.Tx on one pgx transaction
type pgTx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ============================================================================
// READS
// ============================================================================

func (t *pgTx) GetInvestmentForUpdate(ctx context.Context, id string) (*ledger.Investment, error) {
	inv, err := scanInvestment(t.tx.QueryRow(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("investment %s: %w", id, mapError(err))
	}
	return inv, nil
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, userID string) (*ledger.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx,
		`SELECT user_id, balance, locked_balance, version, created_at, updated_at
		 FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", userID, mapError(err))
	}
	return w, nil
}

func (t *pgTx) GetTransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", id, mapError(err))
	}
	return tr, nil
}

func (t *pgTx) GetPlan(ctx context.Context, id string) (*ledger.Plan, error) {
	p := &ledger.Plan{}
	err := t.tx.QueryRow(ctx,
		`SELECT id, name, roi_percent, min_amount, duration_days, auto_payout, created_at
		 FROM plans WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.ROIPercent, &p.MinAmount, &p.DurationDays, &p.AutoPayout, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", id, mapError(err))
	}
	return p, nil
}

func (t *pgTx) GetReferralByReferredUser(ctx context.Context, userID string) (*ledger.Referral, error) {
	r, err := scanReferral(t.tx.QueryRow(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referred_user = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("referral of %s: %w", userID, mapError(err))
	}
	return r, nil
}

func (t *pgTx) FindReferralTransaction(ctx context.Context, key ledger.CommissionKey) (*ledger.ReferralTransaction, error) {
	rt, err := scanReferralTx(t.tx.QueryRow(ctx,
		`SELECT `+referralTxColumns+` FROM referral_transactions
		 WHERE referrer_id = $1 AND referred_user_id = $2 AND investment_id = $3 AND level = $4`,
		key.ReferrerID, key.ReferredUserID, key.InvestmentID, key.Level))
	if err != nil {
		return nil, fmt.Errorf("referral transaction %+v: %w", key, mapError(err))
	}
	return rt, nil
}

func (t *pgTx) HasInvestments(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM investments WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, mapError(err)
	}
	return exists, nil
}

// ============================================================================
// CREATES
// ============================================================================

func (t *pgTx) CreatePlan(ctx context.Context, p *ledger.Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO plans (id, name, roi_percent, min_amount, duration_days, auto_payout, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, p.ROIPercent, p.MinAmount, p.DurationDays, p.AutoPayout, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert plan: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) CreateWallet(ctx context.Context, w *ledger.Wallet) error {
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, locked_balance, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.UserID, w.Balance, w.LockedBalance, w.Version, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet %s: %w", w.UserID, mapError(err))
	}
	return nil
}

func (t *pgTx) CreateRewardWallet(ctx context.Context, rw *ledger.RewardWallet) error {
	now := time.Now()
	if rw.CreatedAt.IsZero() {
		rw.CreatedAt = now
	}
	rw.UpdatedAt = now
	_, err := t.tx.Exec(ctx,
		`INSERT INTO reward_wallets (user_id, balance, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rw.UserID, rw.Balance, rw.Version, rw.CreatedAt, rw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reward wallet %s: %w", rw.UserID, mapError(err))
	}
	for _, e := range rw.Transactions {
		if err := t.insertRewardEntry(ctx, rw.UserID, e); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) CreateReferral(ctx context.Context, r *ledger.Referral) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO referrals (id, referred_by, referred_user, is_commission_given, commission_percent, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.ReferredBy, r.ReferredUser, r.IsCommissionGiven, r.CommissionPercent, r.Version, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert referral of %s: %w", r.ReferredUser, mapError(err))
	}
	return nil
}

func (t *pgTx) CreateInvestment(ctx context.Context, inv *ledger.Investment) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	now := time.Now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	inv.Normalize()
	_, err := t.tx.Exec(ctx,
		`INSERT INTO investments (`+investmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inv.ID, inv.UserID, inv.PlanID, inv.Amount, inv.StartDate, inv.EndDate, string(inv.Status),
		inv.LastPayoutDate, inv.Earning, inv.Version, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert investment: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) CreateTransaction(ctx context.Context, tr *ledger.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, amount, transaction_type, status, investment_id, address,
		                           version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		tr.ID, tr.UserID, string(tr.Type), tr.Amount, string(tr.TransactionType), string(tr.Status),
		nullable(tr.InvestmentID), nullable(tr.Address), tr.Version, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", mapError(err))
	}
	tr.UpdatedAt = tr.CreatedAt
	return nil
}

func (t *pgTx) CreateReferralTransaction(ctx context.Context, rt *ledger.ReferralTransaction) error {
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO referral_transactions (`+referralTxColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rt.ID, rt.ReferrerID, rt.ReferredUserID, rt.InvestmentID, rt.Amount, rt.Level, rt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert referral transaction: %w", mapError(err))
	}
	return nil
}

// ============================================================================
// CONDITIONAL UPDATES
// ============================================================================

func (t *pgTx) UpdateInvestment(ctx context.Context, inv *ledger.Investment) error {
	now := time.Now()
	tag, err := t.tx.Exec(ctx,
		`UPDATE investments
		 SET status = $3, last_payout_date = $4, earning = $5, version = version + 1, updated_at = $6
		 WHERE id = $1 AND version = $2`,
		inv.ID, inv.Version, string(inv.Status), inv.LastPayoutDate, inv.Earning, now)
	if err != nil {
		return fmt.Errorf("update investment %s: %w", inv.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("investment %s at version %d: %w", inv.ID, inv.Version, ledger.ErrConflict)
	}
	inv.Version++
	inv.UpdatedAt = now
	return nil
}

func (t *pgTx) UpdateWallet(ctx context.Context, w *ledger.Wallet) error {
	now := time.Now()
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = $3, locked_balance = $4, version = version + 1, updated_at = $5
		 WHERE user_id = $1 AND version = $2`,
		w.UserID, w.Version, w.Balance, w.LockedBalance, now)
	if err != nil {
		return fmt.Errorf("update wallet %s: %w", w.UserID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet %s at version %d: %w", w.UserID, w.Version, ledger.ErrConflict)
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

func (t *pgTx) UpdateTransactionStatus(ctx context.Context, tr *ledger.Transaction) error {
	now := time.Now()
	tag, err := t.tx.Exec(ctx,
		`UPDATE transactions SET status = $3, version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $2`,
		tr.ID, tr.Version, string(tr.Status), now)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tr.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s at version %d: %w", tr.ID, tr.Version, ledger.ErrConflict)
	}
	tr.Version++
	tr.UpdatedAt = now
	return nil
}

func (t *pgTx) MarkCommissionGiven(ctx context.Context, referralID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE referrals SET is_commission_given = TRUE, version = version + 1
		 WHERE id = $1 AND NOT is_commission_given`, referralID)
	if err != nil {
		return fmt.Errorf("mark commission given %s: %w", referralID, mapError(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM referrals WHERE id = $1)`, referralID).
		Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return fmt.Errorf("referral %s: %w", referralID, ledger.ErrNotFound)
	}
	return nil
}

// AppendRewardEntry increments the balance in a single statement, so
// concurrent credits to the same referrer never lose an update.
func (t *pgTx) AppendRewardEntry(ctx context.Context, userID string, entry ledger.RewardEntry) (*ledger.RewardWallet, error) {
	if !entry.Amount.IsPositive() {
		return nil, fmt.Errorf("reward entry amount %s: %w", entry.Amount, ledger.ErrInvalidInput)
	}
	now := time.Now()
	if entry.Date.IsZero() {
		entry.Date = now
	}

	if _, err := t.tx.Exec(ctx,
		`INSERT INTO reward_wallets (user_id, balance, version, created_at, updated_at)
		 VALUES ($1, 0, 0, $2, $2) ON CONFLICT (user_id) DO NOTHING`, userID, now); err != nil {
		return nil, fmt.Errorf("ensure reward wallet %s: %w", userID, mapError(err))
	}

	var balance decimal.Decimal
	err := t.tx.QueryRow(ctx,
		`UPDATE reward_wallets
		 SET balance = balance + $2, version = version + 1, updated_at = $3
		 WHERE user_id = $1 AND balance + $2 >= 0
		 RETURNING balance`, userID, entry.Signed(), now).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reward wallet %s minus %s: %w", userID, entry.Amount, ledger.ErrInvariantViolation)
	}
	if err != nil {
		return nil, fmt.Errorf("credit reward wallet %s: %w", userID, mapError(err))
	}

	if err := t.insertRewardEntry(ctx, userID, entry); err != nil {
		return nil, err
	}
	return loadRewardWallet(ctx, t.tx, userID)
}

func (t *pgTx) insertRewardEntry(ctx context.Context, userID string, e ledger.RewardEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO reward_wallet_entries (id, user_id, type, amount, reason, investment_id, date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, userID, string(e.Type), e.Amount, e.Reason, nullable(e.InvestmentID), e.Date)
	if err != nil {
		return fmt.Errorf("insert reward entry: %w", mapError(err))
	}
	return nil
}
