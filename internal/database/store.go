package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"investment-settlement/internal/ledger"
)

// Store implements ledger.Store on PostgreSQL
type Store struct {
	db *DB
}

// NewStore creates a new Store
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Compile-time interface check.
var _ ledger.Store = (*Store)(nil)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithinTx runs fn in a READ COMMITTED transaction. Locked reads use
// SELECT ... FOR UPDATE and updates are conditional on version, so
// concurrent units of work on the same row serialize or fail with
// ErrConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", mapError(err))
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

// Ping checks that the database answers
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Pool.Ping(ctx); err != nil {
		if mapped := mapError(err); errors.Is(mapped, ledger.ErrStoreUnavailable) {
			return mapped
		}
		return fmt.Errorf("ping: %v: %w", err, ledger.ErrStoreUnavailable)
	}
	return nil
}

// ============================================================================
// INVESTMENTS
// ============================================================================

const investmentColumns = `id, user_id, plan_id, amount, start_date, end_date, status,
	last_payout_date, earning, version, created_at, updated_at`

func scanInvestment(row pgx.Row) (*ledger.Investment, error) {
	inv := &ledger.Investment{}
	var status string
	err := row.Scan(
		&inv.ID, &inv.UserID, &inv.PlanID, &inv.Amount, &inv.StartDate, &inv.EndDate, &status,
		&inv.LastPayoutDate, &inv.Earning, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.Status = ledger.InvestmentStatus(status)
	return inv.Normalize(), nil
}

func queryInvestments(ctx context.Context, q querier, query string, args ...any) ([]*ledger.Investment, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*ledger.Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan investment: %w", err)
		}
		out = append(out, inv)
	}
	return out, mapError(rows.Err())
}

// ListActiveInvestments returns IDs of active investments, oldest first
func (s *Store) ListActiveInvestments(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id FROM investments WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		string(ledger.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("list active investments: %w", mapError(err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan investment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

// ListInvestmentsByUser returns every investment of userID
func (s *Store) ListInvestmentsByUser(ctx context.Context, userID string) ([]*ledger.Investment, error) {
	return queryInvestments(ctx, s.db.Pool,
		`SELECT `+investmentColumns+` FROM investments WHERE user_id = $1 ORDER BY created_at ASC, id ASC`,
		userID)
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

const transactionColumns = `id, user_id, type, amount, transaction_type, status,
	COALESCE(investment_id, ''), COALESCE(address, ''), version, created_at, updated_at`

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	t := &ledger.Transaction{}
	var typ, direction, status string
	err := row.Scan(&t.ID, &t.UserID, &typ, &t.Amount, &direction, &status,
		&t.InvestmentID, &t.Address, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = ledger.TransactionType(typ)
	t.TransactionType = ledger.Direction(direction)
	t.Status = ledger.TransactionStatus(status)
	return t, nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]*ledger.Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*ledger.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, mapError(rows.Err())
}

// ListTransactionsByUser returns the user's audit trail in insertion order
func (s *Store) ListTransactionsByUser(ctx context.Context, userID string) ([]*ledger.Transaction, error) {
	return queryTransactions(ctx, s.db.Pool,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY seq ASC`, userID)
}

// ListTransactionsByInvestment returns audit records tagged with investmentID
func (s *Store) ListTransactionsByInvestment(ctx context.Context, investmentID string) ([]*ledger.Transaction, error) {
	return queryTransactions(ctx, s.db.Pool,
		`SELECT `+transactionColumns+` FROM transactions WHERE investment_id = $1 ORDER BY seq ASC`, investmentID)
}

// ListPendingTransactions returns pending transactions of one type, oldest first
func (s *Store) ListPendingTransactions(ctx context.Context, typ ledger.TransactionType) ([]*ledger.Transaction, error) {
	return queryTransactions(ctx, s.db.Pool,
		`SELECT `+transactionColumns+` FROM transactions WHERE type = $1 AND status = $2 ORDER BY seq ASC`,
		string(typ), string(ledger.TxPending))
}

// ============================================================================
// REFERRALS
// ============================================================================

const referralColumns = `id, referred_by, referred_user, is_commission_given, commission_percent, version, created_at`

func scanReferral(row pgx.Row) (*ledger.Referral, error) {
	r := &ledger.Referral{}
	if err := row.Scan(&r.ID, &r.ReferredBy, &r.ReferredUser, &r.IsCommissionGiven,
		&r.CommissionPercent, &r.Version, &r.CreatedAt); err != nil {
		return nil, err
	}
	return r, nil
}

// ListReferralsByReferrer returns the direct downline of referrerID
func (s *Store) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]*ledger.Referral, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE referred_by = $1 ORDER BY created_at ASC, id ASC`,
		referrerID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*ledger.Referral
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		out = append(out, r)
	}
	return out, mapError(rows.Err())
}

const referralTxColumns = `id, referrer_id, referred_user_id, investment_id, amount, level, created_at`

func scanReferralTx(row pgx.Row) (*ledger.ReferralTransaction, error) {
	rt := &ledger.ReferralTransaction{}
	if err := row.Scan(&rt.ID, &rt.ReferrerID, &rt.ReferredUserID, &rt.InvestmentID,
		&rt.Amount, &rt.Level, &rt.CreatedAt); err != nil {
		return nil, err
	}
	return rt, nil
}

func (s *Store) queryReferralTxs(ctx context.Context, query string, args ...any) ([]*ledger.ReferralTransaction, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*ledger.ReferralTransaction
	for rows.Next() {
		rt, err := scanReferralTx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan referral transaction: %w", err)
		}
		out = append(out, rt)
	}
	return out, mapError(rows.Err())
}

// ListReferralTransactionsByInvestment returns payouts caused by investmentID
func (s *Store) ListReferralTransactionsByInvestment(ctx context.Context, investmentID string) ([]*ledger.ReferralTransaction, error) {
	return s.queryReferralTxs(ctx,
		`SELECT `+referralTxColumns+` FROM referral_transactions WHERE investment_id = $1 ORDER BY level ASC`,
		investmentID)
}

// ListReferralTransactionsByReferrer returns commissions earned by referrerID
func (s *Store) ListReferralTransactionsByReferrer(ctx context.Context, referrerID string) ([]*ledger.ReferralTransaction, error) {
	return s.queryReferralTxs(ctx,
		`SELECT `+referralTxColumns+` FROM referral_transactions WHERE referrer_id = $1 ORDER BY created_at ASC, id ASC`,
		referrerID)
}

// ============================================================================
// WALLETS
// ============================================================================

func scanWallet(row pgx.Row) (*ledger.Wallet, error) {
	w := &ledger.Wallet{}
	if err := row.Scan(&w.UserID, &w.Balance, &w.LockedBalance, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return w, nil
}

// GetWallet returns the committed wallet of userID
func (s *Store) GetWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	w, err := scanWallet(s.db.Pool.QueryRow(ctx,
		`SELECT user_id, balance, locked_balance, version, created_at, updated_at FROM wallets WHERE user_id = $1`,
		userID))
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", userID, mapError(err))
	}
	return w, nil
}

// GetRewardWallet returns the reward wallet of userID with its full log
func (s *Store) GetRewardWallet(ctx context.Context, userID string) (*ledger.RewardWallet, error) {
	return loadRewardWallet(ctx, s.db.Pool, userID)
}

func loadRewardWallet(ctx context.Context, q querier, userID string) (*ledger.RewardWallet, error) {
	rw := &ledger.RewardWallet{UserID: userID}
	err := q.QueryRow(ctx,
		`SELECT balance, version, created_at, updated_at FROM reward_wallets WHERE user_id = $1`,
		userID).Scan(&rw.Balance, &rw.Version, &rw.CreatedAt, &rw.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reward wallet %s: %w", userID, mapError(err))
	}

	rows, err := q.Query(ctx,
		`SELECT id, type, amount, reason, COALESCE(investment_id, ''), date
		 FROM reward_wallet_entries WHERE user_id = $1 ORDER BY seq ASC`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	rw.Transactions = []ledger.RewardEntry{}
	for rows.Next() {
		var e ledger.RewardEntry
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Amount, &e.Reason, &e.InvestmentID, &e.Date); err != nil {
			return nil, fmt.Errorf("scan reward entry: %w", err)
		}
		e.Type = ledger.Direction(typ)
		rw.Transactions = append(rw.Transactions, e)
	}
	return rw, mapError(rows.Err())
}

// ListWalletUserIDs returns every wallet owner
func (s *Store) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT user_id FROM wallets ORDER BY user_id ASC`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err())
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// CreateNotification persists a notification on its own connection
func (s *Store) CreateNotification(ctx context.Context, n *ledger.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, kind, message, created_at) VALUES ($1, $2, $3, $4, $5)`,
		n.ID, n.UserID, n.Kind, n.Message, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", mapError(err))
	}
	return nil
}
