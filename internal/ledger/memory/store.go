// Package memory provides an in-memory ledger.Store for tests and
// single-process runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"investment-settlement/internal/ledger"
)

// Store is an in-memory ledger.Store. Units of work are serialized, so a
// WithinTx call observes no concurrent writer; versions are still checked so
// stale records read in an earlier unit of work are rejected.
type Store struct {
	txMu sync.Mutex   // one unit of work at a time
	mu   sync.RWMutex // guards the committed state below

	plans              map[string]*ledger.Plan
	wallets            map[string]*ledger.Wallet
	rewardWallets      map[string]*ledger.RewardWallet
	referrals          map[string]*ledger.Referral
	referralByReferred map[string]string
	investments        map[string]*ledger.Investment
	investmentOrder    []string
	transactions       []*ledger.Transaction
	referralTxs        []*ledger.ReferralTransaction
	referralTxKeys     map[ledger.CommissionKey]struct{}
	notifications      []*ledger.Notification

	now func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		plans:              make(map[string]*ledger.Plan),
		wallets:            make(map[string]*ledger.Wallet),
		rewardWallets:      make(map[string]*ledger.RewardWallet),
		referrals:          make(map[string]*ledger.Referral),
		referralByReferred: make(map[string]string),
		investments:        make(map[string]*ledger.Investment),
		referralTxKeys:     make(map[ledger.CommissionKey]struct{}),
		now:                time.Now,
	}
}

// SetClock overrides the clock used to stamp records that arrive without a
// timestamp.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// WithinTx runs fn against a staged view and commits it if fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	t := newTx(s)
	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range t.plans {
		s.plans[id] = p
	}
	for id, w := range t.wallets {
		s.wallets[id] = w
	}
	for id, rw := range t.rewardWallets {
		s.rewardWallets[id] = rw
	}
	for id, r := range t.referrals {
		s.referrals[id] = r
	}
	for referred, id := range t.referralByReferred {
		s.referralByReferred[referred] = id
	}
	for id, inv := range t.investments {
		s.investments[id] = inv
	}
	s.investmentOrder = append(s.investmentOrder, t.investmentOrder...)
	if len(t.txUpdates) > 0 {
		for i, tr := range s.transactions {
			if u, ok := t.txUpdates[tr.ID]; ok {
				s.transactions[i] = u
			}
		}
	}
	s.transactions = append(s.transactions, t.transactions...)
	s.referralTxs = append(s.referralTxs, t.referralTxs...)
	for key := range t.referralTxKeys {
		s.referralTxKeys[key] = struct{}{}
	}
}

// ============================================================================
// READS
// ============================================================================

func (s *Store) ListActiveInvestments(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.investmentOrder))
	for _, id := range s.investmentOrder {
		if s.investments[id].Status == ledger.StatusActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) ListInvestmentsByUser(ctx context.Context, userID string) ([]*ledger.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Investment
	for _, id := range s.investmentOrder {
		if inv := s.investments[id]; inv.UserID == userID {
			out = append(out, copyInvestment(inv))
		}
	}
	return out, nil
}

// GetInvestment returns a committed investment
func (s *Store) GetInvestment(ctx context.Context, id string) (*ledger.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.investments[id]
	if !ok {
		return nil, fmt.Errorf("investment %s: %w", id, ledger.ErrNotFound)
	}
	return copyInvestment(inv), nil
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID string) ([]*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Transaction
	for _, t := range s.transactions {
		if t.UserID == userID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) ListTransactionsByInvestment(ctx context.Context, investmentID string) ([]*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Transaction
	for _, t := range s.transactions {
		if t.InvestmentID == investmentID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) ListPendingTransactions(ctx context.Context, typ ledger.TransactionType) ([]*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Transaction
	for _, t := range s.transactions {
		if t.Type == typ && t.Status == ledger.TxPending {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]*ledger.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Referral
	for _, r := range s.referrals {
		if r.ReferredBy == referrerID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListReferralTransactionsByInvestment(ctx context.Context, investmentID string) ([]*ledger.ReferralTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.ReferralTransaction
	for _, rt := range s.referralTxs {
		if rt.InvestmentID == investmentID {
			c := *rt
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) ListReferralTransactionsByReferrer(ctx context.Context, referrerID string) ([]*ledger.ReferralTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.ReferralTransaction
	for _, rt := range s.referralTxs {
		if rt.ReferrerID == referrerID {
			c := *rt
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", userID, ledger.ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (s *Store) GetRewardWallet(ctx context.Context, userID string) (*ledger.RewardWallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rw, ok := s.rewardWallets[userID]
	if !ok {
		return nil, fmt.Errorf("reward wallet %s: %w", userID, ledger.ErrNotFound)
	}
	return copyRewardWallet(rw), nil
}

func (s *Store) ListWalletUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) CreateNotification(ctx context.Context, n *ledger.Notification) error {
	if n.UserID == "" {
		return fmt.Errorf("notification without user: %w", ledger.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	c := *n
	s.notifications = append(s.notifications, &c)
	return nil
}

// Notifications returns persisted notifications of a user
func (s *Store) Notifications(userID string) []*ledger.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			c := *n
			out = append(out, &c)
		}
	}
	return out
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ============================================================================
// COPY HELPERS
// ============================================================================

func copyInvestment(inv *ledger.Investment) *ledger.Investment {
	c := *inv
	return c.Normalize()
}

func copyRewardWallet(rw *ledger.RewardWallet) *ledger.RewardWallet {
	c := *rw
	c.Transactions = append([]ledger.RewardEntry(nil), rw.Transactions...)
	return &c
}
