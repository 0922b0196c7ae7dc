package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"investment-settlement/internal/ledger"
)

// tx stages writes on top of the committed state
type tx struct {
	s *Store

	plans              map[string]*ledger.Plan
	wallets            map[string]*ledger.Wallet
	rewardWallets      map[string]*ledger.RewardWallet
	referrals          map[string]*ledger.Referral
	referralByReferred map[string]string
	investments        map[string]*ledger.Investment
	investmentOrder    []string
	transactions       []*ledger.Transaction
	txUpdates          map[string]*ledger.Transaction // committed transactions changed in this unit of work
	referralTxs        []*ledger.ReferralTransaction
	referralTxKeys     map[ledger.CommissionKey]struct{}
}

var _ ledger.Tx = (*tx)(nil)

func newTx(s *Store) *tx {
	return &tx{
		s:                  s,
		plans:              make(map[string]*ledger.Plan),
		wallets:            make(map[string]*ledger.Wallet),
		rewardWallets:      make(map[string]*ledger.RewardWallet),
		referrals:          make(map[string]*ledger.Referral),
		referralByReferred: make(map[string]string),
		investments:        make(map[string]*ledger.Investment),
		txUpdates:          make(map[string]*ledger.Transaction),
		referralTxKeys:     make(map[ledger.CommissionKey]struct{}),
	}
}

// ============================================================================
// LOOKUPS (staged first, then committed)
// ============================================================================

func (t *tx) plan(id string) *ledger.Plan {
	if p, ok := t.plans[id]; ok {
		return p
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.plans[id]
}

func (t *tx) wallet(userID string) *ledger.Wallet {
	if w, ok := t.wallets[userID]; ok {
		return w
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.wallets[userID]
}

func (t *tx) rewardWallet(userID string) *ledger.RewardWallet {
	if rw, ok := t.rewardWallets[userID]; ok {
		return rw
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.rewardWallets[userID]
}

func (t *tx) referral(id string) *ledger.Referral {
	if r, ok := t.referrals[id]; ok {
		return r
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.referrals[id]
}

func (t *tx) referralIDFor(referredUser string) (string, bool) {
	if id, ok := t.referralByReferred[referredUser]; ok {
		return id, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.referralByReferred[referredUser]
	return id, ok
}

func (t *tx) investment(id string) *ledger.Investment {
	if inv, ok := t.investments[id]; ok {
		return inv
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.investments[id]
}

// transaction returns the staged record, or a committed one, and whether
// it was created in this unit of work
func (t *tx) transaction(id string) (*ledger.Transaction, bool) {
	for _, tr := range t.transactions {
		if tr.ID == id {
			return tr, true
		}
	}
	if tr, ok := t.txUpdates[id]; ok {
		return tr, false
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, tr := range t.s.transactions {
		if tr.ID == id {
			return tr, false
		}
	}
	return nil, false
}

func (t *tx) hasCommission(key ledger.CommissionKey) bool {
	if _, ok := t.referralTxKeys[key]; ok {
		return true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.referralTxKeys[key]
	return ok
}

// ============================================================================
// READS
// ============================================================================

func (t *tx) GetInvestmentForUpdate(ctx context.Context, id string) (*ledger.Investment, error) {
	inv := t.investment(id)
	if inv == nil {
		return nil, fmt.Errorf("investment %s: %w", id, ledger.ErrNotFound)
	}
	return copyInvestment(inv), nil
}

func (t *tx) GetWalletForUpdate(ctx context.Context, userID string) (*ledger.Wallet, error) {
	w := t.wallet(userID)
	if w == nil {
		return nil, fmt.Errorf("wallet %s: %w", userID, ledger.ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (t *tx) GetTransactionForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	tr, _ := t.transaction(id)
	if tr == nil {
		return nil, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	c := *tr
	return &c, nil
}

func (t *tx) GetPlan(ctx context.Context, id string) (*ledger.Plan, error) {
	p := t.plan(id)
	if p == nil {
		return nil, fmt.Errorf("plan %s: %w", id, ledger.ErrNotFound)
	}
	c := *p
	return &c, nil
}

func (t *tx) GetReferralByReferredUser(ctx context.Context, userID string) (*ledger.Referral, error) {
	id, ok := t.referralIDFor(userID)
	if !ok {
		return nil, fmt.Errorf("referral of %s: %w", userID, ledger.ErrNotFound)
	}
	c := *t.referral(id)
	return &c, nil
}

func (t *tx) FindReferralTransaction(ctx context.Context, key ledger.CommissionKey) (*ledger.ReferralTransaction, error) {
	for _, rt := range t.referralTxs {
		if rt.Key() == key {
			c := *rt
			return &c, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if _, ok := t.s.referralTxKeys[key]; ok {
		for _, rt := range t.s.referralTxs {
			if rt.Key() == key {
				c := *rt
				return &c, nil
			}
		}
	}
	return nil, fmt.Errorf("referral transaction %+v: %w", key, ledger.ErrNotFound)
}

func (t *tx) HasInvestments(ctx context.Context, userID string) (bool, error) {
	for _, inv := range t.investments {
		if inv.UserID == userID {
			return true, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, inv := range t.s.investments {
		if inv.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// ============================================================================
// CREATES
// ============================================================================

func (t *tx) CreatePlan(ctx context.Context, p *ledger.Plan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.DurationDays <= 0 || p.ROIPercent.IsNegative() {
		return fmt.Errorf("plan %s: %w", p.ID, ledger.ErrInvalidInput)
	}
	if t.plan(p.ID) != nil {
		return fmt.Errorf("plan %s: %w", p.ID, ledger.ErrDuplicateKey)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.s.now()
	}
	c := *p
	t.plans[p.ID] = &c
	return nil
}

func (t *tx) CreateWallet(ctx context.Context, w *ledger.Wallet) error {
	if w.UserID == "" {
		return fmt.Errorf("wallet without user: %w", ledger.ErrInvalidInput)
	}
	if t.wallet(w.UserID) != nil {
		return fmt.Errorf("wallet %s: %w", w.UserID, ledger.ErrDuplicateKey)
	}
	now := t.s.now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	c := *w
	t.wallets[w.UserID] = &c
	return nil
}

func (t *tx) CreateRewardWallet(ctx context.Context, rw *ledger.RewardWallet) error {
	if rw.UserID == "" {
		return fmt.Errorf("reward wallet without user: %w", ledger.ErrInvalidInput)
	}
	if t.rewardWallet(rw.UserID) != nil {
		return fmt.Errorf("reward wallet %s: %w", rw.UserID, ledger.ErrDuplicateKey)
	}
	now := t.s.now()
	if rw.CreatedAt.IsZero() {
		rw.CreatedAt = now
	}
	rw.UpdatedAt = now
	t.rewardWallets[rw.UserID] = copyRewardWallet(rw)
	return nil
}

func (t *tx) CreateReferral(ctx context.Context, r *ledger.Referral) error {
	if r.ReferredBy == "" || r.ReferredUser == "" {
		return fmt.Errorf("referral: %w", ledger.ErrInvalidInput)
	}
	if _, exists := t.referralIDFor(r.ReferredUser); exists {
		return fmt.Errorf("referral of %s: %w", r.ReferredUser, ledger.ErrDuplicateKey)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t.s.now()
	}
	c := *r
	t.referrals[r.ID] = &c
	t.referralByReferred[r.ReferredUser] = r.ID
	return nil
}

func (t *tx) CreateInvestment(ctx context.Context, inv *ledger.Investment) error {
	if inv.UserID == "" || inv.PlanID == "" || !inv.Amount.IsPositive() {
		return fmt.Errorf("investment: %w", ledger.ErrInvalidInput)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if t.investment(inv.ID) != nil {
		return fmt.Errorf("investment %s: %w", inv.ID, ledger.ErrDuplicateKey)
	}
	now := t.s.now()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now
	inv.Normalize()
	c := *inv
	t.investments[inv.ID] = &c
	t.investmentOrder = append(t.investmentOrder, inv.ID)
	return nil
}

func (t *tx) CreateTransaction(ctx context.Context, tr *ledger.Transaction) error {
	if tr.UserID == "" || tr.Type == "" || tr.Amount.IsNegative() {
		return fmt.Errorf("transaction: %w", ledger.ErrInvalidInput)
	}
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.s.now()
	}
	tr.UpdatedAt = tr.CreatedAt
	c := *tr
	t.transactions = append(t.transactions, &c)
	return nil
}

func (t *tx) CreateReferralTransaction(ctx context.Context, rt *ledger.ReferralTransaction) error {
	if rt.ReferrerID == "" || rt.ReferredUserID == "" || rt.InvestmentID == "" || rt.Level < 1 {
		return fmt.Errorf("referral transaction: %w", ledger.ErrInvalidInput)
	}
	key := rt.Key()
	if t.hasCommission(key) {
		return fmt.Errorf("referral transaction %+v: %w", key, ledger.ErrDuplicateKey)
	}
	if rt.ID == "" {
		rt.ID = uuid.NewString()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = t.s.now()
	}
	c := *rt
	t.referralTxs = append(t.referralTxs, &c)
	t.referralTxKeys[key] = struct{}{}
	return nil
}

// ============================================================================
// CONDITIONAL UPDATES
// ============================================================================

func (t *tx) UpdateInvestment(ctx context.Context, inv *ledger.Investment) error {
	cur := t.investment(inv.ID)
	if cur == nil {
		return fmt.Errorf("investment %s: %w", inv.ID, ledger.ErrNotFound)
	}
	if cur.Version != inv.Version {
		return fmt.Errorf("investment %s at version %d, have %d: %w",
			inv.ID, cur.Version, inv.Version, ledger.ErrConflict)
	}
	inv.Version++
	inv.UpdatedAt = t.s.now()
	c := *inv
	t.investments[inv.ID] = &c
	return nil
}

func (t *tx) UpdateWallet(ctx context.Context, w *ledger.Wallet) error {
	cur := t.wallet(w.UserID)
	if cur == nil {
		return fmt.Errorf("wallet %s: %w", w.UserID, ledger.ErrNotFound)
	}
	if cur.Version != w.Version {
		return fmt.Errorf("wallet %s at version %d, have %d: %w",
			w.UserID, cur.Version, w.Version, ledger.ErrConflict)
	}
	if w.Balance.IsNegative() || w.LockedBalance.IsNegative() {
		return fmt.Errorf("wallet %s: %w", w.UserID, ledger.ErrInvariantViolation)
	}
	w.Version++
	w.UpdatedAt = t.s.now()
	c := *w
	t.wallets[w.UserID] = &c
	return nil
}

func (t *tx) UpdateTransactionStatus(ctx context.Context, tr *ledger.Transaction) error {
	cur, staged := t.transaction(tr.ID)
	if cur == nil {
		return fmt.Errorf("transaction %s: %w", tr.ID, ledger.ErrNotFound)
	}
	if cur.Version != tr.Version {
		return fmt.Errorf("transaction %s at version %d, have %d: %w",
			tr.ID, cur.Version, tr.Version, ledger.ErrConflict)
	}
	tr.Version++
	tr.UpdatedAt = t.s.now()

	c := *cur
	c.Status = tr.Status
	c.Version = tr.Version
	c.UpdatedAt = tr.UpdatedAt
	if staged {
		*cur = c
		return nil
	}
	t.txUpdates[tr.ID] = &c
	return nil
}

func (t *tx) MarkCommissionGiven(ctx context.Context, referralID string) error {
	r := t.referral(referralID)
	if r == nil {
		return fmt.Errorf("referral %s: %w", referralID, ledger.ErrNotFound)
	}
	if r.IsCommissionGiven {
		return nil
	}
	c := *r
	c.IsCommissionGiven = true
	c.Version++
	t.referrals[referralID] = &c
	return nil
}

func (t *tx) AppendRewardEntry(ctx context.Context, userID string, entry ledger.RewardEntry) (*ledger.RewardWallet, error) {
	if !entry.Amount.IsPositive() {
		return nil, fmt.Errorf("reward entry amount %s: %w", entry.Amount, ledger.ErrInvalidInput)
	}

	now := t.s.now()
	var rw *ledger.RewardWallet
	if cur := t.rewardWallet(userID); cur != nil {
		rw = copyRewardWallet(cur)
	} else {
		rw = &ledger.RewardWallet{UserID: userID, Balance: decimal.Zero, CreatedAt: now}
	}

	next := rw.Balance.Add(entry.Signed())
	if next.IsNegative() {
		return nil, fmt.Errorf("reward wallet %s balance %s minus %s: %w",
			userID, rw.Balance, entry.Amount, ledger.ErrInvariantViolation)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Date.IsZero() {
		entry.Date = now
	}
	rw.Balance = next
	rw.Transactions = append(rw.Transactions, entry)
	rw.Version++
	rw.UpdatedAt = now
	t.rewardWallets[userID] = rw
	return copyRewardWallet(rw), nil
}
