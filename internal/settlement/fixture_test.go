package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"investment-settlement/internal/ledger"
	"investment-settlement/internal/ledger/memory"
	"investment-settlement/internal/notification"
)

var day0 = time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ============================================================================
// RECORDING DISPATCHER
// ============================================================================

type recordingDispatcher struct {
	mu  sync.Mutex
	got []*notification.Notification
}

func (r *recordingDispatcher) Dispatch(n *notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingDispatcher) kinds() []notification.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification.Kind
	for _, n := range r.got {
		out = append(out, n.Kind)
	}
	return out
}

// ============================================================================
// LEDGER FIXTURE
// ============================================================================

type fixture struct {
	t     *testing.T
	store *memory.Store
	disp  *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, store: memory.New(), disp: &recordingDispatcher{}}
}

func (f *fixture) processor() *Processor {
	return NewProcessor(f.store, nil, f.disp, nil, zerolog.Nop(), &ProcessorConfig{})
}

func (f *fixture) plan(id, roi string, days int, auto bool) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.store.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.CreatePlan(ctx, &ledger.Plan{
			ID: id, Name: id, ROIPercent: dec(roi), MinAmount: dec("10"),
			DurationDays: days, AutoPayout: auto,
		})
	}))
}

// invest creates the user's wallet on first use and an active investment
// whose principal is already locked
func (f *fixture) invest(id, userID, planID, amount string, start time.Time) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.store.WithinTx(ctx, func(tx ledger.Tx) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		w, err := tx.GetWalletForUpdate(ctx, userID)
		if errors.Is(err, ledger.ErrNotFound) {
			if err := tx.CreateWallet(ctx, &ledger.Wallet{UserID: userID, Balance: dec(amount)}); err != nil {
				return err
			}
			w, err = tx.GetWalletForUpdate(ctx, userID)
		}
		if err != nil {
			return err
		}
		if w.Balance.LessThan(dec(amount)) {
			if err := w.CreditWallet(dec(amount)); err != nil {
				return err
			}
		}
		if err := w.LockPrincipal(dec(amount)); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return tx.CreateInvestment(ctx, &ledger.Investment{
			ID: id, UserID: userID, PlanID: planID, Amount: dec(amount),
			StartDate: start, EndDate: start.AddDate(0, 0, plan.DurationDays),
			Status: ledger.StatusActive, Earning: decimal.Zero,
		})
	}))
}

func (f *fixture) investment(id string) *ledger.Investment {
	f.t.Helper()
	inv, err := f.store.GetInvestment(context.Background(), id)
	require.NoError(f.t, err)
	return inv
}

func (f *fixture) wallet(userID string) *ledger.Wallet {
	f.t.Helper()
	w, err := f.store.GetWallet(context.Background(), userID)
	require.NoError(f.t, err)
	return w
}

func (f *fixture) reward(userID string) decimal.Decimal {
	f.t.Helper()
	rw, err := f.store.GetRewardWallet(context.Background(), userID)
	if errors.Is(err, ledger.ErrNotFound) {
		return decimal.Zero
	}
	require.NoError(f.t, err)
	require.True(f.t, rw.Balance.Equal(rw.LogTotal()), "reward log drift")
	return rw.Balance
}

func (f *fixture) txs(investmentID string, typ ledger.TransactionType) []*ledger.Transaction {
	f.t.Helper()
	all, err := f.store.ListTransactionsByInvestment(context.Background(), investmentID)
	require.NoError(f.t, err)
	var out []*ledger.Transaction
	for _, t := range all {
		if t.Type == typ {
			out = append(out, t)
		}
	}
	return out
}

func sum(txs []*ledger.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, t := range txs {
		total = total.Add(t.Amount)
	}
	return total
}

// requireReconciled asserts that every ledger invariant holds
func (f *fixture) requireReconciled(now time.Time) {
	f.t.Helper()
	report, err := ledger.NewReconciler(f.store, nil).ReconcileAll(context.Background(), now)
	require.NoError(f.t, err)
	require.True(f.t, report.OK(), "reconcile: %+v", report.Results)
}

// ============================================================================
// FAULT INJECTION
// ============================================================================

// faultyStore wraps a store and injects failures into units of work
type faultyStore struct {
	ledger.Store

	mu        sync.Mutex
	failNext  int   // fail this many units of work with err
	err       error // injected error
	panicOn   string
	failOn    map[string]error
	txStarted int
}

func (f *faultyStore) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	f.mu.Lock()
	f.txStarted++
	if f.failNext > 0 {
		f.failNext--
		err := f.err
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	return f.Store.WithinTx(ctx, func(tx ledger.Tx) error {
		return fn(&faultyTx{Tx: tx, store: f})
	})
}

type faultyTx struct {
	ledger.Tx
	store *faultyStore
}

func (t *faultyTx) GetInvestmentForUpdate(ctx context.Context, id string) (*ledger.Investment, error) {
	t.store.mu.Lock()
	panicOn := t.store.panicOn
	err := t.store.failOn[id]
	t.store.mu.Unlock()

	if id == panicOn {
		panic("corrupted record " + id)
	}
	if err != nil {
		return nil, err
	}
	return t.Tx.GetInvestmentForUpdate(ctx, id)
}
