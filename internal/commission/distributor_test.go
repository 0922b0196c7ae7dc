package commission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investment-settlement/internal/ledger"
	"investment-settlement/internal/ledger/memory"
	"investment-settlement/internal/notification"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu  sync.Mutex
	got []*notification.Notification
}

func (r *recordingDispatcher) Dispatch(n *notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingDispatcher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// link creates referral edges child -> parent (child was referred by parent)
func link(t *testing.T, store *memory.Store, edges ...[2]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WithinTx(ctx, func(tx ledger.Tx) error {
		for i, e := range edges {
			if err := tx.CreateReferral(ctx, &ledger.Referral{
				ReferredUser: e[0],
				ReferredBy:   e[1],
				CreatedAt:    testNow.Add(time.Duration(i) * time.Minute),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func newDistributor(store ledger.Store, disp notification.Dispatcher) *Distributor {
	d := NewDistributor(store, Config{}, disp, nil, zerolog.Nop())
	d.SetClock(func() time.Time { return testNow })
	return d
}

func rewardBalance(t *testing.T, store *memory.Store, userID string) decimal.Decimal {
	t.Helper()
	rw, err := store.GetRewardWallet(context.Background(), userID)
	if err != nil {
		return decimal.Zero
	}
	require.True(t, rw.Balance.Equal(rw.LogTotal()), "reward log drift for %s", userID)
	return rw.Balance
}

// ============================================================================
// CASCADE
// ============================================================================

func TestThreeLevelCommission(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	// A was referred by B, B by C, C by D
	link(t, store, [2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "D"})
	disp := &recordingDispatcher{}

	result, err := newDistributor(store, disp).Distribute(ctx, "A", "inv-1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	require.Len(t, result.Payouts, 3)
	assert.Equal(t, StopMaxDepth, result.StopReason)
	assert.True(t, rewardBalance(t, store, "B").Equal(decimal.NewFromInt(100)))
	assert.True(t, rewardBalance(t, store, "C").Equal(decimal.NewFromInt(50)))
	assert.True(t, rewardBalance(t, store, "D").Equal(decimal.NewFromInt(30)))
	assert.True(t, result.Total().Equal(decimal.NewFromInt(180)))
	assert.Equal(t, 3, disp.count())

	rts, err := store.ListReferralTransactionsByInvestment(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, rts, 3)

	txs, err := store.ListTransactionsByUser(ctx, "B")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxBonus, txs[0].Type)
	assert.Equal(t, ledger.TxCompleted, txs[0].Status)

	rw, err := store.GetRewardWallet(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, "Referral Level 2 commission", rw.Transactions[0].Reason)

	// only the direct edge is flagged
	require.NoError(t, store.WithinTx(ctx, func(tx ledger.Tx) error {
		direct, err := tx.GetReferralByReferredUser(ctx, "A")
		require.NoError(t, err)
		assert.True(t, direct.IsCommissionGiven)
		upper, err := tx.GetReferralByReferredUser(ctx, "B")
		require.NoError(t, err)
		assert.False(t, upper.IsCommissionGiven)
		return nil
	}))
}

func TestDistributeTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	link(t, store, [2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "D"})
	d := newDistributor(store, nil)

	_, err := d.Distribute(ctx, "A", "inv-1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	again, err := d.Distribute(ctx, "A", "inv-1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Empty(t, again.Payouts)
	assert.Len(t, again.Skipped, 3)

	assert.True(t, rewardBalance(t, store, "B").Equal(decimal.NewFromInt(100)))
	rts, err := store.ListReferralTransactionsByInvestment(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, rts, 3)

	// a new investment is a fresh cascade
	next, err := d.Distribute(ctx, "A", "inv-2", decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.Len(t, next.Payouts, 3)
	assert.True(t, rewardBalance(t, store, "B").Equal(decimal.NewFromInt(150)))
}

func TestConcurrentDistributePaysOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	link(t, store, [2]string{"A", "B"}, [2]string{"B", "C"}, [2]string{"C", "D"})
	d := newDistributor(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Distribute(ctx, "A", "inv-1", decimal.NewFromInt(1000))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rts, err := store.ListReferralTransactionsByInvestment(ctx, "inv-1")
	require.NoError(t, err)
	assert.Len(t, rts, 3)
	assert.True(t, rewardBalance(t, store, "B").Equal(decimal.NewFromInt(100)))
	assert.True(t, rewardBalance(t, store, "D").Equal(decimal.NewFromInt(30)))
}

func TestShortChainStops(t *testing.T) {
	store := memory.New()
	link(t, store, [2]string{"A", "B"})

	result, err := newDistributor(store, nil).Distribute(context.Background(), "A", "inv-1", decimal.NewFromInt(200))
	require.NoError(t, err)
	require.Len(t, result.Payouts, 1)
	assert.True(t, result.Payouts[0].Amount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, StopChainExhausted, result.StopReason)
}

func TestNoReferrer(t *testing.T) {
	result, err := newDistributor(memory.New(), nil).Distribute(context.Background(), "A", "inv-1", decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.Empty(t, result.Payouts)
	assert.Equal(t, StopChainExhausted, result.StopReason)
}

// ============================================================================
// CYCLES
// ============================================================================

// The visited set starts with the investor, so a walk that climbs back to
// the investor stops there. In A<-B<-A the investor is never paid at level 2.
func TestCycleTermination(t *testing.T) {
	tests := []struct {
		name     string
		edges    [][2]string
		investor string
		wantPaid []string
		wantStop string
	}{
		{
			name:     "two-cycle through investor",
			edges:    [][2]string{{"A", "B"}, {"B", "A"}},
			investor: "A",
			wantPaid: []string{"B"},
			wantStop: StopCycle,
		},
		{
			name:     "three-cycle through investor",
			edges:    [][2]string{{"A", "B"}, {"B", "C"}, {"C", "A"}},
			investor: "A",
			wantPaid: []string{"B", "C"},
			wantStop: StopCycle,
		},
		{
			name:     "cycle above investor",
			edges:    [][2]string{{"X", "A"}, {"A", "B"}, {"B", "A"}},
			investor: "X",
			wantPaid: []string{"A", "B"},
			wantStop: StopCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			link(t, store, tt.edges...)

			result, err := newDistributor(store, nil).Distribute(context.Background(), tt.investor, "inv-1", decimal.NewFromInt(1000))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStop, result.StopReason)

			var paid []string
			seen := map[string]bool{}
			for _, p := range result.Payouts {
				assert.False(t, seen[p.ReferrerID], "referrer %s paid twice", p.ReferrerID)
				seen[p.ReferrerID] = true
				paid = append(paid, p.ReferrerID)
			}
			assert.Equal(t, tt.wantPaid, paid)
			assert.NotContains(t, paid, tt.investor, "investor paid on own investment")
			assert.True(t, rewardBalance(t, store, tt.investor).IsZero())
		})
	}
}

func TestCustomLevels(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	link(t, store, [2]string{"A", "B"}, [2]string{"B", "C"})

	assert.Len(t, newDistributor(store, nil).Levels(), 3)

	d := NewDistributor(store, Config{Levels: []decimal.Decimal{decimal.NewFromInt(20)}}, nil, nil, zerolog.Nop())
	d.SetClock(func() time.Time { return testNow })
	require.Len(t, d.Levels(), 1)

	result, err := d.Distribute(ctx, "A", "inv-1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	require.Len(t, result.Payouts, 1)
	assert.Equal(t, StopMaxDepth, result.StopReason)
	assert.True(t, rewardBalance(t, store, "B").Equal(decimal.NewFromInt(200)))
	assert.True(t, rewardBalance(t, store, "C").IsZero())
}

func TestInvalidInput(t *testing.T) {
	d := newDistributor(memory.New(), nil)
	_, err := d.Distribute(context.Background(), "A", "inv-1", decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = d.Distribute(context.Background(), "", "inv-1", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// ============================================================================
// TREE
// ============================================================================

func TestTree(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	link(t, store,
		[2]string{"C", "D"},
		[2]string{"B", "C"},
		[2]string{"A", "B"},
		[2]string{"E", "D"},
		[2]string{"Z", "A"}, // fourth level below D, not listed
	)
	d := newDistributor(store, nil)
	_, err := d.Distribute(ctx, "A", "inv-1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	nodes, err := d.Tree(ctx, "D")
	require.NoError(t, err)

	var ids []string
	byID := map[string]TreeNode{}
	for _, n := range nodes {
		ids = append(ids, n.UserID)
		byID[n.UserID] = n
	}
	assert.Equal(t, []string{"C", "B", "A", "E"}, ids)
	assert.Equal(t, 3, byID["A"].Level)
	assert.Equal(t, "B", byID["A"].ReferredBy)
	assert.True(t, byID["A"].CommissionEarned.Equal(decimal.NewFromInt(30)))
	assert.True(t, byID["C"].CommissionEarned.IsZero())
}
