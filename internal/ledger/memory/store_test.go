package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investment-settlement/internal/ledger"
)

func seedWallet(t *testing.T, s *Store, userID string, balance string) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx ledger.Tx) error {
		return tx.CreateWallet(context.Background(), &ledger.Wallet{
			UserID:  userID,
			Balance: decimal.RequireFromString(balance),
		})
	})
	require.NoError(t, err)
}

func TestWithinTxRollback(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedWallet(t, s, "u1", "100")

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, "u1")
		require.NoError(t, err)
		require.NoError(t, w.CreditWallet(decimal.NewFromInt(50)))
		require.NoError(t, tx.UpdateWallet(ctx, w))
		require.NoError(t, tx.CreateTransaction(ctx, &ledger.Transaction{
			UserID: "u1", Type: ledger.TxDeposit, Amount: decimal.NewFromInt(50),
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(100)))
	txs, err := s.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestWithinTxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.CreateWallet(ctx, &ledger.Wallet{UserID: "u1", Balance: decimal.NewFromInt(10)}))
		w, err := tx.GetWalletForUpdate(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(10)))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedWallet(t, s, "u1", "100")

	stale, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)

	// first writer wins
	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, "u1")
		if err != nil {
			return err
		}
		if err := w.CreditWallet(decimal.NewFromInt(1)); err != nil {
			return err
		}
		return tx.UpdateWallet(ctx, w)
	}))

	err = s.WithinTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, stale.CreditWallet(decimal.NewFromInt(5)))
		return tx.UpdateWallet(ctx, stale)
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	w, err := s.GetWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, int64(1), w.Version)
}

func TestTransactionStatusVersionGuard(t *testing.T) {
	ctx := context.Background()
	s := New()

	pending := &ledger.Transaction{
		UserID: "u1", Type: ledger.TxWithdrawal, Amount: decimal.NewFromInt(60),
		TransactionType: ledger.Debit, Status: ledger.TxPending,
	}
	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.CreateTransaction(ctx, pending)
	}))
	stale := *pending

	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		tr, err := tx.GetTransactionForUpdate(ctx, pending.ID)
		if err != nil {
			return err
		}
		if err := tr.Resolve(ledger.TxCompleted); err != nil {
			return err
		}
		return tx.UpdateTransactionStatus(ctx, tr)
	}))

	// a resolver holding the version it read earlier loses
	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, stale.Resolve(ledger.TxFailed))
		return tx.UpdateTransactionStatus(ctx, &stale)
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	txs, err := s.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxCompleted, txs[0].Status)
	assert.Equal(t, int64(1), txs[0].Version)

	pendingList, err := s.ListPendingTransactions(ctx, ledger.TxWithdrawal)
	require.NoError(t, err)
	assert.Empty(t, pendingList)
}

func TestTransactionStatusWithinCreatingTx(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		tr := &ledger.Transaction{UserID: "u1", Type: ledger.TxDeposit, Amount: decimal.NewFromInt(5),
			TransactionType: ledger.Credit, Status: ledger.TxPending}
		require.NoError(t, tx.CreateTransaction(ctx, tr))
		require.NoError(t, tr.Resolve(ledger.TxFailed))
		return tx.UpdateTransactionStatus(ctx, tr)
	}))

	txs, err := s.ListTransactionsByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxFailed, txs[0].Status)
}

func TestReferralTransactionUniqueKey(t *testing.T) {
	ctx := context.Background()
	s := New()

	rt := func() *ledger.ReferralTransaction {
		return &ledger.ReferralTransaction{
			ReferrerID: "b", ReferredUserID: "a", InvestmentID: "inv1",
			Amount: decimal.NewFromInt(100), Level: 1,
		}
	}

	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.CreateReferralTransaction(ctx, rt())
	}))

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.CreateReferralTransaction(ctx, rt())
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)

	// same tuple at a different level is a different payout
	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		r := rt()
		r.Level = 2
		return tx.CreateReferralTransaction(ctx, r)
	}))

	list, err := s.ListReferralTransactionsByInvestment(ctx, "inv1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestAppendRewardEntry(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		rw, err := tx.AppendRewardEntry(ctx, "u1", ledger.RewardEntry{
			Type: ledger.Credit, Amount: decimal.NewFromInt(30), Reason: "Daily investment reward",
		})
		if err != nil {
			return err
		}
		assert.True(t, rw.Balance.Equal(decimal.NewFromInt(30)))
		return nil
	}))

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.AppendRewardEntry(ctx, "u1", ledger.RewardEntry{
			Type: ledger.Debit, Amount: decimal.NewFromInt(31),
		})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	rw, err := s.GetRewardWallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rw.Balance.Equal(rw.LogTotal()))
	assert.Len(t, rw.Transactions, 1)
}

func TestConcurrentRewardCredits(t *testing.T) {
	ctx := context.Background()
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(tx ledger.Tx) error {
				_, err := tx.AppendRewardEntry(ctx, "ref", ledger.RewardEntry{
					Type: ledger.Credit, Amount: decimal.NewFromInt(2),
				})
				return err
			})
		}()
	}
	wg.Wait()

	rw, err := s.GetRewardWallet(ctx, "ref")
	require.NoError(t, err)
	assert.True(t, rw.Balance.Equal(decimal.NewFromInt(100)), "balance %s", rw.Balance)
	assert.Len(t, rw.Transactions, 50)
}

func TestListActiveInvestments(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		for _, id := range []string{"i1", "i2", "i3"} {
			if err := tx.CreateInvestment(ctx, &ledger.Investment{
				ID: id, UserID: "u1", PlanID: "p1", Amount: decimal.NewFromInt(10),
				StartDate: start, EndDate: start.Add(10 * ledger.Day), Status: ledger.StatusActive,
			}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.WithinTx(ctx, func(tx ledger.Tx) error {
		inv, err := tx.GetInvestmentForUpdate(ctx, "i2")
		if err != nil {
			return err
		}
		assert.Equal(t, start, inv.LastPayoutDate)
		inv.Status = ledger.StatusCancelled
		return tx.UpdateInvestment(ctx, inv)
	}))

	ids, err := s.ListActiveInvestments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i3"}, ids)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := New().WithinTx(ctx, func(tx ledger.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
