package investing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investment-settlement/internal/ledger"
)

func balance(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	w, err := svc.store.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance.String()
}

// ============================================================================
// DEPOSITS
// ============================================================================

func TestDepositApproval(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	funded(t, svc, "A", "", "0")

	tr, err := svc.RequestDeposit(ctx, "A", d("250"), "addr-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPending, tr.Status)
	assert.Equal(t, "0", balance(t, svc, "A"))

	pending, err := svc.PendingTransactions(ctx, ledger.TxDeposit)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tr.ID, pending[0].ID)
	assert.Equal(t, "addr-1", pending[0].Address)

	approved, err := svc.ApproveDeposit(ctx, tr.ID, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, approved.Status)
	assert.Equal(t, "250", balance(t, svc, "A"))

	// a processed deposit cannot be approved again
	_, err = svc.ApproveDeposit(ctx, tr.ID, true)
	assert.ErrorIs(t, err, ledger.ErrNotPending)
	assert.Equal(t, "250", balance(t, svc, "A"))

	pending, err = svc.PendingTransactions(ctx, ledger.TxDeposit)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDepositRejection(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := setup(t)
	funded(t, svc, "A", "", "0")

	tr, err := svc.RequestDeposit(ctx, "A", d("250"), "")
	require.NoError(t, err)

	rejected, err := svc.ApproveDeposit(ctx, tr.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxFailed, rejected.Status)
	assert.Equal(t, "0", balance(t, svc, "A"))

	txs, err := store.ListTransactionsByUser(ctx, "A")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.TxFailed, txs[0].Status)
	assert.Equal(t, int64(1), txs[0].Version)
}

func TestDepositRequestRejects(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	funded(t, svc, "A", "", "1000")

	_, err := svc.RequestDeposit(ctx, "A", d("0"), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	_, err = svc.RequestDeposit(ctx, "nobody", d("10"), "")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = svc.ApproveDeposit(ctx, "missing", true)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	w, err := svc.RequestWithdrawal(ctx, "A", d("100"), "")
	require.NoError(t, err)
	_, err = svc.ApproveDeposit(ctx, w.ID, true)
	assert.ErrorIs(t, err, ErrWrongTransactionType)
}

// ============================================================================
// WITHDRAWALS
// ============================================================================

func TestWithdrawalRejectionRefunds(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	funded(t, svc, "A", "", "1000")

	tr, err := svc.RequestWithdrawal(ctx, "A", d("300"), "payout-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPending, tr.Status)
	assert.Equal(t, ledger.Debit, tr.TransactionType)
	// debited at request time
	assert.Equal(t, "700", balance(t, svc, "A"))

	rejected, err := svc.ResolveWithdrawal(ctx, tr.ID, false)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxFailed, rejected.Status)
	assert.Equal(t, "1000", balance(t, svc, "A"))

	// a second rejection must not refund twice
	_, err = svc.ResolveWithdrawal(ctx, tr.ID, false)
	assert.ErrorIs(t, err, ledger.ErrNotPending)
	assert.Equal(t, "1000", balance(t, svc, "A"))
}

func TestWithdrawalApproval(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)
	funded(t, svc, "A", "", "1000")

	tr, err := svc.RequestWithdrawal(ctx, "A", d("200"), "")
	require.NoError(t, err)

	pending, err := svc.PendingTransactions(ctx, ledger.TxWithdrawal)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved, err := svc.ResolveWithdrawal(ctx, tr.ID, true)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, approved.Status)
	assert.Equal(t, "800", balance(t, svc, "A"))

	_, err = svc.ResolveWithdrawal(ctx, tr.ID, false)
	assert.ErrorIs(t, err, ledger.ErrNotPending)
	assert.Equal(t, "800", balance(t, svc, "A"))
}

func TestWithdrawalRequestRejects(t *testing.T) {
	ctx := context.Background()
	svc, _, planID := setup(t)
	funded(t, svc, "A", "", "1000")

	tests := []struct {
		name    string
		amount  string
		wantErr error
	}{
		{"zero", "0", ledger.ErrInvalidInput},
		{"below minimum", "49.99", ErrBelowMinimumWithdrawal},
		{"above balance", "1000.01", ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RequestWithdrawal(ctx, "A", d(tt.amount), "")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// locked principal is not withdrawable
	_, err := svc.Subscribe(ctx, SubscribeRequest{UserID: "A", PlanID: planID, Amount: d("1000")})
	require.NoError(t, err)
	_, err = svc.RequestWithdrawal(ctx, "A", d("100"), "")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, "0", balance(t, svc, "A"))
}
