package investing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"investment-settlement/internal/ledger"
	"investment-settlement/internal/notification"
)

var (
	ErrBelowMinimumWithdrawal = errors.New("amount less than minimum withdrawal")
	ErrWrongTransactionType   = errors.New("transaction has the wrong type")
)

// MinWithdrawal is the smallest amount a withdrawal may request
var MinWithdrawal = decimal.NewFromInt(50)

// RequestDeposit records a pending deposit. The balance is credited only
// when the deposit is approved.
func (s *Service) RequestDeposit(ctx context.Context, userID string, amount decimal.Decimal, address string) (*ledger.Transaction, error) {
	if userID == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("deposit %s for %q: %w", amount, userID, ledger.ErrInvalidInput)
	}

	tr := &ledger.Transaction{
		UserID:          userID,
		Type:            ledger.TxDeposit,
		Amount:          ledger.RoundMoney(amount),
		TransactionType: ledger.Credit,
		Status:          ledger.TxPending,
		Address:         address,
		CreatedAt:       s.now(),
	}
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.GetWalletForUpdate(ctx, userID); err != nil {
			return fmt.Errorf("wallet %s: %w", userID, err)
		}
		return tx.CreateTransaction(ctx, tr)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("transaction_id", tr.ID).
		Str("amount", tr.Amount.String()).
		Msg("Deposit requested")
	return tr, nil
}

// ApproveDeposit resolves a pending deposit. An approved deposit credits
// the wallet in the same unit of work; a rejected one only fails the record.
func (s *Service) ApproveDeposit(ctx context.Context, transactionID string, approve bool) (*ledger.Transaction, error) {
	var resolved *ledger.Transaction
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		tr, err := s.resolve(ctx, tx, transactionID, ledger.TxDeposit, approve)
		if err != nil {
			return err
		}
		if approve {
			w, err := tx.GetWalletForUpdate(ctx, tr.UserID)
			if err != nil {
				return fmt.Errorf("wallet %s: %w", tr.UserID, err)
			}
			if err := w.CreditWallet(tr.Amount); err != nil {
				return err
			}
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
		}
		resolved = tr
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyResolved(resolved, notification.KindDeposit, "Deposit")
	return resolved, nil
}

// RequestWithdrawal debits the spendable balance and records a pending
// withdrawal. Locked principal is never withdrawable.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, address string) (*ledger.Transaction, error) {
	if userID == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("withdrawal %s for %q: %w", amount, userID, ledger.ErrInvalidInput)
	}
	amount = ledger.RoundMoney(amount)
	if amount.LessThan(MinWithdrawal) {
		return nil, fmt.Errorf("%s below %s: %w", amount, MinWithdrawal, ErrBelowMinimumWithdrawal)
	}

	tr := &ledger.Transaction{
		UserID:          userID,
		Type:            ledger.TxWithdrawal,
		Amount:          amount,
		TransactionType: ledger.Debit,
		Status:          ledger.TxPending,
		Address:         address,
		CreatedAt:       s.now(),
	}
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", userID, err)
		}
		if w.Balance.LessThan(amount) {
			return fmt.Errorf("balance %s, need %s: %w", w.Balance, amount, ErrInsufficientBalance)
		}
		if err := w.DebitWallet(amount); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, tr)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("transaction_id", tr.ID).
		Str("amount", amount.String()).
		Msg("Withdrawal requested")
	return tr, nil
}

// ResolveWithdrawal completes or rejects a pending withdrawal. The amount
// was debited at request time, so only a rejection touches the wallet: it
// refunds the amount.
func (s *Service) ResolveWithdrawal(ctx context.Context, transactionID string, approve bool) (*ledger.Transaction, error) {
	var resolved *ledger.Transaction
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		tr, err := s.resolve(ctx, tx, transactionID, ledger.TxWithdrawal, approve)
		if err != nil {
			return err
		}
		if !approve {
			w, err := tx.GetWalletForUpdate(ctx, tr.UserID)
			if err != nil {
				return fmt.Errorf("wallet %s: %w", tr.UserID, err)
			}
			if err := w.CreditWallet(tr.Amount); err != nil {
				return err
			}
			if err := tx.UpdateWallet(ctx, w); err != nil {
				return err
			}
		}
		resolved = tr
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifyResolved(resolved, notification.KindWithdrawal, "Withdrawal")
	return resolved, nil
}

// PendingTransactions lists deposits or withdrawals awaiting approval
func (s *Service) PendingTransactions(ctx context.Context, typ ledger.TransactionType) ([]*ledger.Transaction, error) {
	return s.store.ListPendingTransactions(ctx, typ)
}

// resolve moves a pending transaction of type typ to completed or failed
func (s *Service) resolve(ctx context.Context, tx ledger.Tx, id string, typ ledger.TransactionType,
	approve bool) (*ledger.Transaction, error) {
	tr, err := tx.GetTransactionForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if tr.Type != typ {
		return nil, fmt.Errorf("transaction %s is %s, not %s: %w", id, tr.Type, typ, ErrWrongTransactionType)
	}

	status := ledger.TxCompleted
	if !approve {
		status = ledger.TxFailed
	}
	if err := tr.Resolve(status); err != nil {
		return nil, err
	}
	if err := tx.UpdateTransactionStatus(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

func (s *Service) notifyResolved(tr *ledger.Transaction, kind notification.Kind, label string) {
	verb := "approved"
	if tr.Status == ledger.TxFailed {
		verb = "rejected"
	}

	s.logger.Info().
		Str("user_id", tr.UserID).
		Str("transaction_id", tr.ID).
		Str("status", string(tr.Status)).
		Msg(label + " " + verb)

	s.dispatcher.Dispatch(&notification.Notification{
		UserID:    tr.UserID,
		Kind:      kind,
		Title:     label + " " + verb,
		Message:   fmt.Sprintf("%s of %s was %s", label, tr.Amount.StringFixed(2), verb),
		Metadata:  map[string]string{"transaction_id": tr.ID},
		CreatedAt: s.now(),
	})
}
