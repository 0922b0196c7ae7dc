package ledger

import (
	"context"
)

// Store is the durable ledger. Reads outside WithinTx see committed state
// only. All balance mutation happens inside WithinTx.
type Store interface {
	// WithinTx runs fn in a single unit of work. Writes are committed only
	// when fn returns nil; any error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// ListActiveInvestments returns IDs of every investment with status active.
	ListActiveInvestments(ctx context.Context) ([]string, error)

	// ListInvestmentsByUser returns all investments of a user, any status.
	ListInvestmentsByUser(ctx context.Context, userID string) ([]*Investment, error)

	// ListTransactionsByUser returns the user's audit trail, oldest first.
	ListTransactionsByUser(ctx context.Context, userID string) ([]*Transaction, error)

	// ListTransactionsByInvestment returns audit records tagged with investmentID.
	ListTransactionsByInvestment(ctx context.Context, investmentID string) ([]*Transaction, error)

	// ListPendingTransactions returns pending transactions of type typ,
	// oldest first.
	ListPendingTransactions(ctx context.Context, typ TransactionType) ([]*Transaction, error)

	// ListReferralsByReferrer returns the direct downline edges of a user.
	ListReferralsByReferrer(ctx context.Context, referrerID string) ([]*Referral, error)

	// ListReferralTransactionsByInvestment returns commission payouts caused
	// by one investment.
	ListReferralTransactionsByInvestment(ctx context.Context, investmentID string) ([]*ReferralTransaction, error)

	// ListReferralTransactionsByReferrer returns commissions earned by a user.
	ListReferralTransactionsByReferrer(ctx context.Context, referrerID string) ([]*ReferralTransaction, error)

	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetRewardWallet(ctx context.Context, userID string) (*RewardWallet, error)

	// ListWalletUserIDs returns every user that owns a wallet.
	ListWalletUserIDs(ctx context.Context) ([]string, error)

	// CreateNotification persists a user-facing message outside any ledger
	// unit of work.
	CreateNotification(ctx context.Context, n *Notification) error

	// Ping reports ErrStoreUnavailable when the backend cannot be reached.
	Ping(ctx context.Context) error
}

// Tx is the view of the store inside one unit of work.
type Tx interface {
	// GetInvestmentForUpdate reads an investment and holds it until the unit
	// of work ends. The record is already normalized.
	GetInvestmentForUpdate(ctx context.Context, id string) (*Investment, error)

	// GetWalletForUpdate reads a wallet and holds it until the unit of work ends.
	GetWalletForUpdate(ctx context.Context, userID string) (*Wallet, error)

	// GetTransactionForUpdate reads a transaction and holds it until the
	// unit of work ends.
	GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error)

	GetPlan(ctx context.Context, id string) (*Plan, error)

	// GetReferralByReferredUser returns the single edge pointing at userID.
	GetReferralByReferredUser(ctx context.Context, userID string) (*Referral, error)

	// FindReferralTransaction looks up a payout by its idempotency key.
	FindReferralTransaction(ctx context.Context, key CommissionKey) (*ReferralTransaction, error)

	// HasInvestments reports whether the user ever subscribed to any plan.
	HasInvestments(ctx context.Context, userID string) (bool, error)

	CreatePlan(ctx context.Context, p *Plan) error
	CreateWallet(ctx context.Context, w *Wallet) error
	CreateRewardWallet(ctx context.Context, w *RewardWallet) error
	CreateReferral(ctx context.Context, r *Referral) error
	CreateInvestment(ctx context.Context, inv *Investment) error
	CreateTransaction(ctx context.Context, t *Transaction) error

	// CreateReferralTransaction returns ErrDuplicateKey when a payout with
	// the same CommissionKey exists.
	CreateReferralTransaction(ctx context.Context, rt *ReferralTransaction) error

	// UpdateInvestment writes inv if the stored version still equals
	// inv.Version, then increments inv.Version. ErrConflict otherwise.
	UpdateInvestment(ctx context.Context, inv *Investment) error

	// UpdateWallet has the same conditional semantics as UpdateInvestment.
	UpdateWallet(ctx context.Context, w *Wallet) error

	// UpdateTransactionStatus writes t.Status under the same conditional
	// semantics as UpdateInvestment. No other field is written.
	UpdateTransactionStatus(ctx context.Context, t *Transaction) error

	// MarkCommissionGiven flips the referral flag. Idempotent.
	MarkCommissionGiven(ctx context.Context, referralID string) error

	// AppendRewardEntry atomically adds entry.Signed() to the user's reward
	// balance and appends the entry, creating the reward wallet when absent.
	// It returns the balance after the append.
	AppendRewardEntry(ctx context.Context, userID string, entry RewardEntry) (*RewardWallet, error)
}
