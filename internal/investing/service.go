// Package investing opens accounts and turns wallet balance into locked
// investments. Everything after subscription belongs to settlement.
package investing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investment-settlement/internal/commission"
	"investment-settlement/internal/ledger"
	"investment-settlement/internal/logging"
	"investment-settlement/internal/notification"
)

var (
	ErrSelfReferral        = errors.New("user cannot refer themselves")
	ErrBelowMinimum        = errors.New("amount less than plan minimum")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNothingToWithdraw   = errors.New("reward wallet is empty")
)

// Reward reasons
const (
	ReasonJoiningBonus     = "Joining bonus"
	ReasonRewardWithdrawal = "Reward withdrawal"
)

// JoiningBonusPercent of the first investment is credited to the reward wallet
var JoiningBonusPercent = decimal.NewFromInt(10)

// SubscribeRequest asks to lock Amount of the user's balance into a plan
type SubscribeRequest struct {
	UserID string          `json:"user_id" validate:"required"`
	PlanID string          `json:"plan_id" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`

	// StartDate defaults to the service clock
	StartDate time.Time `json:"start_date,omitempty"`
}

// Subscription is the result of a successful Subscribe
type Subscription struct {
	Investment   *ledger.Investment `json:"investment"`
	Wallet       *ledger.Wallet     `json:"wallet"`
	JoiningBonus decimal.Decimal    `json:"joining_bonus"`
	Commission   *commission.Result `json:"commission,omitempty"`
}

// Service implements the account and subscription flows
type Service struct {
	store       ledger.Store
	distributor *commission.Distributor
	dispatcher  notification.Dispatcher
	logger      zerolog.Logger
	validate    *validator.Validate
	now         func() time.Time
}

// NewService creates the service. distributor may be nil, in which case
// commissions are left to the settlement catch-up.
func NewService(store ledger.Store, distributor *commission.Distributor, dispatcher notification.Dispatcher,
	logger zerolog.Logger) *Service {
	if dispatcher == nil {
		dispatcher = notification.Nop
	}
	return &Service{
		store:       store,
		distributor: distributor,
		dispatcher:  dispatcher,
		logger:      logging.Component(logger, "investing"),
		validate:    newValidator(),
		now:         time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// SetClock overrides the clock used for start dates and record timestamps
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// CreatePlan stores a new plan
func (s *Service) CreatePlan(ctx context.Context, plan *ledger.Plan) error {
	if plan.Name == "" || plan.DurationDays <= 0 || plan.ROIPercent.IsNegative() || plan.MinAmount.IsNegative() {
		return fmt.Errorf("plan %q: %w", plan.Name, ledger.ErrInvalidInput)
	}
	return s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.CreatePlan(ctx, plan)
	})
}

// OpenAccount creates the user's wallet and reward wallet, and the referral
// edge to referrerID when one is given. A user has at most one referrer.
func (s *Service) OpenAccount(ctx context.Context, userID, referrerID string) error {
	if userID == "" {
		return fmt.Errorf("open account: %w", ledger.ErrInvalidInput)
	}
	if referrerID == userID {
		return ErrSelfReferral
	}

	now := s.now()
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateWallet(ctx, &ledger.Wallet{
			UserID: userID, Balance: decimal.Zero, LockedBalance: decimal.Zero, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("create wallet: %w", err)
		}
		if err := tx.CreateRewardWallet(ctx, &ledger.RewardWallet{
			UserID: userID, Balance: decimal.Zero, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("create reward wallet: %w", err)
		}
		if referrerID == "" {
			return nil
		}
		if _, err := tx.GetWalletForUpdate(ctx, referrerID); err != nil {
			return fmt.Errorf("referrer %s: %w", referrerID, err)
		}
		return tx.CreateReferral(ctx, &ledger.Referral{
			ReferredBy:        referrerID,
			ReferredUser:      userID,
			CommissionPercent: commission.DefaultLevels[0],
			CreatedAt:         now,
		})
	})
	if err != nil {
		return err
	}

	log := s.logger.Info().Str("user_id", userID)
	if referrerID != "" {
		log = log.Str("referred_by", referrerID)
	}
	log.Msg("Account opened")
	return nil
}

// Deposit credits amount to the user's spendable balance right away, as an
// already approved deposit. User deposits go through RequestDeposit.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*ledger.Wallet, error) {
	var wallet *ledger.Wallet
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", userID, err)
		}
		if err := w.CreditWallet(ledger.RoundMoney(amount)); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		wallet = w
		return tx.CreateTransaction(ctx, &ledger.Transaction{
			UserID:          userID,
			Type:            ledger.TxDeposit,
			Amount:          ledger.RoundMoney(amount),
			TransactionType: ledger.Credit,
			Status:          ledger.TxCompleted,
			CreatedAt:       s.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Subscribe locks the requested amount into a plan. The first investment a
// user makes earns a joining bonus. The commission cascade runs after the
// investment commits; a failed cascade is completed by settlement.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("subscribe: %v: %w", err, ledger.ErrInvalidInput)
	}

	amount := ledger.RoundMoney(req.Amount)
	start := req.StartDate
	if start.IsZero() {
		start = s.now()
	}

	var sub *Subscription
	err := s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		sub = &Subscription{JoiningBonus: decimal.Zero}

		plan, err := tx.GetPlan(ctx, req.PlanID)
		if err != nil {
			return fmt.Errorf("plan %s: %w", req.PlanID, err)
		}
		if amount.LessThan(plan.MinAmount) {
			return fmt.Errorf("%s below %s: %w", amount, plan.MinAmount, ErrBelowMinimum)
		}

		wallet, err := tx.GetWalletForUpdate(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", req.UserID, err)
		}
		if wallet.Balance.LessThan(amount) {
			return fmt.Errorf("balance %s, need %s: %w", wallet.Balance, amount, ErrInsufficientBalance)
		}

		invested, err := tx.HasInvestments(ctx, req.UserID)
		if err != nil {
			return err
		}

		if err := wallet.LockPrincipal(amount); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, wallet); err != nil {
			return err
		}

		inv := &ledger.Investment{
			UserID:         req.UserID,
			PlanID:         plan.ID,
			Amount:         amount,
			StartDate:      start,
			EndDate:        start.Add(time.Duration(plan.DurationDays) * ledger.Day),
			Status:         ledger.StatusActive,
			LastPayoutDate: start,
			Earning:        decimal.Zero,
		}
		if err := tx.CreateInvestment(ctx, inv); err != nil {
			return err
		}
		if err := tx.CreateTransaction(ctx, &ledger.Transaction{
			UserID:          req.UserID,
			Type:            ledger.TxInvestment,
			Amount:          amount,
			TransactionType: ledger.Debit,
			Status:          ledger.TxCompleted,
			InvestmentID:    inv.ID,
			CreatedAt:       start,
		}); err != nil {
			return err
		}

		if !invested {
			bonus := ledger.Percent(amount, JoiningBonusPercent)
			if bonus.IsPositive() {
				if _, err := tx.AppendRewardEntry(ctx, req.UserID, ledger.RewardEntry{
					Type:         ledger.Credit,
					Amount:       bonus,
					Reason:       ReasonJoiningBonus,
					InvestmentID: inv.ID,
					Date:         start,
				}); err != nil {
					return fmt.Errorf("joining bonus: %w", err)
				}
				if err := tx.CreateTransaction(ctx, &ledger.Transaction{
					UserID:          req.UserID,
					Type:            ledger.TxBonus,
					Amount:          bonus,
					TransactionType: ledger.Credit,
					Status:          ledger.TxCompleted,
					InvestmentID:    inv.ID,
					CreatedAt:       start,
				}); err != nil {
					return err
				}
				sub.JoiningBonus = bonus
			}
		}

		sub.Investment = inv
		sub.Wallet = wallet
		return nil
	})
	if err != nil {
		return nil, err
	}

	inv := sub.Investment
	log := logging.InvestmentContext(s.logger, inv.ID, inv.UserID)
	log.Info().
		Str("plan_id", inv.PlanID).
		Str("amount", inv.Amount.String()).
		Time("end_date", inv.EndDate).
		Msg("Investment subscribed")

	s.dispatcher.Dispatch(&notification.Notification{
		UserID:    inv.UserID,
		Kind:      notification.KindSubscribed,
		Title:     "Investment started",
		Message:   fmt.Sprintf("%s locked until %s", inv.Amount.StringFixed(2), inv.EndDate.Format("2006-01-02")),
		Metadata:  map[string]string{"investment_id": inv.ID},
		CreatedAt: start,
	})
	if sub.JoiningBonus.IsPositive() {
		s.dispatcher.Dispatch(&notification.Notification{
			UserID:    inv.UserID,
			Kind:      notification.KindJoiningBonus,
			Title:     "Joining bonus",
			Message:   fmt.Sprintf("%s joining bonus credited to your reward wallet", sub.JoiningBonus.StringFixed(2)),
			Metadata:  map[string]string{"investment_id": inv.ID},
			CreatedAt: start,
		})
	}

	if s.distributor != nil {
		result, err := s.distributor.Distribute(ctx, inv.UserID, inv.ID, inv.Amount)
		if err != nil {
			log.Warn().Err(err).Msg("Commission cascade incomplete, settlement will catch up")
		} else {
			sub.Commission = result
		}
	}
	return sub, nil
}

// WithdrawRewards moves the whole reward balance into the spendable wallet
// and returns the amount moved.
func (s *Service) WithdrawRewards(ctx context.Context, userID string) (decimal.Decimal, error) {
	rw, err := s.store.GetRewardWallet(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reward wallet %s: %w", userID, err)
	}
	amount := rw.Balance
	if !amount.IsPositive() {
		return decimal.Zero, ErrNothingToWithdraw
	}

	now := s.now()
	err = s.store.WithinTx(ctx, func(tx ledger.Tx) error {
		// the debit is rejected if a concurrent withdrawal already drained it
		if _, err := tx.AppendRewardEntry(ctx, userID, ledger.RewardEntry{
			Type:   ledger.Debit,
			Amount: amount,
			Reason: ReasonRewardWithdrawal,
			Date:   now,
		}); err != nil {
			if errors.Is(err, ledger.ErrInvariantViolation) {
				return ErrNothingToWithdraw
			}
			return err
		}

		w, err := tx.GetWalletForUpdate(ctx, userID)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", userID, err)
		}
		if err := w.CreditWallet(amount); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return tx.CreateTransaction(ctx, &ledger.Transaction{
			UserID:          userID,
			Type:            ledger.TxRewardWithdrawal,
			Amount:          amount,
			TransactionType: ledger.Credit,
			Status:          ledger.TxCompleted,
			CreatedAt:       now,
		})
	})
	if err != nil {
		return decimal.Zero, err
	}

	s.logger.Info().Str("user_id", userID).Str("amount", amount.String()).Msg("Rewards withdrawn")
	s.dispatcher.Dispatch(&notification.Notification{
		UserID:    userID,
		Kind:      notification.KindRewardWithdrawal,
		Title:     "Rewards withdrawn",
		Message:   fmt.Sprintf("%s moved from your reward wallet to your balance", amount.StringFixed(2)),
		CreatedAt: now,
	})
	return amount, nil
}
