package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investment-settlement/internal/commission"
	"investment-settlement/internal/ledger"
	"investment-settlement/internal/logging"
	"investment-settlement/internal/metrics"
	"investment-settlement/internal/notification"
)

// Reward reasons, as shown in the reward wallet log
const (
	ReasonDailyReward    = "Daily investment reward"
	ReasonFinalReward    = "final investment reward"
	ReasonMaturityReward = "Investment reward on maturity"
)

// ProcessorConfig holds processor settings
type ProcessorConfig struct {
	// CommissionCatchUp re-runs the commission cascade for active
	// investments after settling them, completing any cascade that was
	// interrupted at subscription time. Already paid levels are skipped.
	CommissionCatchUp bool
}

// DefaultProcessorConfig returns default processor settings
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{CommissionCatchUp: true}
}

// Processor settles one investment per call
type Processor struct {
	store       ledger.Store
	distributor *commission.Distributor
	dispatcher  notification.Dispatcher
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	config      *ProcessorConfig
}

// NewProcessor creates a processor. distributor may be nil when commission
// catch-up is not wanted; dispatcher may be nil to discard notifications.
func NewProcessor(store ledger.Store, distributor *commission.Distributor, dispatcher notification.Dispatcher,
	m *metrics.Metrics, logger zerolog.Logger, config *ProcessorConfig) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if dispatcher == nil {
		dispatcher = notification.Nop
	}
	return &Processor{
		store:       store,
		distributor: distributor,
		dispatcher:  dispatcher,
		metrics:     m,
		logger:      logging.Component(logger, "settlement"),
		config:      config,
	}
}

// Settle advances one investment as of now. The investment is re-read under
// lock, so calling Settle again with the same now is a no-op. All ledger
// mutations for the investment commit together; notifications are sent
// only after the commit.
func (p *Processor) Settle(ctx context.Context, investmentID string, now time.Time) (*Outcome, error) {
	var (
		out      *Outcome
		inv      *ledger.Investment
		plan     *ledger.Plan
		notifies []*notification.Notification
	)

	err := p.store.WithinTx(ctx, func(tx ledger.Tx) error {
		out = &Outcome{InvestmentID: investmentID, Action: ActionNone, ROIPaid: decimal.Zero, PrincipalReturned: decimal.Zero}
		notifies = nil

		var err error
		inv, err = tx.GetInvestmentForUpdate(ctx, investmentID)
		if err != nil {
			return fmt.Errorf("load investment %s: %w", investmentID, err)
		}
		out.UserID = inv.UserID

		if !inv.IsActive() {
			out.Action = ActionSkipped
			out.SkipReason = "status " + string(inv.Status)
			return nil
		}

		plan, err = tx.GetPlan(ctx, inv.PlanID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("plan %s of investment %s: %w", inv.PlanID, inv.ID, ErrMissingDependency)
		}
		if err != nil {
			return fmt.Errorf("load plan %s: %w", inv.PlanID, err)
		}

		wallet, err := tx.GetWalletForUpdate(ctx, inv.UserID)
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("wallet of user %s: %w", inv.UserID, ErrMissingDependency)
		}
		if err != nil {
			return fmt.Errorf("load wallet %s: %w", inv.UserID, err)
		}

		// maturity is checked before daily accrual
		if inv.Matured(now) {
			n, err := p.mature(ctx, tx, inv, plan, wallet, now, out)
			if err != nil {
				return err
			}
			notifies = append(notifies, n)
			return nil
		}

		if plan.AutoPayout {
			n, err := p.accrue(ctx, tx, inv, plan, now, out)
			if err != nil {
				return err
			}
			if n != nil {
				notifies = append(notifies, n)
			}
		}
		// lump-sum plans accrue silently until maturity
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, n := range notifies {
		p.dispatcher.Dispatch(n)
	}
	p.metrics.RecordSettlement(string(out.Action), out.ROIPaid, out.PrincipalReturned)

	if p.config.CommissionCatchUp && p.distributor != nil && inv.IsActive() && out.Action != ActionSkipped {
		p.catchUpCommission(ctx, inv, out)
	}
	return out, nil
}

// accrue pays whole elapsed days of ROI. lastPayoutDate advances by exactly
// the days paid, so a partial day carries over to the next tick.
func (p *Processor) accrue(ctx context.Context, tx ledger.Tx, inv *ledger.Investment, plan *ledger.Plan,
	now time.Time, out *Outcome) (*notification.Notification, error) {
	days := ledger.WholeDays(inv.LastPayoutDate, now)
	if days < 1 {
		return nil, nil
	}

	roi := plan.DailyROI(inv.Amount).Mul(decimal.NewFromInt(days))
	if err := p.creditROI(ctx, tx, inv, roi, ReasonDailyReward, now); err != nil {
		return nil, err
	}

	inv.LastPayoutDate = inv.LastPayoutDate.Add(time.Duration(days) * ledger.Day)
	if err := tx.UpdateInvestment(ctx, inv); err != nil {
		return nil, fmt.Errorf("update investment %s: %w", inv.ID, err)
	}

	out.Action = ActionDailyROI
	out.DaysPaid = days
	out.ROIPaid = roi

	return &notification.Notification{
		UserID:  inv.UserID,
		Kind:    notification.KindDailyROI,
		Title:   "Daily reward credited",
		Message: fmt.Sprintf("%s credited to your reward wallet for %d day(s)", roi.StringFixed(2), days),
		Metadata: map[string]string{
			"investment_id": inv.ID,
		},
		CreatedAt: now,
	}, nil
}

// mature pays the outstanding ROI, returns the principal and completes the
// investment.
func (p *Processor) mature(ctx context.Context, tx ledger.Tx, inv *ledger.Investment, plan *ledger.Plan,
	wallet *ledger.Wallet, now time.Time, out *Outcome) (*notification.Notification, error) {
	var roi decimal.Decimal
	var days int64
	reason := ReasonFinalReward

	if plan.AutoPayout {
		// owed up to endDate, never beyond it
		days = ledger.WholeDays(inv.LastPayoutDate, inv.EndDate)
		roi = plan.DailyROI(inv.Amount).Mul(decimal.NewFromInt(days))
	} else {
		days = ledger.WholeDays(inv.StartDate, inv.EndDate)
		if days < 1 {
			days = 1
		}
		roi = ledger.Percent(inv.Amount, plan.ROIPercent.Mul(decimal.NewFromInt(days)))
		reason = ReasonMaturityReward
	}

	if roi.IsPositive() {
		if err := p.creditROI(ctx, tx, inv, roi, reason, now); err != nil {
			return nil, err
		}
		out.ROIPaid = roi
		out.DaysPaid = days
	}

	if err := wallet.ReleasePrincipal(inv.Amount); err != nil {
		return nil, fmt.Errorf("return principal of investment %s: %w", inv.ID, err)
	}
	if err := tx.UpdateWallet(ctx, wallet); err != nil {
		return nil, fmt.Errorf("update wallet %s: %w", wallet.UserID, err)
	}
	if err := tx.CreateTransaction(ctx, &ledger.Transaction{
		UserID:          inv.UserID,
		Type:            ledger.TxInvestmentPrincipal,
		Amount:          inv.Amount,
		TransactionType: ledger.Credit,
		Status:          ledger.TxCompleted,
		InvestmentID:    inv.ID,
		CreatedAt:       now,
	}); err != nil {
		return nil, fmt.Errorf("record principal return: %w", err)
	}

	inv.Status = ledger.StatusCompleted
	inv.LastPayoutDate = now
	if err := tx.UpdateInvestment(ctx, inv); err != nil {
		return nil, fmt.Errorf("update investment %s: %w", inv.ID, err)
	}

	out.Action = ActionMatured
	out.PrincipalReturned = inv.Amount

	return &notification.Notification{
		UserID: inv.UserID,
		Kind:   notification.KindMatured,
		Title:  "Investment matured",
		Message: fmt.Sprintf("Your investment of %s has matured. Principal returned and %s reward credited",
			inv.Amount.StringFixed(2), roi.StringFixed(2)),
		Metadata: map[string]string{
			"investment_id": inv.ID,
		},
		CreatedAt: now,
	}, nil
}

// creditROI credits the reward wallet, records the audit transaction and
// adds to earning
func (p *Processor) creditROI(ctx context.Context, tx ledger.Tx, inv *ledger.Investment, roi decimal.Decimal,
	reason string, now time.Time) error {
	if _, err := tx.AppendRewardEntry(ctx, inv.UserID, ledger.RewardEntry{
		Type:         ledger.Credit,
		Amount:       roi,
		Reason:       reason,
		InvestmentID: inv.ID,
		Date:         now,
	}); err != nil {
		return fmt.Errorf("credit reward wallet %s: %w", inv.UserID, err)
	}
	if err := tx.CreateTransaction(ctx, &ledger.Transaction{
		UserID:          inv.UserID,
		Type:            ledger.TxInvestmentROI,
		Amount:          roi,
		TransactionType: ledger.Credit,
		Status:          ledger.TxCompleted,
		InvestmentID:    inv.ID,
		CreatedAt:       now,
	}); err != nil {
		return fmt.Errorf("record ROI: %w", err)
	}
	inv.Earning = inv.Earning.Add(roi)
	return nil
}

func (p *Processor) catchUpCommission(ctx context.Context, inv *ledger.Investment, out *Outcome) {
	result, err := p.distributor.Distribute(ctx, inv.UserID, inv.ID, inv.Amount)
	if err != nil {
		out.CommissionError = err.Error()
		log := logging.InvestmentContext(p.logger, inv.ID, inv.UserID)
		log.Warn().
			Err(err).
			Msg("Commission catch-up failed, will retry next tick")
		return
	}
	if len(result.Payouts) > 0 {
		out.Commission = result
	}
}
