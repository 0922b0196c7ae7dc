// Package commission pays tiered referral commissions up the referrer chain.
package commission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"investment-settlement/internal/ledger"
	"investment-settlement/internal/logging"
	"investment-settlement/internal/metrics"
	"investment-settlement/internal/notification"
)

// DefaultLevels are the commission percents for levels 1..3
var DefaultLevels = []decimal.Decimal{
	decimal.NewFromInt(10),
	decimal.NewFromInt(5),
	decimal.NewFromInt(3),
}

// Stop reasons
const (
	StopChainExhausted = "chain_exhausted"
	StopCycle          = "cycle"
	StopMaxDepth       = "max_depth"
)

// Skip reasons
const (
	SkipAlreadyPaid = "already_paid"
)

// Payout is one commission credited by this call
type Payout struct {
	Level      int             `json:"level"`
	ReferrerID string          `json:"referrer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// Skip is one level that was reached but not paid
type Skip struct {
	Level      int    `json:"level"`
	ReferrerID string `json:"referrer_id"`
	Reason     string `json:"reason"`
}

// Result describes one cascade
type Result struct {
	InvestmentID string   `json:"investment_id"`
	Payouts      []Payout `json:"payouts"`
	Skipped      []Skip   `json:"skipped"`
	StopReason   string   `json:"stop_reason"`
}

// Total returns the sum of payouts
func (r *Result) Total() decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Payouts {
		total = total.Add(p.Amount)
	}
	return total
}

// Config holds distributor settings
type Config struct {
	Levels []decimal.Decimal // percent per level, level 1 first
}

// Distributor walks the referral chain from an investor and pays each
// ancestor once per investment and level.
type Distributor struct {
	store      ledger.Store
	levels     []decimal.Decimal
	dispatcher notification.Dispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

// NewDistributor creates a distributor. A nil dispatcher discards notifications.
func NewDistributor(store ledger.Store, cfg Config, dispatcher notification.Dispatcher,
	m *metrics.Metrics, logger zerolog.Logger) *Distributor {
	levels := cfg.Levels
	if len(levels) == 0 {
		levels = DefaultLevels
	}
	if dispatcher == nil {
		dispatcher = notification.Nop
	}
	return &Distributor{
		store:      store,
		levels:     levels,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logging.Component(logger, "commission"),
		now:        time.Now,
	}
}

// SetClock overrides the clock used to stamp commission records
func (d *Distributor) SetClock(now func() time.Time) {
	d.now = now
}

// Levels returns the configured commission percents
func (d *Distributor) Levels() []decimal.Decimal {
	return d.levels
}

// levelStep is the outcome of one level's unit of work
type levelStep struct {
	referrerID string
	amount     decimal.Decimal
	paid       bool
	stop       string
}

// Distribute pays commissions for investmentID to at most len(levels)
// ancestors of investorID. Levels already paid are skipped, so calling it
// again for the same investment is a no-op. Each level commits on its own;
// an error leaves earlier levels paid and returns the partial result.
func (d *Distributor) Distribute(ctx context.Context, investorID, investmentID string, amount decimal.Decimal) (*Result, error) {
	if investorID == "" || investmentID == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("distribute %s/%s amount %s: %w", investorID, investmentID, amount, ledger.ErrInvalidInput)
	}

	log := logging.CommissionContext(d.logger, investorID, investmentID, amount)
	result := &Result{InvestmentID: investmentID, Payouts: []Payout{}, Skipped: []Skip{}, StopReason: StopMaxDepth}

	visited := map[string]struct{}{investorID: {}}
	current := investorID

	for i, pct := range d.levels {
		level := i + 1
		commission := ledger.Percent(amount, pct)

		step, err := d.payLevel(ctx, investorID, investmentID, current, level, commission, visited)
		if err != nil {
			log.Error().Err(err).Int("level", level).Msg("Commission level failed")
			return result, fmt.Errorf("commission level %d: %w", level, err)
		}
		if step.stop != "" {
			result.StopReason = step.stop
			if step.stop == StopCycle {
				log.Warn().Int("level", level).Str("referrer_id", step.referrerID).
					Msg("Referral cycle detected, stopping cascade")
			}
			break
		}

		visited[step.referrerID] = struct{}{}
		if step.paid {
			result.Payouts = append(result.Payouts, Payout{Level: level, ReferrerID: step.referrerID, Amount: step.amount})
			d.metrics.RecordCommission(level, step.amount)
			d.notify(step.referrerID, investorID, investmentID, level, step.amount)
			log.Info().
				Int("level", level).
				Str("referrer_id", step.referrerID).
				Str("commission", step.amount.String()).
				Msg("Commission paid")
		} else {
			result.Skipped = append(result.Skipped, Skip{Level: level, ReferrerID: step.referrerID, Reason: SkipAlreadyPaid})
			d.metrics.RecordCommissionSkipped(SkipAlreadyPaid)
		}
		current = step.referrerID
	}

	return result, nil
}

// payLevel runs one level in its own unit of work. The ReferralTransaction
// insert comes first so a concurrent duplicate aborts before any credit.
func (d *Distributor) payLevel(ctx context.Context, investorID, investmentID, current string, level int,
	commission decimal.Decimal, visited map[string]struct{}) (levelStep, error) {
	var step levelStep

	err := d.store.WithinTx(ctx, func(tx ledger.Tx) error {
		step = levelStep{}

		ref, err := tx.GetReferralByReferredUser(ctx, current)
		if errors.Is(err, ledger.ErrNotFound) {
			step.stop = StopChainExhausted
			return nil
		}
		if err != nil {
			return fmt.Errorf("find referrer of %s: %w", current, err)
		}
		if ref.ReferredBy == "" {
			step.stop = StopChainExhausted
			return nil
		}

		step.referrerID = ref.ReferredBy
		if _, seen := visited[ref.ReferredBy]; seen {
			step.stop = StopCycle
			return nil
		}

		key := ledger.CommissionKey{
			ReferrerID:     ref.ReferredBy,
			ReferredUserID: investorID,
			InvestmentID:   investmentID,
			Level:          level,
		}
		if _, err := tx.FindReferralTransaction(ctx, key); err == nil {
			return nil
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("find payout: %w", err)
		}

		now := d.now()
		if err := tx.CreateReferralTransaction(ctx, &ledger.ReferralTransaction{
			ReferrerID:     key.ReferrerID,
			ReferredUserID: key.ReferredUserID,
			InvestmentID:   key.InvestmentID,
			Level:          key.Level,
			Amount:         commission,
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		if _, err := tx.AppendRewardEntry(ctx, ref.ReferredBy, ledger.RewardEntry{
			Type:         ledger.Credit,
			Amount:       commission,
			Reason:       fmt.Sprintf("Referral Level %d commission", level),
			InvestmentID: investmentID,
			Date:         now,
		}); err != nil {
			return fmt.Errorf("credit reward wallet: %w", err)
		}

		if err := tx.CreateTransaction(ctx, &ledger.Transaction{
			UserID:          ref.ReferredBy,
			Type:            ledger.TxBonus,
			Amount:          commission,
			TransactionType: ledger.Credit,
			Status:          ledger.TxCompleted,
			InvestmentID:    investmentID,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("record bonus: %w", err)
		}

		if level == 1 {
			if err := tx.MarkCommissionGiven(ctx, ref.ID); err != nil {
				return fmt.Errorf("mark commission given: %w", err)
			}
		}

		step.paid = true
		step.amount = commission
		return nil
	})

	if errors.Is(err, ledger.ErrDuplicateKey) {
		// lost the insert race to a concurrent cascade for the same investment
		return levelStep{referrerID: step.referrerID}, nil
	}
	return step, err
}

func (d *Distributor) notify(referrerID, investorID, investmentID string, level int, amount decimal.Decimal) {
	d.dispatcher.Dispatch(&notification.Notification{
		UserID:  referrerID,
		Kind:    notification.KindCommission,
		Title:   "Referral commission",
		Message: fmt.Sprintf("You earned %s as a level %d referral commission", amount.StringFixed(2), level),
		Metadata: map[string]string{
			"investment_id": investmentID,
			"referred_user": investorID,
			"level":         strconv.Itoa(level),
		},
		CreatedAt: d.now(),
	})
}
