package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"investment-settlement/internal/logging"
	"investment-settlement/internal/metrics"
)

// Kind represents the type of notification
type Kind string

const (
	KindDailyROI         Kind = "daily_roi"
	KindMatured          Kind = "investment_matured"
	KindCommission       Kind = "referral_commission"
	KindJoiningBonus     Kind = "joining_bonus"
	KindRewardWithdrawal Kind = "reward_withdrawal"
	KindSubscribed       Kind = "investment_subscribed"
	KindDeposit          Kind = "deposit"
	KindWithdrawal       Kind = "withdrawal"
	KindAdminAlert       Kind = "admin_alert"
)

// Notification represents a user-facing message
type Notification struct {
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Dispatcher accepts notifications without blocking the caller. Delivery
// failures never reach the caller.
type Dispatcher interface {
	Dispatch(n *Notification)
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(n *Notification)

func (f DispatcherFunc) Dispatch(n *Notification) { f(n) }

// Nop discards every notification
var Nop Dispatcher = DispatcherFunc(func(*Notification) {})

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		logger:    logger,
		metrics:   m,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Notifiers returns the registered providers
func (m *Manager) Notifiers() []Notifier {
	return m.notifiers
}

// Send delivers to all enabled providers. Provider errors are logged and
// joined; one failing provider does not stop the others.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	var errs []error
	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		err := p.Send(ctx, n)
		m.metrics.RecordNotification(p.Name(), err)
		if err != nil {
			log := logging.NotificationContext(m.logger, p.Name(), n.UserID)
			log.Error().
				Err(err).
				Str("kind", string(n.Kind)).
				Msg("Notification delivery failed")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
