package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"investment-settlement/internal/ledger"
)

// ============================================================================
// LOG NOTIFIER
// ============================================================================

// LogNotifier writes notifications to the structured log
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log notifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notification_log").Logger()}
}

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

func (l *LogNotifier) Send(ctx context.Context, n *Notification) error {
	l.logger.Info().
		Str("user_id", n.UserID).
		Str("kind", string(n.Kind)).
		Str("title", n.Title).
		Msg(n.Message)
	return nil
}

// ============================================================================
// STORE NOTIFIER
// ============================================================================

// NotificationStore persists notifications
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *ledger.Notification) error
}

// StoreNotifier persists notifications to the ledger store so users can
// list them later
type StoreNotifier struct {
	store NotificationStore
}

// NewStoreNotifier creates a store-backed notifier
func NewStoreNotifier(store NotificationStore) *StoreNotifier {
	return &StoreNotifier{store: store}
}

func (s *StoreNotifier) Name() string    { return "store" }
func (s *StoreNotifier) IsEnabled() bool { return s.store != nil }

func (s *StoreNotifier) Send(ctx context.Context, n *Notification) error {
	if n.UserID == "" {
		return nil
	}
	return s.store.CreateNotification(ctx, &ledger.Notification{
		UserID:    n.UserID,
		Kind:      string(n.Kind),
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	})
}

// ============================================================================
// REDIS NOTIFIER
// ============================================================================

// Publisher is the subset of the redis client used for fan-out
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes notifications as JSON on a pub/sub channel
type RedisNotifier struct {
	client  Publisher
	channel string
	enabled bool
}

// NewRedisNotifier creates a redis notifier. A nil client disables it.
func NewRedisNotifier(client Publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "settlement:notifications"
	}
	return &RedisNotifier{client: client, channel: channel, enabled: client != nil}
}

func (r *RedisNotifier) Name() string    { return "redis" }
func (r *RedisNotifier) IsEnabled() bool { return r.enabled }

func (r *RedisNotifier) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}
