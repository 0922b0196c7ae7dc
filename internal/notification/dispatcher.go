package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"investment-settlement/internal/metrics"
)

// DispatcherConfig holds AsyncDispatcher settings
type DispatcherConfig struct {
	QueueSize     int
	Workers       int
	RatePerSecond float64 // 0 disables throttling
	Burst         int
	SendTimeout   time.Duration
}

// DefaultDispatcherConfig returns default dispatcher settings
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:     1024,
		Workers:       2,
		RatePerSecond: 50,
		Burst:         10,
		SendTimeout:   5 * time.Second,
	}
}

// AsyncDispatcher queues notifications and delivers them on background
// workers. A full queue drops the notification.
type AsyncDispatcher struct {
	config  DispatcherConfig
	manager *Manager
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	queue   chan *Notification
	running bool
	wg      sync.WaitGroup
}

var _ Dispatcher = (*AsyncDispatcher)(nil)

// NewAsyncDispatcher creates a dispatcher over manager
func NewAsyncDispatcher(config DispatcherConfig, manager *Manager, logger zerolog.Logger, m *metrics.Metrics) *AsyncDispatcher {
	def := DefaultDispatcherConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &AsyncDispatcher{
		config:  config,
		manager: manager,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "notification_dispatcher").Logger(),
		metrics: m,
	}
}

// Start launches the workers
func (d *AsyncDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.queue = make(chan *Notification, d.config.QueueSize)
	d.running = true

	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(d.queue)
	}
	d.logger.Info().
		Int("workers", d.config.Workers).
		Int("queue_size", d.config.QueueSize).
		Msg("Notification dispatcher started")
}

// Stop closes the queue and waits for queued notifications to drain
func (d *AsyncDispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info().Msg("Notification dispatcher stopped")
}

// Dispatch enqueues n without blocking
func (d *AsyncDispatcher) Dispatch(n *Notification) {
	if n == nil {
		return
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		d.drop(n, "dispatcher not running")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue full")
	}
}

// Pending returns the number of queued notifications
func (d *AsyncDispatcher) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.queue == nil {
		return 0
	}
	return len(d.queue)
}

func (d *AsyncDispatcher) drop(n *Notification, reason string) {
	d.metrics.RecordNotificationDropped()
	d.logger.Warn().
		Str("user_id", n.UserID).
		Str("kind", string(n.Kind)).
		Str("reason", reason).
		Msg("Notification dropped")
}

func (d *AsyncDispatcher) worker(queue <-chan *Notification) {
	defer d.wg.Done()

	for n := range queue {
		d.deliver(n)
	}
}

func (d *AsyncDispatcher) deliver(n *Notification) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Interface("panic", r).
				Str("user_id", n.UserID).
				Msg("Notifier panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
	defer cancel()

	if err := d.limiter.Wait(ctx); err != nil {
		d.drop(n, "rate limited")
		return
	}
	// errors are already logged per provider
	_ = d.manager.Send(ctx, n)
}
