// Package app assembles the settlement engine from configuration. The
// daemon and the command line tools share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"investment-settlement/config"
	"investment-settlement/internal/cache"
	"investment-settlement/internal/commission"
	"investment-settlement/internal/database"
	"investment-settlement/internal/investing"
	"investment-settlement/internal/ledger"
	"investment-settlement/internal/ledger/memory"
	"investment-settlement/internal/lock"
	"investment-settlement/internal/logging"
	"investment-settlement/internal/metrics"
	"investment-settlement/internal/notification"
	"investment-settlement/internal/settlement"
	"investment-settlement/internal/vault"
)

// lockPrefix namespaces settlement leases in a shared Redis
const lockPrefix = "settlement:lock:"

// NewLogger builds the process logger and installs it as the default
func NewLogger(cfg config.LoggingConfig, component string) zerolog.Logger {
	logger := logging.New(&logging.Config{
		Level:       cfg.Level,
		Output:      cfg.Output,
		Component:   component,
		IncludeFile: cfg.IncludeFile,
		JSONFormat:  cfg.JSONFormat,
	})
	logging.SetDefault(logger)
	return logger
}

// Engine is a fully wired settlement engine
type Engine struct {
	Store       ledger.Store
	Cache       *cache.CacheService // nil when redis is disabled
	Locker      lock.Locker
	Metrics     *metrics.Metrics
	Registry    *prometheus.Registry
	Dispatcher  *notification.AsyncDispatcher
	Distributor *commission.Distributor
	Investing   *investing.Service
	Processor   *settlement.Processor
	Scheduler   *settlement.Scheduler
	Monitor     *settlement.Monitor

	closers []func()
}

// Build opens the store and redis and wires every settlement component.
// The dispatcher is started; the scheduler and monitor are not.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e.Store = store
	e.closers = append(e.closers, closeStore)

	if cfg.RedisConfig.Enabled {
		cs, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		e.Cache = cs
		e.closers = append(e.closers, func() { _ = cs.Close() })
		e.Locker = lock.NewRedisLocker(cs.GetClient(), lockPrefix)
	} else {
		// single instance only: leases do not span processes
		e.Locker = lock.NewLocalLocker()
	}

	e.Registry = prometheus.NewRegistry()
	e.Metrics = metrics.New("", e.Registry)

	e.Dispatcher = newDispatcher(cfg, e, logger)
	e.Dispatcher.Start()
	e.closers = append(e.closers, e.Dispatcher.Stop)

	e.Distributor = commission.NewDistributor(e.Store, commission.Config{}, e.Dispatcher, e.Metrics, logger)
	e.Investing = investing.NewService(e.Store, e.Distributor, e.Dispatcher, logger)
	e.Processor = settlement.NewProcessor(e.Store, e.Distributor, e.Dispatcher, e.Metrics, logger,
		&settlement.ProcessorConfig{CommissionCatchUp: cfg.SchedulerConfig.CommissionCatchUp})
	e.Scheduler = settlement.NewScheduler(e.Store, e.Processor, e.Locker, SchedulerConfig(cfg.SchedulerConfig),
		settlement.SystemClock, e.Metrics, logger)
	e.Monitor = settlement.NewMonitor(MonitoringConfig(cfg.SchedulerConfig), e.Dispatcher, settlement.SystemClock, logger)

	e.Scheduler.AddObserver(e.Monitor)
	if e.Cache != nil {
		e.Scheduler.AddObserver(e.Cache)
	}

	return e, nil
}

// Close releases resources in reverse order of acquisition
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ledger.Store, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn().Msg("Using in-memory store; ledger state is lost on exit")
		return memory.New(), func() {}, nil
	}

	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return nil, nil, err
	}
	dbCfg := cfg.DatabaseConfig
	if err := vaultClient.ApplyTo(ctx, &dbCfg); err != nil {
		return nil, nil, fmt.Errorf("failed to load database credentials: %w", err)
	}

	db, err := database.NewDB(database.Config{
		Host:     dbCfg.Host,
		Port:     dbCfg.Port,
		User:     dbCfg.User,
		Password: dbCfg.Password,
		Database: dbCfg.Database,
		SSLMode:  dbCfg.SSLMode,
		MaxConns: dbCfg.MaxConns,
		MinConns: dbCfg.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return database.NewStore(db), db.Close, nil
}

func newDispatcher(cfg *config.Config, e *Engine, logger zerolog.Logger) *notification.AsyncDispatcher {
	manager := notification.NewManager(logger, e.Metrics)
	manager.AddNotifier(notification.NewLogNotifier(logger))

	n := cfg.NotificationConfig
	if n.Enabled {
		if n.Persist {
			manager.AddNotifier(notification.NewStoreNotifier(e.Store))
		}
		if e.Cache != nil && n.RedisChannel != "" {
			manager.AddNotifier(notification.NewRedisNotifier(e.Cache.GetClient(), n.RedisChannel))
		}
	}

	dc := notification.DefaultDispatcherConfig()
	dc.QueueSize = n.QueueSize
	dc.Workers = n.Workers
	dc.RatePerSecond = n.RatePerSecond
	dc.Burst = n.Burst
	return notification.NewAsyncDispatcher(dc, manager, logger, e.Metrics)
}

// SchedulerConfig converts the file configuration
func SchedulerConfig(s config.SchedulerConfig) *settlement.SchedulerConfig {
	sc := settlement.DefaultSchedulerConfig()
	sc.Interval = s.Interval
	sc.Location = s.Location()
	sc.RunOnStart = s.RunOnStart
	sc.MaxConcurrent = s.MaxConcurrent
	sc.SettlementTimeout = s.SettlementTimeout
	sc.LeaseTTL = s.LeaseTTL
	sc.BatchLeaseTTL = s.BatchLeaseTTL
	sc.Retry.MaxRetries = s.MaxRetries
	return sc
}

// MonitoringConfig converts the file configuration
func MonitoringConfig(s config.SchedulerConfig) *settlement.MonitoringConfig {
	mc := settlement.DefaultMonitoringConfig()
	if s.StallThreshold > 0 {
		mc.StallThreshold = s.StallThreshold
		mc.CheckInterval = minDuration(mc.CheckInterval, s.StallThreshold/4)
	} else {
		mc.Enabled = false
	}
	if s.AdminUserID != "" {
		mc.AdminUserID = s.AdminUserID
	}
	return mc
}

func minDuration(a, b time.Duration) time.Duration {
	if b > 0 && b < a {
		return b
	}
	return a
}
