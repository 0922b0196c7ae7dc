package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"investment-settlement/config"
	"investment-settlement/internal/api"
	"investment-settlement/internal/app"
)

func main() {
	store := flag.String("store", "", "ledger store backend: postgres or memory (overrides config)")
	sample := flag.String("generate-config", "", "write a sample config file to this path and exit")
	flag.Parse()

	if *sample != "" {
		if err := config.GenerateSampleConfig(*sample); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *store != "" {
		os.Setenv("SETTLEMENT_STORE", *store)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LoggingConfig, "settlementd")
	logger.Info().
		Str("store", cfg.Store).
		Bool("redis", cfg.RedisConfig.Enabled).
		Dur("interval", cfg.SchedulerConfig.Interval).
		Str("timezone", cfg.SchedulerConfig.Timezone).
		Msg("Starting investment settlement daemon")

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	engine, err := app.Build(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize settlement engine")
	}
	defer engine.Close()

	// Ops server
	var server *api.Server
	if cfg.ServerConfig.Enabled {
		deps := api.Dependencies{
			Store:     engine.Store,
			Scheduler: engine.Scheduler,
			Monitor:   engine.Monitor,
			Metrics:   engine.Metrics.Handler(),
		}
		if engine.Cache != nil {
			deps.Cache = engine.Cache
		}
		server = api.NewServer(api.ServerConfig{
			Port:           cfg.ServerConfig.Port,
			Host:           cfg.ServerConfig.Host,
			ProductionMode: true,
			AllowedOrigins: api.ParseOrigins(cfg.ServerConfig.AllowedOrigins),
			ReadTimeout:    time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
			WriteTimeout:   time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		}, deps, logger)

		go func() {
			if err := server.Start(); err != nil {
				logger.Fatal().Err(err).Msg("Failed to start ops server")
			}
		}()
	}

	if cfg.SchedulerConfig.Enabled {
		if err := engine.Scheduler.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start settlement scheduler")
		}
		if err := engine.Monitor.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start settlement monitor")
		}
	} else {
		logger.Warn().Msg("Settlement scheduler disabled; batches run only via settle-once")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info().Str("signal", sig.String()).Msg("Shutting down...")

	// Scheduler first: an in-flight batch is cancelled before its
	// dependencies close
	if engine.Scheduler.IsRunning() {
		if err := engine.Scheduler.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping settlement scheduler")
		}
	}
	if engine.Monitor.IsRunning() {
		if err := engine.Monitor.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping settlement monitor")
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down ops server")
		}
		cancel()
	}

	logger.Info().Msg("Shutdown complete")
}
