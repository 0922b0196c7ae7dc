// settle-once runs a single settlement batch and prints the result as JSON.
//
// Usage:
//
//	settle-once [-at 2024-01-15T00:00:00Z] [-store memory]
//
// Exit status is 0 for success or partial, 1 for an aborted batch or a
// startup error, and 2 when another instance holds the batch lease.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"investment-settlement/config"
	"investment-settlement/internal/app"
	"investment-settlement/internal/settlement"
)

func main() {
	at := flag.String("at", "", "settle as of this RFC3339 time instead of now")
	store := flag.String("store", "", "ledger store backend: postgres or memory (overrides config)")
	flag.Parse()

	now := time.Now()
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -at value %q: %v\n", *at, err)
			os.Exit(1)
		}
		now = t
	}

	if *store != "" {
		os.Setenv("SETTLEMENT_STORE", *store)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	// logs go to stderr so stdout carries only the result
	cfg.LoggingConfig.Output = "stderr"
	logger := app.NewLogger(cfg.LoggingConfig, "settle-once")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize settlement engine")
		os.Exit(1)
	}

	result, err := engine.Scheduler.RunSettlementBatch(ctx, now)
	engine.Close()

	if result == nil {
		logger.Error().Err(err).Msg("Settlement batch failed")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(result); encErr != nil {
		logger.Error().Err(encErr).Msg("Failed to encode batch result")
		os.Exit(1)
	}

	switch {
	case errors.Is(err, settlement.ErrBatchInProgress):
		os.Exit(2)
	case err != nil:
		logger.Error().Err(err).Msg("Settlement batch aborted")
		os.Exit(1)
	}
}
