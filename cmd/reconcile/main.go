// reconcile checks ledger invariants for every user (or one user) and
// exits non-zero when any invariant is violated.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"investment-settlement/config"
	"investment-settlement/internal/app"
	"investment-settlement/internal/ledger"
)

func main() {
	userID := flag.String("user", "", "reconcile only this user")
	store := flag.String("store", "", "ledger store backend: postgres or memory (overrides config)")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	if *store != "" {
		os.Setenv("SETTLEMENT_STORE", *store)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.LoggingConfig.Output = "stderr"
	logger := app.NewLogger(cfg.LoggingConfig, "reconcile")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize settlement engine")
		os.Exit(1)
	}
	defer engine.Close()

	reconciler := ledger.NewReconciler(engine.Store, nil)
	now := time.Now()

	var report *ledger.ReconcileReport
	if *userID != "" {
		res, err := reconciler.ReconcileUser(ctx, *userID, now)
		if err != nil {
			logger.Error().Err(err).Str("user_id", *userID).Msg("Reconciliation failed")
			engine.Close()
			os.Exit(1)
		}
		report = &ledger.ReconcileReport{Results: []*ledger.ValidationResult{}}
		report.Add(res)
	} else {
		report, err = reconciler.ReconcileAll(ctx, now)
		if err != nil {
			logger.Error().Err(err).Msg("Reconciliation failed")
			engine.Close()
			os.Exit(1)
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printReport(report)
	}

	if !report.OK() {
		engine.Close()
		os.Exit(1)
	}
}

func printReport(report *ledger.ReconcileReport) {
	fmt.Printf("Checked %d users: %d invalid, %d with warnings\n",
		report.CheckedUsers, report.InvalidUsers, report.WarnedUsers)
	for _, res := range report.Results {
		fmt.Printf("\n%s\n", res.UserID)
		for _, e := range res.Errors {
			fmt.Printf("  ERROR   %s\n", e)
		}
		for _, w := range res.Warnings {
			fmt.Printf("  WARNING %s\n", w)
		}
	}
}
