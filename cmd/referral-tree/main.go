// referral-tree prints the commission downline of a user: every member
// down to the deepest commission level and what the user earned from each.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"investment-settlement/config"
	"investment-settlement/internal/app"
	"investment-settlement/internal/commission"
)

func main() {
	userID := flag.String("user", "", "root of the tree (required)")
	store := flag.String("store", "", "ledger store backend: postgres or memory (overrides config)")
	asJSON := flag.Bool("json", false, "print the tree as JSON")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	if *store != "" {
		os.Setenv("SETTLEMENT_STORE", *store)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.LoggingConfig.Output = "stderr"
	logger := app.NewLogger(cfg.LoggingConfig, "referral-tree")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize settlement engine")
		os.Exit(1)
	}
	defer engine.Close()

	nodes, err := engine.Distributor.Tree(ctx, *userID)
	if err != nil {
		logger.Error().Err(err).Str("user_id", *userID).Msg("Failed to load referral tree")
		engine.Close()
		os.Exit(1)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(nodes)
		return
	}
	printTree(*userID, nodes)
}

func printTree(root string, nodes []commission.TreeNode) {
	fmt.Printf("%s: %d members\n", root, len(nodes))
	for _, n := range nodes {
		fmt.Printf("%s%s  level %d  earned %s  joined %s\n",
			strings.Repeat("  ", n.Level), n.UserID, n.Level,
			n.CommissionEarned.StringFixed(2), n.JoinedAt.Format("2006-01-02"))
	}
}
