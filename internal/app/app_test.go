package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investment-settlement/config"
	"investment-settlement/internal/investing"
	"investment-settlement/internal/ledger"
	"investment-settlement/internal/lock"
	"investment-settlement/internal/settlement"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Store = "memory"
	cfg.SchedulerConfig.Timezone = "Asia/Kolkata"
	cfg.SchedulerConfig.MaxRetries = 1
	return cfg
}

func TestBuildMemoryEngine(t *testing.T) {
	ctx := context.Background()
	e, err := Build(ctx, memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	assert.Nil(t, e.Cache)
	assert.IsType(t, &lock.LocalLocker{}, e.Locker)
	require.NoError(t, e.Store.Ping(ctx))

	start := time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)
	svc := e.Investing
	svc.SetClock(func() time.Time { return start })

	require.NoError(t, svc.CreatePlan(ctx, &ledger.Plan{ID: "p1", Name: "Daily", ROIPercent: decimal.NewFromInt(1),
		MinAmount: decimal.NewFromInt(10), DurationDays: 10, AutoPayout: true}))
	require.NoError(t, svc.OpenAccount(ctx, "u1", ""))
	_, err = svc.Deposit(ctx, "u1", decimal.NewFromInt(1000))
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, investing.SubscribeRequest{UserID: "u1", PlanID: "p1",
		Amount: decimal.NewFromInt(1000), StartDate: start})
	require.NoError(t, err)

	result, err := e.Scheduler.RunSettlementBatch(ctx, start.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, settlement.ResultSuccess, result.Result)
	assert.Equal(t, 1, result.DailyROI)
	assert.True(t, result.ROIPaid.Equal(decimal.NewFromInt(30)))

	// the monitor observes scheduler batches
	status := e.Monitor.Status()
	require.NotNil(t, status.LastBatch)
	assert.Equal(t, result.BatchID, status.LastBatch.BatchID)

	require.NoError(t, svc.OpenAccount(ctx, "ref", ""))
	require.NoError(t, e.Store.WithinTx(ctx, func(tx ledger.Tx) error {
		return tx.CreateReferral(ctx, &ledger.Referral{ReferredUser: "u1", ReferredBy: "ref"})
	}))
	nodes, err := e.Distributor.Tree(ctx, "ref")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "u1", nodes[0].UserID)
	assert.Equal(t, 1, nodes[0].Level)
}

func TestSchedulerConfigConversion(t *testing.T) {
	s := memoryConfig().SchedulerConfig
	s.MaxConcurrent = 3
	s.Interval = 6 * time.Hour

	sc := SchedulerConfig(s)
	assert.Equal(t, 6*time.Hour, sc.Interval)
	assert.Equal(t, "Asia/Kolkata", sc.Location.String())
	assert.Equal(t, 3, sc.MaxConcurrent)
	assert.Equal(t, 1, sc.Retry.MaxRetries)
}

func TestMonitoringConfigConversion(t *testing.T) {
	s := config.Default().SchedulerConfig
	s.StallThreshold = 20 * time.Minute
	s.AdminUserID = "ops"

	mc := MonitoringConfig(s)
	assert.True(t, mc.Enabled)
	assert.Equal(t, 20*time.Minute, mc.StallThreshold)
	assert.Equal(t, 5*time.Minute, mc.CheckInterval)
	assert.Equal(t, "ops", mc.AdminUserID)

	s.StallThreshold = 0
	assert.False(t, MonitoringConfig(s).Enabled)
}
