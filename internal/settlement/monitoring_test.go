package settlement

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investment-settlement/internal/notification"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMonitorAlertsOnAbortedBatch(t *testing.T) {
	clock := &manualClock{now: day0}
	disp := &recordingDispatcher{}
	m := NewMonitor(nil, disp, clock, zerolog.Nop())

	m.RecordBatch(&BatchResult{BatchID: "b1", Result: ResultAborted, Total: 3, NotAttempted: 2, AbortError: "store down"})
	m.RecordBatch(&BatchResult{BatchID: "b2", Result: ResultAborted, Total: 3, NotAttempted: 3, AbortError: "store down"})

	status := m.Status()
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, 2, status.AlertsSent)
	assert.Equal(t, []notification.Kind{notification.KindAdminAlert, notification.KindAdminAlert}, disp.kinds())
	assert.Equal(t, "admin", disp.got[0].UserID)
	assert.Contains(t, disp.got[0].Message, "after 1 of 3")

	m.RecordBatch(&BatchResult{BatchID: "b3", Result: ResultPartial, FinishedAt: day0})
	status = m.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, day0, status.LastSuccessAt)
	assert.Equal(t, "b3", status.LastBatch.BatchID)
}

func TestMonitorLockedBatchIsNeutral(t *testing.T) {
	disp := &recordingDispatcher{}
	m := NewMonitor(nil, disp, &manualClock{now: day0}, zerolog.Nop())

	m.RecordBatch(&BatchResult{Result: ResultLocked})
	assert.Empty(t, disp.kinds())
	assert.Equal(t, 0, m.Status().ConsecutiveFailures)
}

func TestMonitorCheckStall(t *testing.T) {
	clock := &manualClock{now: day0}
	disp := &recordingDispatcher{}
	m := NewMonitor(nil, disp, clock, zerolog.Nop())

	clock.Advance(25 * time.Hour)
	assert.False(t, m.CheckStall())

	clock.Advance(2 * time.Hour)
	assert.True(t, m.CheckStall())
	assert.True(t, m.CheckStall())
	assert.Len(t, disp.kinds(), 1, "stall alert is sent once")
	assert.True(t, m.Status().Stalled)

	m.RecordBatch(&BatchResult{Result: ResultSuccess, FinishedAt: clock.Now()})
	assert.False(t, m.CheckStall())

	clock.Advance(27 * time.Hour)
	assert.True(t, m.CheckStall())
	assert.Len(t, disp.kinds(), 2, "alert re-arms after a success")
}

func TestMonitorDisabled(t *testing.T) {
	clock := &manualClock{now: day0}
	disp := &recordingDispatcher{}
	cfg := DefaultMonitoringConfig()
	cfg.Enabled = false
	m := NewMonitor(cfg, disp, clock, zerolog.Nop())

	clock.Advance(48 * time.Hour)
	assert.False(t, m.CheckStall())
	m.RecordBatch(&BatchResult{Result: ResultAborted})
	assert.Empty(t, disp.kinds())
}

func TestMonitorStartStop(t *testing.T) {
	cfg := DefaultMonitoringConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	m := NewMonitor(cfg, nil, nil, zerolog.Nop())

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start())
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.Error(t, m.Stop())
}
