package settlement

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"investment-settlement/internal/logging"
	"investment-settlement/internal/notification"
)

// MonitoringConfig holds configuration for settlement monitoring
type MonitoringConfig struct {
	CheckInterval  time.Duration // how often to check for a stalled scheduler
	StallThreshold time.Duration // no successful batch for this long raises an alert
	AdminUserID    string        // recipient of admin alerts
	Enabled        bool
}

// DefaultMonitoringConfig returns default monitoring configuration
func DefaultMonitoringConfig() *MonitoringConfig {
	return &MonitoringConfig{
		CheckInterval:  15 * time.Minute,
		StallThreshold: 26 * time.Hour,
		AdminUserID:    "admin",
		Enabled:        true,
	}
}

// MonitorStatus is a snapshot of batch health
type MonitorStatus struct {
	Running             bool         `json:"running"`
	StartedAt           time.Time    `json:"started_at"`
	LastBatch           *BatchResult `json:"last_batch,omitempty"`
	LastSuccessAt       time.Time    `json:"last_success_at"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Stalled             bool         `json:"stalled"`
	AlertsSent          int          `json:"alerts_sent"`
}

// Monitor tracks batch results and alerts an admin when batches abort or
// stop succeeding
type Monitor struct {
	config     *MonitoringConfig
	dispatcher notification.Dispatcher
	clock      Clock
	logger     zerolog.Logger

	mu                  sync.Mutex
	running             bool
	stopChan            chan struct{}
	wg                  sync.WaitGroup
	startedAt           time.Time
	lastBatch           *BatchResult
	lastSuccessAt       time.Time
	consecutiveFailures int
	stallAlerted        bool
	alertsSent          int
}

var _ BatchObserver = (*Monitor)(nil)

// NewMonitor creates a new settlement monitor
func NewMonitor(config *MonitoringConfig, dispatcher notification.Dispatcher, clock Clock, logger zerolog.Logger) *Monitor {
	if config == nil {
		config = DefaultMonitoringConfig()
	}
	if dispatcher == nil {
		dispatcher = notification.Nop
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Monitor{
		config:     config,
		dispatcher: dispatcher,
		clock:      clock,
		logger:     logging.Component(logger, "settlement_monitor"),
		stopChan:   make(chan struct{}),
		startedAt:  clock.Now(),
	}
}

// Start starts the monitoring loop
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("settlement monitor already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.startedAt = m.clock.Now()
	stop := m.stopChan
	m.mu.Unlock()

	m.logger.Info().
		Dur("check_interval", m.config.CheckInterval).
		Dur("stall_threshold", m.config.StallThreshold).
		Msg("Starting settlement monitor")

	m.wg.Add(1)
	go m.runMonitoringLoop(stop)

	return nil
}

// Stop stops the monitoring loop
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("settlement monitor not running")
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()

	m.logger.Info().Msg("Settlement monitor stopped")
	return nil
}

// IsRunning returns whether the monitor is running
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) runMonitoringLoop(stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckStall()
		case <-stop:
			return
		}
	}
}

// RecordBatch updates state from a finished batch and alerts on an abort
func (m *Monitor) RecordBatch(result *BatchResult) {
	m.mu.Lock()
	m.lastBatch = result

	var alert *notification.Notification
	switch result.Result {
	case ResultSuccess, ResultPartial:
		m.lastSuccessAt = result.FinishedAt
		m.consecutiveFailures = 0
		m.stallAlerted = false
	case ResultAborted:
		m.consecutiveFailures++
		alert = m.alertLocked("Settlement batch aborted",
			fmt.Sprintf("Batch %s aborted after %d of %d investments: %s",
				result.BatchID, result.Total-result.NotAttempted, result.Total, result.AbortError))
	}
	m.mu.Unlock()

	if alert != nil {
		m.send(alert)
	}
}

// CheckStall alerts once when no batch has succeeded within StallThreshold
func (m *Monitor) CheckStall() bool {
	if !m.config.Enabled {
		return false
	}

	now := m.clock.Now()
	m.mu.Lock()
	since := m.lastSuccessAt
	if since.IsZero() {
		since = m.startedAt
	}
	stalled := now.Sub(since) > m.config.StallThreshold
	var alert *notification.Notification
	if stalled && !m.stallAlerted {
		m.stallAlerted = true
		alert = m.alertLocked("Settlement stalled",
			fmt.Sprintf("No successful settlement batch since %s", since.Format(time.RFC3339)))
	}
	m.mu.Unlock()

	if alert != nil {
		m.send(alert)
	}
	return stalled
}

// Status returns a snapshot of batch health
func (m *Monitor) Status() MonitorStatus {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	since := m.lastSuccessAt
	if since.IsZero() {
		since = m.startedAt
	}
	return MonitorStatus{
		Running:             m.running,
		StartedAt:           m.startedAt,
		LastBatch:           m.lastBatch,
		LastSuccessAt:       m.lastSuccessAt,
		ConsecutiveFailures: m.consecutiveFailures,
		Stalled:             now.Sub(since) > m.config.StallThreshold,
		AlertsSent:          m.alertsSent,
	}
}

func (m *Monitor) alertLocked(title, message string) *notification.Notification {
	if !m.config.Enabled {
		return nil
	}
	m.alertsSent++
	return &notification.Notification{
		UserID:    m.config.AdminUserID,
		Kind:      notification.KindAdminAlert,
		Title:     title,
		Message:   message,
		CreatedAt: m.clock.Now(),
	}
}

func (m *Monitor) send(n *notification.Notification) {
	m.logger.Error().Str("title", n.Title).Msg(n.Message)
	m.dispatcher.Dispatch(n)
}
