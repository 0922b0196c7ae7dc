// Package metrics provides Prometheus metrics for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const defaultNamespace = "investment_settlement"

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Batch metrics
	BatchRunsTotal      *prometheus.CounterVec
	BatchDuration       prometheus.Histogram
	BatchInvestments    prometheus.Gauge
	LastSuccessfulBatch prometheus.Gauge

	// Settlement metrics
	InvestmentsSettled *prometheus.CounterVec
	ROIPaid            prometheus.Counter
	PrincipalReturned  prometheus.Counter

	// Commission metrics
	CommissionsPaid   *prometheus.CounterVec
	CommissionAmount  *prometheus.CounterVec
	CommissionSkipped *prometheus.CounterVec

	// Notification metrics
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates a Metrics instance registered on reg. A nil reg uses a fresh
// registry, never the global default, so tests can construct many.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		BatchRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Total settlement batches by result",
		}, []string{"result"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Settlement batch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
		BatchInvestments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "investments",
			Help:      "Active investments seen by the last batch",
		}),
		LastSuccessfulBatch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_batch_timestamp",
			Help:      "Unix timestamp of the last completed batch",
		}),
		InvestmentsSettled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "investments_total",
			Help:      "Investments processed by outcome",
		}, []string{"outcome"}),
		ROIPaid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "roi_paid_total",
			Help:      "ROI credited to reward wallets",
		}),
		PrincipalReturned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "principal_returned_total",
			Help:      "Principal released back to spendable balance",
		}),
		CommissionsPaid: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "payouts_total",
			Help:      "Commission payouts by level",
		}, []string{"level"}),
		CommissionAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "amount_total",
			Help:      "Commission amount credited by level",
		}, []string{"level"}),
		CommissionSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commission",
			Name:      "skipped_total",
			Help:      "Commission levels skipped by reason",
		}, []string{"reason"}),
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "sent_total",
			Help:      "Notification deliveries by notifier and status",
		}, []string{"notifier", "status"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notification",
			Name:      "dropped_total",
			Help:      "Notifications dropped because the queue was full",
		}),
		gatherer: reg,
	}
}

// Handler exposes the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ============================================================================
// RECORDERS
// ============================================================================

func amount(v decimal.Decimal) float64 {
	f, _ := v.Float64()
	return f
}

// RecordBatch records a finished batch
func (m *Metrics) RecordBatch(result string, investments int, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.BatchRunsTotal.WithLabelValues(result).Inc()
	m.BatchDuration.Observe(duration.Seconds())
	m.BatchInvestments.Set(float64(investments))
	if result == "success" {
		m.LastSuccessfulBatch.Set(float64(finishedAt.Unix()))
	}
}

// RecordSettlement records the outcome of one investment
func (m *Metrics) RecordSettlement(outcome string, roi, principal decimal.Decimal) {
	if m == nil {
		return
	}
	m.InvestmentsSettled.WithLabelValues(outcome).Inc()
	if roi.IsPositive() {
		m.ROIPaid.Add(amount(roi))
	}
	if principal.IsPositive() {
		m.PrincipalReturned.Add(amount(principal))
	}
}

// RecordCommission records one commission payout
func (m *Metrics) RecordCommission(level int, value decimal.Decimal) {
	if m == nil {
		return
	}
	l := strconv.Itoa(level)
	m.CommissionsPaid.WithLabelValues(l).Inc()
	m.CommissionAmount.WithLabelValues(l).Add(amount(value))
}

// RecordCommissionSkipped records a level that was not paid
func (m *Metrics) RecordCommissionSkipped(reason string) {
	if m == nil {
		return
	}
	m.CommissionSkipped.WithLabelValues(reason).Inc()
}

// RecordNotification records one delivery attempt
func (m *Metrics) RecordNotification(notifier string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.NotificationsSent.WithLabelValues(notifier, status).Inc()
}

// RecordNotificationDropped records a notification lost to back-pressure
func (m *Metrics) RecordNotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}
