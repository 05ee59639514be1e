// Package metrics provides Prometheus-based implementations of service metrics reporting.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sufield/cosign/internal/core/services"
)

// PrometheusMetrics implements services.MetricsReporter using Prometheus.
type PrometheusMetrics struct {
	attempts      *prometheus.CounterVec
	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	quarantines   *prometheus.CounterVec
	borrows       *prometheus.CounterVec
	rebuilds      *prometheus.CounterVec
	secondary     *prometheus.CounterVec
	reloads       *prometheus.CounterVec
}

var _ services.MetricsReporter = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the cosign collectors with reg. A nil reg
// means the default registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusMetrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosign_auth_attempts_total",
			Help: "Authentication attempts by final outcome",
		}, []string{"outcome"}), // authenticated, cached, or a failure kind

		checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosign_checks_total",
			Help: "CHECK commands sent, by server and response class",
		}, []string{"server", "code"}),

		checkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cosign_check_duration_seconds",
			Help:    "Duration of CHECK round trips",
			Buckets: prometheus.DefBuckets,
		}, []string{"server"}),

		quarantines: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosign_connection_quarantines_total",
			Help: "Connections closed and quarantined",
		}, []string{"server"}),

		borrows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosign_pool_borrows_total",
			Help: "Connection group borrows by result",
		}, []string{"server", "result"}),

		rebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosign_pool_rebuilds_total",
			Help: "Connection pool generation rebuilds",
		}, []string{"server", "reason"}), // reason: initial, config, address-change

		secondary: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosign_secondary_retrievals_total",
			Help: "Ticket and proxy cookie retrievals",
		}, []string{"kind", "result"}),

		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cosign_config_reloads_total",
			Help: "Configuration reloads by result",
		}, []string{"result"}),
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordAttempt records the final state of an authentication attempt.
func (m *PrometheusMetrics) RecordAttempt(outcome string) {
	m.attempts.WithLabelValues(outcome).Inc()
}

// RecordCheck records one CHECK round trip.
func (m *PrometheusMetrics) RecordCheck(server, code string, duration time.Duration) {
	m.checks.WithLabelValues(server, code).Inc()
	m.checkDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// RecordQuarantine records a quarantined connection.
func (m *PrometheusMetrics) RecordQuarantine(server string) {
	m.quarantines.WithLabelValues(server).Inc()
}

// RecordBorrow records a pool borrow.
func (m *PrometheusMetrics) RecordBorrow(server, result string) {
	m.borrows.WithLabelValues(server, result).Inc()
}

// RecordPoolRebuild records a pool generation change.
func (m *PrometheusMetrics) RecordPoolRebuild(server, reason string) {
	m.rebuilds.WithLabelValues(server, reason).Inc()
}

// RecordSecondary records a ticket or proxy cookie retrieval.
func (m *PrometheusMetrics) RecordSecondary(kind string, success bool) {
	m.secondary.WithLabelValues(kind, result(success)).Inc()
}

// RecordConfigReload records a configuration load attempt.
func (m *PrometheusMetrics) RecordConfigReload(success bool) {
	m.reloads.WithLabelValues(result(success)).Inc()
}
