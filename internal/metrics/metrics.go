// Package metrics exposes Prometheus metrics for the session tracker.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "session_tracker"

// Event outcomes.
const (
	EventAccepted  = "accepted"
	EventThrottled = "throttled"
	EventNoSession = "no_session"
	EventFailed    = "write_failed"
)

// IP lookup outcomes.
const (
	LookupSuccess = "success"
	LookupFailure = "failure"
	LookupSkipped = "breaker_open"
)

// Geolocation outcomes.
const (
	GeoResolved    = "resolved"
	GeoUnavailable = "unavailable"
	GeoFailed      = "failed"
	GeoTimeout     = "timeout"
	GeoStale       = "stale"
)

// Metrics holds all tracker metrics.
type Metrics struct {
	SessionsCreated prometheus.Counter
	SessionsFailed  prometheus.Counter
	Events          *prometheus.CounterVec
	WritesDropped   prometheus.Counter
	IPLookups       *prometheus.CounterVec
	Geolocation     *prometheus.CounterVec
	ActivePages     prometheus.Gauge
}

// New registers the tracker metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Session documents persisted.",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Session documents that failed to persist.",
		}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Track calls by outcome.",
		}, []string{"outcome"}),
		WritesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_dropped_total",
			Help:      "Detached writes dropped because the dispatch queue was full.",
		}),
		IPLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_lookups_total",
			Help:      "IP provider attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		Geolocation: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geolocation_total",
			Help:      "Geolocation queries by outcome.",
		}, []string{"outcome"}),
		ActivePages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pages",
			Help:      "Page trackers currently registered.",
		}),
	}
}

// SessionCreated counts a persisted session.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// SessionFailed counts a session that failed to persist.
func (m *Metrics) SessionFailed() {
	if m == nil {
		return
	}
	m.SessionsFailed.Inc()
}

// Event counts a Track call outcome.
func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(outcome).Inc()
}

// WriteDropped counts a write dropped on a full queue.
func (m *Metrics) WriteDropped() {
	if m == nil {
		return
	}
	m.WritesDropped.Inc()
}

// IPLookup counts one provider attempt.
func (m *Metrics) IPLookup(provider, outcome string) {
	if m == nil {
		return
	}
	m.IPLookups.WithLabelValues(provider, outcome).Inc()
}

// Geo counts one geolocation query outcome.
func (m *Metrics) Geo(outcome string) {
	if m == nil {
		return
	}
	m.Geolocation.WithLabelValues(outcome).Inc()
}

// SetActivePages records the registry size.
func (m *Metrics) SetActivePages(n int) {
	if m == nil {
		return
	}
	m.ActivePages.Set(float64(n))
}
