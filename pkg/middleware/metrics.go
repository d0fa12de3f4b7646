package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deltaview/deltaview/pkg/live"
	"github.com/deltaview/deltaview/pkg/rendered"
)

// MetricsConfig configures the Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace. Default: "deltaview".
	Namespace string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// DurationBuckets are the event duration histogram buckets.
	// Default: prometheus.DefBuckets.
	DurationBuckets []float64

	// Registry receives the metrics. Default:
	// prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures NewMetrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithDurationBuckets sets the event duration histogram buckets.
func WithDurationBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.DurationBuckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

// Metrics records the engine's Prometheus metrics: event counts and
// durations per view, patch traffic, and session lifecycle gauges. Use
// Middleware for the per-event metrics and the Session* methods from
// lifecycle hooks.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	eventErrors      *prometheus.CounterVec
	eventDuration    *prometheus.HistogramVec
	patchesTotal     prometheus.Counter
	patchBytes       prometheus.Histogram
	activeSessions   prometheus.Gauge
	detachedSessions prometheus.Gauge
	resumesTotal     prometheus.Counter
}

// NewMetrics registers and returns the engine metrics. Registering
// twice against one registry panics, per promauto; hold on to the
// returned value.
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := MetricsConfig{
		Namespace:       "deltaview",
		DurationBuckets: prometheus.DefBuckets,
		Registry:        prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "events_total",
			Help:        "Events dispatched, by view and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"view", "status"}),

		eventErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "event_errors_total",
			Help:        "Event failures, by view and error class",
			ConstLabels: config.ConstLabels,
		}, []string{"view", "class"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "event_duration_seconds",
			Help:        "Dispatch, render and diff duration per event",
			ConstLabels: config.ConstLabels,
			Buckets:     config.DurationBuckets,
		}, []string{"view"}),

		patchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "patches_sent_total",
			Help:        "Patches emitted to clients",
			ConstLabels: config.ConstLabels,
		}),

		patchBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "patch_bytes",
			Help:        "Encoded size of emitted patches",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(64, 4, 8),
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "active_sessions",
			Help:        "Sessions currently attached to a connection",
			ConstLabels: config.ConstLabels,
		}),

		detachedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "detached_sessions",
			Help:        "Disconnected sessions parked for resume",
			ConstLabels: config.ConstLabels,
		}),

		resumesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "session_resumes_total",
			Help:        "Parked sessions restored by a reconnect",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Middleware returns the per-event recording middleware.
func (m *Metrics) Middleware() Middleware {
	return func(ctx context.Context, info *EventInfo, next func(context.Context) error) error {
		start := time.Now()
		err := next(ctx)
		m.eventDuration.WithLabelValues(info.View).Observe(time.Since(start).Seconds())

		if err != nil {
			m.eventsTotal.WithLabelValues(info.View, "error").Inc()
			m.eventErrors.WithLabelValues(info.View, errorClass(err)).Inc()
			return err
		}

		m.eventsTotal.WithLabelValues(info.View, "ok").Inc()
		if info.PatchBytes > 0 {
			m.patchesTotal.Inc()
			m.patchBytes.Observe(float64(info.PatchBytes))
		}
		return nil
	}
}

// errorClass buckets an event failure for the error counter.
func errorClass(err error) string {
	var unknown *live.UnknownEventError
	var decode *live.DecodeError
	switch {
	case errors.As(err, &unknown):
		return "unknown_event"
	case errors.As(err, &decode):
		return "decode"
	case errors.Is(err, rendered.ErrShapeMismatch):
		return "shape_mismatch"
	default:
		return "handler"
	}
}

// SessionStarted records a session attaching.
func (m *Metrics) SessionStarted() {
	m.activeSessions.Inc()
}

// SessionClosed records a session terminating.
func (m *Metrics) SessionClosed() {
	m.activeSessions.Dec()
}

// SessionDetached records a session parking for resume.
func (m *Metrics) SessionDetached() {
	m.detachedSessions.Inc()
}

// SessionResumed records a parked session restored by a reconnect.
func (m *Metrics) SessionResumed() {
	m.detachedSessions.Dec()
	m.resumesTotal.Inc()
}
