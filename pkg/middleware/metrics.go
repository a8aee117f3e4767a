package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aiflow80/aiflow/pkg/flow"
	"github.com/aiflow80/aiflow/pkg/protocol"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "aiflow").
	Namespace string

	// Subsystem is the metrics subsystem (default: "flow").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for frame handling duration.
	// Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registerer to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registerer.
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = reg
	}
}

// Metrics creates middleware that records a counter and a duration
// histogram per handled frame, labeled by frame type and outcome.
func Metrics(opts ...MetricsOption) flow.Middleware {
	config := MetricsConfig{
		Namespace: "aiflow",
		Subsystem: "flow",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)
	frames := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "frames_handled_total",
		Help:        "Frames handled by the coordinator, by type and outcome.",
		ConstLabels: config.ConstLabels,
	}, []string{"type", "outcome"})
	duration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "frame_duration_seconds",
		Help:        "Frame handling duration in seconds, by type.",
		ConstLabels: config.ConstLabels,
		Buckets:     config.Buckets,
	}, []string{"type"})

	return func(next flow.Handler) flow.Handler {
		return func(ctx context.Context, f *protocol.Frame) error {
			start := time.Now()
			err := next(ctx, f)
			duration.WithLabelValues(string(f.Type)).Observe(time.Since(start).Seconds())
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			frames.WithLabelValues(string(f.Type), outcome).Inc()
			return err
		}
	}
}
