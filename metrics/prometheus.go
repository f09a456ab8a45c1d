// Package metrics provides Prometheus instrumentation for admission
// engines.
//
// Wrap any admitgate.Engine to automatically record request counts,
// latency, and backend errors:
//
//	collector := metrics.NewCollector()
//	engine, _ := admitgate.NewTokenBucket(100, 10)
//	engine = metrics.Wrap(engine, metrics.TokenBucket, collector)
//
// All metrics are partitioned by algorithm name. Request counts carry an
// additional "decision" label (allowed / denied).
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/krishna-kudari/admitgate"
)

// Algorithm name constants for the algorithm label.
const (
	FixedWindow    = "fixed_window"
	SlidingLog     = "sliding_window_log"
	SlidingCounter = "sliding_window_counter"
	TokenBucket    = "token_bucket"
	LeakyBucket    = "leaky_bucket"
	GCRA           = "gcra"
)

// Collector holds Prometheus metric vectors for admission instrumentation.
type Collector struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for request duration.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_requests_total        counter   (algorithm, decision)
//   - {namespace}_request_duration_seconds  histogram (algorithm)
//   - {namespace}_errors_total          counter   (algorithm)
//
// Default namespace is "admitgate".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "admitgate",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "requests_total",
		Help:      "Total admission checks partitioned by algorithm and decision.",
	}, []string{"algorithm", "decision"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "request_duration_seconds",
		Help:      "Latency of Admit calls in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"algorithm"})

	errors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "errors_total",
		Help:      "Total admission engine transport errors.",
	}, []string{"algorithm"})

	cfg.registry.MustRegister(requests, duration, errors)

	return &Collector{
		requests: requests,
		duration: duration,
		errors:   errors,
	}
}

// Wrap returns an Engine that transparently records Prometheus metrics
// for every Admit call delegated to inner.
func Wrap(inner admitgate.Engine, algorithm string, c *Collector) admitgate.Engine {
	return &instrumentedEngine{
		inner:     inner,
		algorithm: algorithm,
		collector: c,
	}
}

type instrumentedEngine struct {
	inner     admitgate.Engine
	algorithm string
	collector *Collector
}

func (e *instrumentedEngine) Admit(ctx context.Context, key string) (admitgate.Decision, error) {
	start := time.Now()
	decision, err := e.inner.Admit(ctx, key)
	e.collector.duration.WithLabelValues(e.algorithm).Observe(time.Since(start).Seconds())

	if err != nil {
		e.collector.errors.WithLabelValues(e.algorithm).Inc()
	}
	e.recordDecision(decision)
	return decision, err
}

func (e *instrumentedEngine) Peek(ctx context.Context, key string) (admitgate.Decision, error) {
	return e.inner.Peek(ctx, key)
}

func (e *instrumentedEngine) Reset(ctx context.Context, key string) error {
	return e.inner.Reset(ctx, key)
}

func (e *instrumentedEngine) Stats(ctx context.Context, key string) (map[string]any, error) {
	return e.inner.Stats(ctx, key)
}

func (e *instrumentedEngine) recordDecision(d admitgate.Decision) {
	decision := "denied"
	if d.Allowed {
		decision = "allowed"
	}
	e.collector.requests.WithLabelValues(e.algorithm, decision).Inc()
}
