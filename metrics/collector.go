// Package metrics provides Prometheus instrumentation for the admission
// engine.
//
// The Collector implements gateguard.Observer; attach it with
// gateguard.WithObserver:
//
//	collector := metrics.NewCollector()
//	limiter, _ := gateguard.New(s, gateguard.WithObserver(collector))
//
// Decision counts are partitioned by rule and algorithm and carry a
// "decision" label (allowed / denied).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/krishna-kudari/gateguard"
)

// Collector holds the Prometheus metric vectors for admission decisions.
type Collector struct {
	decisions    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	storeErrors  *prometheus.CounterVec
	quotaDenials *prometheus.CounterVec
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

// WithBuckets sets custom histogram buckets for decision latency.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_decisions_total           counter   (rule, algorithm, decision)
//   - {namespace}_decision_duration_seconds histogram (algorithm)
//   - {namespace}_store_errors_total        counter   (rule)
//   - {namespace}_quota_denials_total       counter   (quota)
//
// Default namespace is "gateguard".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "gateguard",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "decisions_total",
		Help:      "Total admission decisions partitioned by rule, algorithm, and outcome.",
	}, []string{"rule", "algorithm", "decision"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "decision_duration_seconds",
		Help:      "Latency of Consume/Peek calls in seconds.",
		Buckets:   cfg.buckets,
	}, []string{"algorithm"})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "store_errors_total",
		Help:      "Total backend store failures that triggered the fail-open/fail-closed policy.",
	}, []string{"rule"})

	quotaDenials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "quota_denials_total",
		Help:      "Total requests rejected by long-horizon quota accounting.",
	}, []string{"quota"})

	cfg.registry.MustRegister(decisions, duration, storeErrors, quotaDenials)

	return &Collector{
		decisions:    decisions,
		duration:     duration,
		storeErrors:  storeErrors,
		quotaDenials: quotaDenials,
	}
}

// Decision implements gateguard.Observer.
func (c *Collector) Decision(ruleID string, algo gateguard.Algorithm, allowed bool, elapsed time.Duration) {
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	if ruleID == "" {
		ruleID = "none"
	}
	c.decisions.WithLabelValues(ruleID, string(algo), decision).Inc()
	c.duration.WithLabelValues(string(algo)).Observe(elapsed.Seconds())
}

// StoreError implements gateguard.Observer.
func (c *Collector) StoreError(ruleID string) {
	if ruleID == "" {
		ruleID = "none"
	}
	c.storeErrors.WithLabelValues(ruleID).Inc()
}

// QuotaDenied implements gateguard.Observer.
func (c *Collector) QuotaDenied(quotaName string) {
	c.quotaDenials.WithLabelValues(quotaName).Inc()
}
