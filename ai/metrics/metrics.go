// Package metrics exports Prometheus metrics for the narrative engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter bundles the collectors the engine, the LLM client and the
// volatile cache report into. A nil *Exporter is valid and records
// nothing, so tests can pass nil instead of wiring a registry.
type Exporter struct {
	registry *prometheus.Registry

	llmRequests  *prometheus.CounterVec
	llmDuration  prometheus.Histogram
	advancements *prometheus.CounterVec
	votes        prometheus.Counter
	cacheFlushes *prometheus.CounterVec
	activeGames  prometheus.Gauge
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one).
	Registry *prometheus.Registry

	// Buckets for the LLM latency histogram (in seconds).
	LatencyBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}
}

// NewExporter creates a new metrics exporter.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.llmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taleforge",
			Name:      "llm_requests_total",
			Help:      "Total number of LLM completion requests",
		},
		[]string{"outcome"},
	)

	e.llmDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "taleforge",
			Name:      "llm_request_duration_seconds",
			Help:      "LLM completion request duration in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	e.advancements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taleforge",
			Name:      "game_advancements_total",
			Help:      "Total number of round advancement attempts by result",
		},
		[]string{"result"},
	)

	e.votes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "taleforge",
			Name:      "votes_recorded_total",
			Help:      "Total number of reaction votes recorded",
		},
	)

	e.cacheFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taleforge",
			Name:      "cache_flushes_total",
			Help:      "Total number of volatile cache flushes to disk",
		},
		[]string{"forced"},
	)

	e.activeGames = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taleforge",
			Name:      "active_games",
			Help:      "Number of games currently bound to a channel",
		},
	)

	registry.MustRegister(
		e.llmRequests,
		e.llmDuration,
		e.advancements,
		e.votes,
		e.cacheFlushes,
		e.activeGames,
	)

	return e
}

// Advancement results.
const (
	ResultAdvanced   = "advanced"
	ResultTipChanged = "tip_changed"
	ResultNoVotes    = "no_votes"
	ResultLLMFailed  = "llm_failed"
)

// RecordLLMRequest records one completion request and its duration.
func (e *Exporter) RecordLLMRequest(outcome string, d time.Duration) {
	if e == nil {
		return
	}
	e.llmRequests.WithLabelValues(outcome).Inc()
	e.llmDuration.Observe(d.Seconds())
}

// RecordAdvancement records one advancement attempt by result.
func (e *Exporter) RecordAdvancement(result string) {
	if e == nil {
		return
	}
	e.advancements.WithLabelValues(result).Inc()
}

// RecordVote records one reaction vote mutation.
func (e *Exporter) RecordVote() {
	if e == nil {
		return
	}
	e.votes.Inc()
}

// RecordCacheFlush records one volatile cache flush.
func (e *Exporter) RecordCacheFlush(forced bool) {
	if e == nil {
		return
	}
	label := "false"
	if forced {
		label = "true"
	}
	e.cacheFlushes.WithLabelValues(label).Inc()
}

// SetActiveGames sets the channel-bound game count.
func (e *Exporter) SetActiveGames(count int) {
	if e == nil {
		return
	}
	e.activeGames.Set(float64(count))
}

// Handler returns the HTTP handler serving the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}
