// Package metrics exposes Prometheus metrics for prompt composition, the skill
// cache, the HTTP surface and LLM calls.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every metric the service exports. A nil *Collector is
// valid and records nothing.
type Collector struct {
	compositionsTotal   *prometheus.CounterVec
	compositionDuration prometheus.Histogram
	promptTokens        *prometheus.HistogramVec
	skillStatusTotal    *prometheus.CounterVec

	cacheRequests *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	llmRequestsTotal *prometheus.CounterVec
	llmTokensUsed    *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the metrics under namespace with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.compositionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compositions_total",
			Help:      "Prompt compositions by outcome",
		},
		[]string{"outcome"}, // ok, plain, cancelled, repository_unavailable, routing_input, error
	)

	c.compositionDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "composition_duration_seconds",
			Help:      "Prompt composition latency in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	c.promptTokens = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "composed_prompt_tokens",
			Help:      "Estimated tokens of composed prompts",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 10),
		},
		[]string{"family"},
	)

	c.skillStatusTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composition_skills_total",
			Help:      "Per-skill composition results by status",
		},
		[]string{"status"},
	)

	c.cacheRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_cache_requests_total",
			Help:      "Skill cache lookups by result",
		},
		[]string{"result"}, // hit, miss, error
	)

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	c.llmRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmTokensUsed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	return c
}

// ObserveComposition records one Compose call.
func (c *Collector) ObserveComposition(outcome, family string, d time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.compositionsTotal.WithLabelValues(outcome).Inc()
	c.compositionDuration.Observe(d.Seconds())
	if outcome == "ok" {
		c.promptTokens.WithLabelValues(family).Observe(float64(tokens))
	}
}

// ObserveSkillStatus counts one per-skill composition status.
func (c *Collector) ObserveSkillStatus(status string) {
	if c == nil {
		return
	}
	c.skillStatusTotal.WithLabelValues(status).Inc()
}

// ObserveCache counts skill cache hits and misses.
func (c *Collector) ObserveCache(hits, misses int) {
	if c == nil {
		return
	}
	if hits > 0 {
		c.cacheRequests.WithLabelValues("hit").Add(float64(hits))
	}
	if misses > 0 {
		c.cacheRequests.WithLabelValues("miss").Add(float64(misses))
	}
}

// ObserveCacheError counts a cache read or write failure.
func (c *Collector) ObserveCacheError() {
	if c == nil {
		return
	}
	c.cacheRequests.WithLabelValues("error").Inc()
}

// RecordHTTPRequest records one served request. route is the chi route
// pattern, not the raw path, to keep label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordLLMRequest records one provider call.
func (c *Collector) RecordLLMRequest(provider, model, status string, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}
