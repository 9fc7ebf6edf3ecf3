// Package metrics exposes the gateway's Prometheus instrumentation: a
// registry of request/chain/payment counters served at /metrics and folded
// into a JSON snapshot for the performance-metrics operation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry bundles every counter, histogram, and gauge the gateway emits.
type Registry struct {
	reg *prometheus.Registry

	ExplainRequests  *prometheus.CounterVec
	ExplainDuration  *prometheus.HistogramVec
	ExplainCacheHits prometheus.Counter

	ChainAnchors     *prometheus.CounterVec
	ChainLatency     *prometheus.HistogramVec
	ConsensusRatio   prometheus.Histogram

	QualityScore     prometheus.Histogram
	RewardsPaid      *prometheus.CounterVec

	QuotaRejections  *prometheus.CounterVec
	QuotaInFlight     *prometheus.GaugeVec

	TaskTransitions  *prometheus.CounterVec
	MarketplaceCalls *prometheus.CounterVec
}

// New creates a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,

		ExplainRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_explain_requests_total",
			Help: "Explanation requests by method and outcome.",
		}, []string{"method", "outcome"}),

		ExplainDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_explain_duration_seconds",
			Help:    "Time spent computing an explanation, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		ExplainCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "gateway_explain_cache_hits_total",
			Help: "Explanation requests served from the explanation cache.",
		}),

		ChainAnchors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_chain_anchors_total",
			Help: "Anchor attempts by chain and outcome.",
		}, []string{"chain", "outcome"}),

		ChainLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_chain_anchor_duration_seconds",
			Help:    "Anchor round-trip latency by chain.",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain"}),

		ConsensusRatio: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_consensus_verified_ratio",
			Help:    "Fraction of chains, primary included, that confirmed an anchor.",
			Buckets: []float64{0, 0.25, 0.5, 0.66, 0.75, 0.9, 1.0},
		}),

		QualityScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_quality_score",
			Help:    "Computed quality score per explanation.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),

		RewardsPaid: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rewards_paid_total",
			Help: "Rewards credited by token.",
		}, []string{"token"}),

		QuotaRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_quota_rejections_total",
			Help: "Requests rejected by the quota gate, by tier.",
		}, []string{"tier"}),

		QuotaInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_quota_in_flight",
			Help: "Concurrent in-flight requests per agent tier.",
		}, []string{"tier"}),

		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_task_transitions_total",
			Help: "Task lifecycle transitions by from/to state.",
		}, []string{"from", "to"}),

		MarketplaceCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_marketplace_calls_total",
			Help: "Outbound marketplace API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}
}

// Handler returns the HTTP handler that serves this registry in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Snapshot is a JSON-friendly summary of the same counters Handler exposes
// in Prometheus exposition format, for callers that want a single
// programmatic read rather than scraping /metrics.
type Snapshot struct {
	ExplainRequestsTotal map[string]float64 `json:"explain_requests_total"`
	ExplainCacheHitsTotal float64           `json:"explain_cache_hits_total"`
	ChainAnchorsTotal    map[string]float64 `json:"chain_anchors_total"`
	RewardsPaidTotal     map[string]float64 `json:"rewards_paid_total"`
	QuotaRejectionsTotal map[string]float64 `json:"quota_rejections_total"`
	TaskTransitionsTotal map[string]float64 `json:"task_transitions_total"`
}

// Snapshot gathers the registry's current families and folds the counters
// named below into flat, label-keyed maps.
func (r *Registry) Snapshot() (Snapshot, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return Snapshot{}, err
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}
	snap := Snapshot{
		ExplainRequestsTotal: sumByLabel(byName["gateway_explain_requests_total"], "method"),
		ChainAnchorsTotal:    sumByLabel(byName["gateway_chain_anchors_total"], "chain"),
		RewardsPaidTotal:     sumByLabel(byName["gateway_rewards_paid_total"], "token"),
		QuotaRejectionsTotal: sumByLabel(byName["gateway_quota_rejections_total"], "tier"),
		TaskTransitionsTotal: sumByLabel(byName["gateway_task_transitions_total"], "to"),
	}
	if f := byName["gateway_explain_cache_hits_total"]; f != nil {
		for _, m := range f.GetMetric() {
			snap.ExplainCacheHitsTotal += m.GetCounter().GetValue()
		}
	}
	return snap, nil
}

// sumByLabel aggregates a counter family's values keyed by the first value
// found for labelName on each metric, summing duplicates (e.g. several
// "outcome" label combinations for the same labelName value).
func sumByLabel(f *dto.MetricFamily, labelName string) map[string]float64 {
	out := make(map[string]float64)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		key := ""
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName {
				key = lp.GetValue()
				break
			}
		}
		out[key] += m.GetCounter().GetValue()
	}
	return out
}
