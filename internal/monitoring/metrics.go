// Package monitoring exposes Prometheus metrics and in-process latency
// percentiles for the governance pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the governance core.
type Metrics struct {
	// Policy engine
	Evaluations        *prometheus.CounterVec   // verdict, bundle_version
	EvaluationLatency  *prometheus.HistogramVec // bundle_version
	ActiveBundleInfo   *prometheus.GaugeVec     // version
	CompilationResults *prometheus.CounterVec   // result: ok, failed

	// Decision cache
	CacheRequests    *prometheus.CounterVec // tier, result: hit, miss, integrity_evict
	CacheEntries     *prometheus.GaugeVec   // tier
	CacheCompactions prometheus.Counter

	// Verification
	Obligations         *prometheus.CounterVec   // tier, status
	VerificationLatency *prometheus.HistogramVec // tier

	// Synthesis
	ModelCalls       *prometheus.CounterVec   // model, result: ok, timeout, error
	ModelLatency     *prometheus.HistogramVec // model
	BiasMitigations  *prometheus.CounterVec   // dimension
	EnsembleFlagged  prometheus.Counter
	EnsembleVerdicts *prometheus.CounterVec // strategy

	// Bandit
	ArmSelections    *prometheus.CounterVec // arm, mode: ucb, fallback
	SafetyViolations prometheus.Counter

	// Sandbox
	SandboxExecutions *prometheus.CounterVec   // runtime, state
	SandboxColdStart  *prometheus.HistogramVec // runtime
	SandboxViolations *prometheus.CounterVec   // category, severity

	// Audit
	AuditAppends *prometheus.CounterVec // kind
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Evaluations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_policy_evaluations_total",
				Help: "Total policy evaluations by verdict",
			},
			[]string{"verdict", "bundle_version"},
		),
		EvaluationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_policy_evaluation_seconds",
				Help:    "Policy evaluation latency",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"bundle_version"},
		),
		ActiveBundleInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_policy_active_bundle",
				Help: "Set to 1 for the currently active bundle version",
			},
			[]string{"version"},
		),
		CompilationResults: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_policy_compilations_total",
				Help: "Rule compilations by result",
			},
			[]string{"result"},
		),

		CacheRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_cache_requests_total",
				Help: "Decision cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		CacheEntries: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_cache_entries",
				Help: "Resident cache entries per tier",
			},
			[]string{"tier"},
		),
		CacheCompactions: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_cache_ttl_evictions_total",
				Help: "Entries evicted on TTL scan",
			},
		),

		Obligations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_verification_obligations_total",
				Help: "Verification obligations by tier and terminal status",
			},
			[]string{"tier", "status"},
		),
		VerificationLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_verification_seconds",
				Help:    "Per-obligation verification latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tier"},
		),

		ModelCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_model_calls_total",
				Help: "Ensemble model invocations by result",
			},
			[]string{"model", "result"},
		),
		ModelLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_model_call_seconds",
				Help:    "Model call latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"model"},
		),
		BiasMitigations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_bias_mitigations_total",
				Help: "Bias mitigation passes by offending dimension",
			},
			[]string{"dimension"},
		),
		EnsembleFlagged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_ensemble_flagged_total",
				Help: "Ensemble responses flagged for human review",
			},
		),
		EnsembleVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_ensemble_responses_total",
				Help: "Ensemble responses by strategy",
			},
			[]string{"strategy"},
		),

		ArmSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_bandit_selections_total",
				Help: "Bandit arm selections by mode",
			},
			[]string{"arm", "mode"},
		),
		SafetyViolations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_bandit_safety_violations_total",
				Help: "Selections where no arm passed the safety filter",
			},
		),

		SandboxExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_sandbox_executions_total",
				Help: "Sandbox executions by runtime and terminal state",
			},
			[]string{"runtime", "state"},
		),
		SandboxColdStart: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_sandbox_cold_start_seconds",
				Help:    "Sandbox cold start latency",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1},
			},
			[]string{"runtime"},
		),
		SandboxViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_sandbox_violations_total",
				Help: "Detected sandbox violations by category and severity",
			},
			[]string{"category", "severity"},
		),

		AuditAppends: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_audit_appends_total",
				Help: "Audit events appended by kind",
			},
			[]string{"kind"},
		),
	}
}
