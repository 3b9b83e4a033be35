package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/monitoring"
)

// Request is one policy evaluation request. Attributes hold the recognised
// decision inputs (compliance, risk, principle counts, ...).
type Request struct {
	Kind       core.CandidateKind     `json:"kind"`
	Attributes map[string]interface{} `json:"attributes"`
	Identifier string                 `json:"constitutional_identifier"`
}

// Fingerprint canonically hashes the request for cache keying. Attribute
// keys are sorted so equal requests always collide.
func (r *Request) Fingerprint() string {
	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(r.Kind))
	for _, k := range keys {
		h.Write([]byte(k))
		v, _ := json.Marshal(r.Attributes[k])
		h.Write(v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// compiledBundle is the immutable unit swapped by activation. Readers load
// it through an atomic pointer and never block on the activation path.
type compiledBundle struct {
	id      string
	version string
	rules   []*Rule
	def     core.Verdict // first rule's default; empty bundle falls back to review
}

// Engine evaluates requests against the active bundle.
type Engine struct {
	compiler   *Compiler
	store      *BundleStore
	decisions  *cache.Tiered
	auditor    cache.Auditor
	metrics    *monitoring.Metrics
	latency    *monitoring.LatencyTracker
	identifier string
	defaultTTL time.Duration
	logger     *log.Logger

	active atomic.Pointer[compiledBundle]
}

// NewEngine wires the evaluation engine. decisions, auditor, metrics and
// latency may be nil in tests.
func NewEngine(compiler *Compiler, store *BundleStore, decisions *cache.Tiered, auditor cache.Auditor, metrics *monitoring.Metrics, latency *monitoring.LatencyTracker, identifier string, defaultTTL time.Duration) *Engine {
	e := &Engine{
		compiler:   compiler,
		store:      store,
		decisions:  decisions,
		auditor:    auditor,
		metrics:    metrics,
		latency:    latency,
		identifier: identifier,
		defaultTTL: defaultTTL,
		logger:     log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
	}
	// An empty compiled bundle serves the default verdict until the first
	// activation, preserving the one-active-bundle invariant from boot.
	e.active.Store(&compiledBundle{id: "bootstrap", version: "v0", def: core.VerdictRequireReview})
	return e
}

// Compile is a pure pass-through to the compiler.
func (e *Engine) Compile(version string, sources []RuleSource) (Manifest, CompilationResult, []*Rule) {
	manifest, result, rules := e.compiler.Compile(version, sources)
	if e.metrics != nil {
		label := "ok"
		if !result.Valid() {
			label = "failed"
		}
		e.metrics.CompilationResults.WithLabelValues(label).Inc()
	}
	return manifest, result, rules
}

// StageBundle compiles and writes the bundle in pending state. Compilation
// failures are reported per-rule and nothing is staged.
func (e *Engine) StageBundle(version string, sources []RuleSource) (string, CompilationResult, error) {
	manifest, result, _ := e.Compile(version, sources)
	if !result.Valid() {
		return "", result, core.NewError(core.ErrCompilation, "bundle %s has invalid rules", version)
	}
	id, err := e.store.Stage(manifest, sources)
	if err != nil {
		return "", result, core.WrapError(core.ErrCompilation, err, "stage bundle %s", version)
	}
	return id, result, nil
}

// Activate swaps the active bundle pointer and fires an audit event. The
// prior bundle is retired but remains addressable for rollback.
func (e *Engine) Activate(ctx context.Context, id string) error {
	return e.swap(ctx, id, "activate")
}

// Rollback re-activates a retired bundle with identical audit semantics.
func (e *Engine) Rollback(ctx context.Context, id string) error {
	return e.swap(ctx, id, "rollback")
}

func (e *Engine) swap(ctx context.Context, id, action string) error {
	bundle, err := e.store.Load(id)
	if err != nil {
		return core.WrapError(core.ErrCompilation, err, "%s bundle %s", action, id)
	}

	// Recompile from the stored sources: the engine never trusts a stale
	// in-memory compilation across restarts.
	_, result, rules := e.compiler.Compile(bundle.Manifest.Version, bundle.Sources)
	if !result.Valid() {
		return core.NewError(core.ErrCompilation, "%s bundle %s: stored rules no longer compile", action, id)
	}

	previous, err := e.store.Activate(id)
	if err != nil {
		return core.WrapError(core.ErrCompilation, err, "%s bundle %s", action, id)
	}

	cb := &compiledBundle{id: id, version: bundle.Manifest.Version, rules: rules, def: core.VerdictRequireReview}
	if len(rules) > 0 {
		cb.def = rules[0].Default
	}
	e.active.Store(cb)

	if e.metrics != nil {
		e.metrics.ActiveBundleInfo.Reset()
		e.metrics.ActiveBundleInfo.WithLabelValues(bundle.Manifest.Version).Set(1)
	}
	if e.auditor != nil {
		if _, err := e.auditor.Append(ctx, "policy.engine", audit.KindBundleChange, map[string]interface{}{
			"action":   action,
			"bundle":   id,
			"previous": previous,
			"version":  bundle.Manifest.Version,
		}); err != nil {
			return err
		}
	}
	e.logger.Printf("%s: bundle %s active (was %s)", action, id, previous)
	return nil
}

// ActiveBundleID returns the id of the bundle currently serving decisions.
func (e *Engine) ActiveBundleID() string {
	return e.active.Load().id
}

// Evaluate produces a decision record for the request: fingerprint, consult
// the cache (verifying integrity), else run the active bundle single-pass,
// record metrics and write through the cache. Internal failures surface as
// EvaluationError and the orchestrator defaults to require-review — never
// silently to allow.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*core.DecisionRecord, error) {
	if req.Identifier != e.identifier {
		return nil, core.NewError(core.ErrConstitutionalMismatch,
			"evaluation request carries identifier %q", req.Identifier)
	}

	fp := req.Fingerprint()
	cb := e.active.Load()

	// Cache keys include the bundle id so an activation or rollback can
	// never serve a decision computed under a different bundle.
	cacheKey := "decision:" + cb.id + ":" + fp
	if e.decisions != nil {
		if raw, ok := e.decisions.Get(ctx, cacheKey); ok {
			var rec core.DecisionRecord
			if err := json.Unmarshal(raw, &rec); err == nil {
				return &rec, nil
			}
			// Undecodable cache value: treat as miss and recompute.
			_ = e.decisions.Delete(ctx, cacheKey)
		}
	}

	start := time.Now()
	verdict, winning, supporting := evaluate(cb, req.Attributes)
	elapsed := time.Since(start)

	rec := &core.DecisionRecord{
		Fingerprint:   fp,
		Verdict:       verdict,
		WinningRule:   winning,
		SupportingIDs: supporting,
		EvalLatency:   elapsed,
		BundleVersion: cb.version,
		Identifier:    e.identifier,
		TTL:           e.defaultTTL,
		CreatedAt:     time.Now().UTC(),
	}
	raw, err := json.Marshal(struct {
		Fingerprint   string       `json:"fingerprint"`
		Verdict       core.Verdict `json:"verdict"`
		BundleVersion string       `json:"bundle_version"`
		WinningRule   string       `json:"winning_rule"`
	}{rec.Fingerprint, rec.Verdict, rec.BundleVersion, rec.WinningRule})
	if err != nil {
		return nil, core.WrapError(core.ErrEvaluation, err, "digest decision %s", fp)
	}
	sum := sha256.Sum256(append([]byte(e.identifier), raw...))
	rec.Digest = hex.EncodeToString(sum[:])

	if e.metrics != nil {
		e.metrics.Evaluations.WithLabelValues(string(verdict), cb.version).Inc()
		e.metrics.EvaluationLatency.WithLabelValues(cb.version).Observe(elapsed.Seconds())
	}
	if e.latency != nil {
		e.latency.Observe("policy.evaluate", elapsed)
	}

	if e.decisions != nil {
		encoded, err := json.Marshal(rec)
		if err == nil {
			if err := e.decisions.Set(ctx, cacheKey, encoded, e.defaultTTL, cache.KindDecision); err != nil {
				e.logger.Printf("cache decision %s: %v", fp, err)
			}
		}
	}
	return rec, nil
}

// evaluate runs a single pass over all clauses of all rules. Most-specific
// wins (most conditions); ties go to the earliest clause in rule order.
func evaluate(cb *compiledBundle, attrs map[string]interface{}) (core.Verdict, string, []string) {
	var (
		best       *Clause
		bestID     string
		supporting []string
	)
	for _, rule := range cb.rules {
		for i := range rule.Clauses {
			cl := &rule.Clauses[i]
			if !cl.Matches(attrs) {
				continue
			}
			id := rule.ClauseID(i)
			supporting = append(supporting, id)
			if best == nil || len(cl.Conditions) > len(best.Conditions) {
				best = cl
				bestID = id
			}
		}
	}
	if best == nil {
		return cb.defaultVerdict(), "", nil
	}
	return best.Verdict, bestID, supporting
}

func (cb *compiledBundle) defaultVerdict() core.Verdict {
	if cb.def == "" {
		return core.VerdictRequireReview
	}
	return cb.def
}
