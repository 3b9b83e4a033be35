package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/monitoring"
	"github.com/covenant/governor/internal/policy"
)

// Pipeline fans verification obligations out to a bounded worker pool,
// consulting the decision cache before running any tier.
type Pipeline struct {
	workers    int
	timeout    time.Duration
	results    *cache.Tiered
	metrics    *monitoring.Metrics
	identifier string
	logger     *log.Logger
}

// NewPipeline builds the verification pipeline. results and metrics may be
// nil in tests.
func NewPipeline(workers int, obligationTimeout time.Duration, results *cache.Tiered, metrics *monitoring.Metrics, identifier string) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	return &Pipeline{
		workers:    workers,
		timeout:    obligationTimeout,
		results:    results,
		metrics:    metrics,
		identifier: identifier,
		logger:     log.New(log.Writer(), "[VERIFY] ", log.LstdFlags),
	}
}

// Verify checks every rule against every property at the given tier.
// Obligations are independent and run in parallel; results merge
// deterministically and the aggregate is proved iff all obligations proved.
// When allowFallback is set, an unknown at the requested tier is retried one
// tier lower; otherwise unknowns surface as-is.
func (p *Pipeline) Verify(ctx context.Context, bundleVersion string, rules []*policy.Rule, properties []Property, tier Tier, allowFallback bool) (*Result, error) {
	start := time.Now()

	type task struct {
		rule *policy.Rule
		prop Property
	}
	var tasks []task
	for _, r := range rules {
		for _, prop := range properties {
			tasks = append(tasks, task{rule: r, prop: prop})
		}
	}

	obligations := make([]Obligation, len(tasks))
	var cacheHits atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for i, tk := range tasks {
		i, tk := i, tk
		g.Go(func() error {
			ob := Obligation{
				RuleDigest:     ruleDigest(tk.rule),
				RulePackage:    tk.rule.Package,
				PropertyID:     tk.prop.ID,
				PropertyDigest: tk.prop.Digest(),
				Tier:           tier,
				Status:         StatusRunning,
			}

			if cached, ok := p.lookup(gctx, &ob); ok {
				obligations[i] = cached
				cacheHits.Add(1)
				return nil
			}

			obStart := time.Now()
			ob.Status, ob.Evidence = p.runTier(gctx, tk.rule, tk.prop, tier)
			if ob.Status == StatusUnknown && allowFallback {
				if lower, ok := lowerTier(tier); ok {
					ob.Tier = lower
					ob.Status, ob.Evidence = p.runTier(gctx, tk.rule, tk.prop, lower)
				}
			}
			ob.Elapsed = time.Since(obStart)

			if p.metrics != nil {
				p.metrics.Obligations.WithLabelValues(string(ob.Tier), string(ob.Status)).Inc()
				p.metrics.VerificationLatency.WithLabelValues(string(ob.Tier)).Observe(ob.Elapsed.Seconds())
			}
			// Only settled outcomes are worth caching: an unknown may become
			// proved with a bigger budget, and a timeout must never shadow a
			// future proved.
			if ob.Status == StatusProved || ob.Status == StatusDisproved {
				p.storeResult(gctx, ob)
			}

			obligations[i] = ob
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, core.WrapError(core.ErrVerificationUnknown, err, "verification fan-out")
	}

	aggregate := StatusProved
	for _, ob := range obligations {
		aggregate = MergeStatus(aggregate, ob.Status)
	}

	return &Result{
		BundleVersion: bundleVersion,
		Tier:          tier,
		Obligations:   obligations,
		Aggregate:     aggregate,
		CacheHits:     int(cacheHits.Load()),
		Elapsed:       time.Since(start),
		Identifier:    p.identifier,
	}, nil
}

// runTier executes one obligation at one tier with the per-obligation
// timeout. A deadline maps to timeout at the rigorous tier and unknown
// below it.
func (p *Pipeline) runTier(ctx context.Context, rule *policy.Rule, prop Property, tier Tier) (Status, string) {
	tctx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var status Status
	var evidence string
	switch tier {
	case TierAutomated:
		status, evidence = checkStructural(rule)
	case TierSemantic:
		status, evidence = checkSemantic(tctx, rule, prop)
	case TierRigorous:
		status, evidence = p.checkRigorous(tctx, rule, prop)
	default:
		return StatusError, fmt.Sprintf("unknown tier %q", tier)
	}

	if tctx.Err() != nil && status == StatusUnknown {
		return StatusTimeout, "obligation deadline exceeded"
	}
	return status, evidence
}

// checkStructural is the automated tier: schema-level checks only.
func checkStructural(rule *policy.Rule) (Status, string) {
	if rule.Package == "" {
		return StatusDisproved, "missing package"
	}
	if rule.Default == "" {
		return StatusDisproved, "missing default verdict"
	}
	if len(rule.Clauses) == 0 {
		return StatusDisproved, "no decision clauses"
	}
	for i := range rule.Clauses {
		if len(rule.Clauses[i].Conditions) == 0 {
			return StatusDisproved, fmt.Sprintf("clause %d has an empty guard", i)
		}
	}
	return StatusProved, "structural checks passed"
}

// checkSemantic is the lightweight analysis tier: every clause guard must be
// individually satisfiable (no dead clauses, bounded response) and the
// property guard must be well-formed against the rule's vocabulary.
func checkSemantic(ctx context.Context, rule *policy.Rule, prop Property) (Status, string) {
	for i := range rule.Clauses {
		verdict, _ := SolveConjunction(ctx, rule.Clauses[i].Conditions)
		switch verdict {
		case VerdictUnsat:
			return StatusDisproved, fmt.Sprintf("clause %d is unsatisfiable (dead clause)", i)
		case VerdictUnknown:
			if ctx.Err() != nil {
				return StatusUnknown, "analysis budget exhausted"
			}
			return StatusUnknown, fmt.Sprintf("clause %d outside the decidable fragment", i)
		}
	}
	verdict, _ := SolveConjunction(ctx, prop.When)
	if verdict == VerdictUnsat {
		return StatusProved, "property guard unsatisfiable: property holds vacuously"
	}
	if verdict == VerdictUnknown {
		return StatusUnknown, "property guard outside the decidable fragment"
	}
	return StatusProved, "all clause guards satisfiable"
}

// checkRigorous proves the property by refuting its negation: for every
// clause producing the forbidden verdict, clause ∧ guard must be unsat.
func (p *Pipeline) checkRigorous(ctx context.Context, rule *policy.Rule, prop Property) (Status, string) {
	// The rule default can also produce the forbidden verdict; that case is
	// existential over the complement of all clauses and needs reasoning
	// this fragment cannot decide, so it surfaces as unknown.
	if rule.Default == prop.Verdict {
		return StatusUnknown, "default verdict matches forbidden verdict"
	}

	for i := range rule.Clauses {
		cl := &rule.Clauses[i]
		if cl.Verdict != prop.Verdict {
			continue
		}
		joint := append(append([]policy.Condition{}, cl.Conditions...), prop.When...)
		verdict, model := SolveConjunction(ctx, joint)
		switch verdict {
		case VerdictSat:
			raw, _ := json.Marshal(model)
			return StatusDisproved, fmt.Sprintf("counter-example for clause %d: %s", i, raw)
		case VerdictUnknown:
			if ctx.Err() != nil {
				return StatusUnknown, "solver budget exhausted"
			}
			return StatusUnknown, fmt.Sprintf("clause %d outside the decidable fragment", i)
		}
	}
	return StatusProved, "negation unsat for every matching clause"
}

// GenerateProof runs the rigorous tier for a single property against
// constraint conditions and packages the evidence.
func (p *Pipeline) GenerateProof(ctx context.Context, prop Property, constraints []policy.Condition) (*ProofObject, error) {
	input, _ := json.Marshal(struct {
		Property    Property           `json:"property"`
		Constraints []policy.Condition `json:"constraints"`
	}{prop, constraints})
	sum := sha256.Sum256(append([]byte(p.identifier), input...))

	proof := &ProofObject{
		PropertyID:  prop.ID,
		InputDigest: hex.EncodeToString(sum[:]),
		Identifier:  p.identifier,
		GeneratedAt: time.Now().UTC(),
	}

	joint := append(append([]policy.Condition{}, constraints...), prop.When...)
	verdict, model := SolveConjunction(ctx, joint)
	switch verdict {
	case VerdictUnsat:
		proof.Status = StatusProved
		proof.Steps = []string{
			fmt.Sprintf("negation: %s", describeConditions(joint)),
			"domain intersection empty for at least one variable",
			"negation unsat ⇒ property proved",
		}
	case VerdictSat:
		proof.Status = StatusDisproved
		proof.CounterModel = model
	default:
		proof.Status = StatusUnknown
		if ctx.Err() != nil {
			proof.Status = StatusTimeout
		}
	}
	return proof, nil
}

func (p *Pipeline) lookup(ctx context.Context, ob *Obligation) (Obligation, bool) {
	if p.results == nil {
		return Obligation{}, false
	}
	raw, ok := p.results.Get(ctx, ob.CacheKey())
	if !ok {
		return Obligation{}, false
	}
	var cached Obligation
	if err := json.Unmarshal(raw, &cached); err != nil {
		return Obligation{}, false
	}
	return cached, true
}

func (p *Pipeline) storeResult(ctx context.Context, ob Obligation) {
	if p.results == nil {
		return
	}
	raw, err := json.Marshal(ob)
	if err != nil {
		return
	}
	if err := p.results.Set(ctx, ob.CacheKey(), raw, time.Hour, cache.KindVerification); err != nil {
		p.logger.Printf("cache obligation %s: %v", ob.CacheKey(), err)
	}
}

func lowerTier(t Tier) (Tier, bool) {
	switch t {
	case TierRigorous:
		return TierSemantic, true
	case TierSemantic:
		return TierAutomated, true
	}
	return t, false
}

func ruleDigest(r *policy.Rule) string {
	sum := sha256.Sum256([]byte(r.Source))
	return hex.EncodeToString(sum[:])
}

// TierForRisk maps candidate risk to the verification tier the orchestrator
// requests. Higher risk buys more rigor.
func TierForRisk(risk core.RiskClass) Tier {
	switch risk {
	case core.RiskHigh, core.RiskCritical:
		return TierRigorous
	case core.RiskMedium:
		return TierSemantic
	default:
		return TierAutomated
	}
}
