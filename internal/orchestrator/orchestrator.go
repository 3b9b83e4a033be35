// Package orchestrator drives candidates through the governance state
// machine: synthesis, verification, policy evaluation, human review and
// commitment, with every transition landing in the audit log.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/bandit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/events"
	"github.com/covenant/governor/internal/policy"
	"github.com/covenant/governor/internal/sandbox"
	"github.com/covenant/governor/internal/synthesis"
	"github.com/covenant/governor/internal/verify"
)

// Synthesizer drafts candidate content through the model ensemble.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.EnsembleResponse, error)
}

// Verifier proves constitutional properties over candidate rules.
type Verifier interface {
	Verify(ctx context.Context, bundleVersion string, rules []*policy.Rule, properties []verify.Property, tier verify.Tier, allowFallback bool) (*verify.Result, error)
}

// PolicyEngine evaluates candidates and commits rule bundles.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req policy.Request) (*core.DecisionRecord, error)
	StageBundle(version string, sources []policy.RuleSource) (string, policy.CompilationResult, error)
	Activate(ctx context.Context, id string) error
}

// Executor runs code candidates in isolation.
type Executor interface {
	Execute(ctx context.Context, spec sandbox.ExecutionSpec) (*sandbox.ExecutionResult, error)
}

// Optimizer selects synthesis strategies and learns from terminal outcomes.
type Optimizer interface {
	Select(ctx context.Context, attrs map[string]interface{}, candidates []string) (*bandit.Selection, error)
	Update(obs bandit.Observation) error
}

// Outcome is the orchestrator's answer for one candidate.
type Outcome struct {
	CandidateID   string                  `json:"candidate_id"`
	State         core.CandidateState     `json:"state"`
	Decision      *core.DecisionRecord    `json:"decision,omitempty"`
	Review        *ReviewRequest          `json:"review,omitempty"`
	Execution     *sandbox.ExecutionResult `json:"execution,omitempty"`
	Justification []string                `json:"justification,omitempty"`
}

// strategyArms are the bandit's action set: which aggregation strategy the
// ensemble runs for this candidate.
var strategyArms = []string{
	string(synthesis.StrategyMajorityVote),
	string(synthesis.StrategyWeightedAverage),
	string(synthesis.StrategyConfidenceWeighted),
	string(synthesis.StrategyConstitutionalPriority),
}

// Options tunes the orchestrator.
type Options struct {
	Properties       []verify.Property // constitutional properties every rule must satisfy
	ReliabilityFloor float64           // ensemble reliability below this forces review, default 0.7
}

// Orchestrator is the top-level governance state machine.
type Orchestrator struct {
	synth      Synthesizer
	verifier   Verifier
	engine     PolicyEngine
	executor   Executor
	optimizer  Optimizer
	reviews    *ReviewManager
	auditor    cache.Auditor
	emitter    events.Emitter
	properties []verify.Property
	floor      float64
	identifier string
	logger     *log.Logger

	mu      sync.Mutex
	states  map[string]core.CandidateState
	pending map[string]*pendingReview // review id -> suspended candidate
	cancels map[string]context.CancelFunc
}

type pendingReview struct {
	candidate core.Candidate
	content   string
	decision  *core.DecisionRecord
	arm       string
}

// New wires the orchestrator. Any collaborator may be nil in tests; the
// corresponding stage is skipped or defaults safe.
func New(synth Synthesizer, verifier Verifier, engine PolicyEngine, executor Executor, optimizer Optimizer, reviews *ReviewManager, auditor cache.Auditor, emitter events.Emitter, identifier string, opts Options) *Orchestrator {
	if opts.ReliabilityFloor <= 0 {
		opts.ReliabilityFloor = 0.7
	}
	return &Orchestrator{
		synth:      synth,
		verifier:   verifier,
		engine:     engine,
		executor:   executor,
		optimizer:  optimizer,
		reviews:    reviews,
		auditor:    auditor,
		emitter:    emitter,
		properties: opts.Properties,
		floor:      opts.ReliabilityFloor,
		identifier: identifier,
		logger:     log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		states:     make(map[string]core.CandidateState),
		pending:    make(map[string]*pendingReview),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// State reports a candidate's current pipeline state.
func (o *Orchestrator) State(candidateID string) (core.CandidateState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.states[candidateID]
	return s, ok
}

// Cancel aborts a candidate's in-flight processing. Child operations see
// the context die and release their resources.
func (o *Orchestrator) Cancel(candidateID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[candidateID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Process drives one candidate from ingress to a terminal or suspended
// state. An in-review outcome suspends the candidate until
// SubmitReviewDecision or the deadline sweep resolves it.
func (o *Orchestrator) Process(ctx context.Context, cand core.Candidate) (*Outcome, error) {
	if cand.ID == "" {
		cand.ID = "cand-" + uuid.New().String()[:8]
	}
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[cand.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, cand.ID)
		o.mu.Unlock()
	}()

	// Identity is checked before anything else runs or is provisioned.
	if cand.Identifier != o.identifier {
		o.appendAudit(ctx, audit.KindConstitutional, map[string]interface{}{
			"candidate": cand.ID,
			"got":       cand.Identifier,
			"stage":     "ingress",
		})
		return nil, core.NewError(core.ErrConstitutionalMismatch,
			"candidate %s carries identifier %q", cand.ID, cand.Identifier)
	}

	if err := o.transition(ctx, cand.ID, core.StateReceived, nil); err != nil {
		return nil, err
	}

	// --- synthesis ---------------------------------------------------------
	content := cand.Content
	reliability := 1.0
	var justification []string
	flagged := false
	arm := ""

	if content == "" {
		if o.synth == nil {
			return o.deny(ctx, cand, "", nil, arm, []string{"no content and no synthesis ensemble configured"})
		}
		strategy := synthesis.Strategy("")
		if o.optimizer != nil {
			if sel, err := o.optimizer.Select(ctx, banditContext(cand), strategyArms); err == nil {
				strategy = synthesis.Strategy(sel.Arm)
				arm = sel.Arm
			}
		}

		ens, err := o.synth.Synthesize(ctx, synthesis.Request{
			Prompt:     synthesisPrompt(cand),
			Context:    cand.Payload,
			Strategy:   strategy,
			Identifier: o.identifier,
		})
		if err != nil {
			if core.IsKind(err, core.ErrEnsembleInsufficient) || core.IsKind(err, core.ErrBiasThresholdExceeded) {
				return o.suspendForReview(ctx, cand, "", nil, arm, []string{err.Error()})
			}
			return nil, err
		}
		content = ens.Content
		reliability = ens.Reliability
		flagged = ens.FlagForReview
		justification = append(justification, ens.FlagReasons...)
	}
	if err := o.transition(ctx, cand.ID, core.StateSynthesised, map[string]interface{}{
		"skipped":     cand.Content != "",
		"reliability": reliability,
	}); err != nil {
		return nil, err
	}

	// --- verification ------------------------------------------------------
	unknown := false
	disproved := false
	if o.verifier != nil && ruleBearing(cand.Kind) {
		rule, parseErrs := policy.ParseRule(content)
		if len(parseErrs) > 0 {
			justification = append(justification, fmt.Sprintf("rule compilation failed: %v", parseErrs))
			return o.deny(ctx, cand, content, nil, arm, justification)
		}
		res, err := o.verifier.Verify(ctx, cand.ID, []*policy.Rule{rule}, o.properties,
			verify.TierForRisk(cand.Risk), true)
		switch {
		case err != nil:
			unknown = true
			justification = append(justification, "verification failed: "+err.Error())
		case res.Aggregate == verify.StatusDisproved:
			disproved = true
			for _, ob := range res.Obligations {
				if ob.Status == verify.StatusDisproved {
					justification = append(justification, fmt.Sprintf("obligation %s disproved: %s", ob.PropertyID, ob.Evidence))
				}
			}
		case !res.Passed():
			unknown = true
			justification = append(justification, fmt.Sprintf("verification aggregate %s", res.Aggregate))
		}
	}
	if err := o.transition(ctx, cand.ID, core.StateVerified, map[string]interface{}{
		"unknown":   unknown,
		"disproved": disproved,
	}); err != nil {
		return nil, err
	}

	// --- evaluation --------------------------------------------------------
	var decision *core.DecisionRecord
	if o.engine != nil {
		rec, err := o.engine.Evaluate(ctx, policy.Request{
			Kind:       cand.Kind,
			Attributes: evaluationAttributes(cand, reliability),
			Identifier: o.identifier,
		})
		if err != nil {
			// Engine failure defaults to review, never silently to allow.
			justification = append(justification, "evaluation error: "+err.Error())
			if terr := o.transition(ctx, cand.ID, core.StateEvaluated, map[string]interface{}{"error": err.Error()}); terr != nil {
				return nil, terr
			}
			return o.suspendForReview(ctx, cand, content, nil, arm, justification)
		}
		decision = rec
	}
	verdict := core.VerdictRequireReview
	if decision != nil {
		verdict = decision.Verdict
	}
	if err := o.transition(ctx, cand.ID, core.StateEvaluated, map[string]interface{}{
		"verdict": verdict,
	}); err != nil {
		return nil, err
	}

	// --- branch ------------------------------------------------------------
	switch {
	case disproved || verdict == core.VerdictDeny:
		return o.deny(ctx, cand, content, decision, arm, justification)
	case verdict == core.VerdictRequireReview,
		reliability < o.floor,
		cand.Risk == core.RiskHigh, cand.Risk == core.RiskCritical,
		unknown,
		flagged:
		justification = append(justification, reviewReasons(verdict, reliability, o.floor, cand.Risk, unknown, flagged)...)
		return o.suspendForReview(ctx, cand, content, decision, arm, justification)
	default:
		return o.commit(ctx, cand, content, decision, arm)
	}
}

// SubmitReviewDecision records one reviewer vote and, when the vote
// resolves the request, resumes the suspended candidate.
func (o *Orchestrator) SubmitReviewDecision(ctx context.Context, requestID, reviewerID string, decision ReviewDecision, modified string) (*Outcome, error) {
	res, err := o.reviews.Decide(ctx, requestID, reviewerID, decision, modified)
	if err != nil || res == nil {
		return nil, err
	}
	return o.finishReview(ctx, res)
}

// ExpireReviews denies every overdue review. Wire it to a ticker.
func (o *Orchestrator) ExpireReviews(ctx context.Context, now time.Time) []*Outcome {
	var outcomes []*Outcome
	for _, res := range o.reviews.ExpireOverdue(ctx, now) {
		if out, err := o.finishReview(ctx, res); err == nil && out != nil {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes
}

func (o *Orchestrator) finishReview(ctx context.Context, res *Resolution) (*Outcome, error) {
	o.mu.Lock()
	pend, ok := o.pending[res.RequestID]
	delete(o.pending, res.RequestID)
	o.mu.Unlock()
	if !ok {
		return nil, core.NewError(core.ErrEvaluation, "no suspended candidate for review %s", res.RequestID)
	}

	if !res.Approved {
		return o.deny(ctx, pend.candidate, pend.content, pend.decision, pend.arm, []string{res.Reason})
	}
	content := pend.content
	if res.Modified != "" {
		content = res.Modified
	}
	if err := o.transition(ctx, pend.candidate.ID, core.StateApproved, map[string]interface{}{
		"via":    "human-review",
		"review": res.RequestID,
	}); err != nil {
		return nil, err
	}
	return o.commitApproved(ctx, pend.candidate, content, pend.decision, pend.arm)
}

// commit approves and commits in one motion (the no-review path).
func (o *Orchestrator) commit(ctx context.Context, cand core.Candidate, content string, decision *core.DecisionRecord, arm string) (*Outcome, error) {
	if err := o.transition(ctx, cand.ID, core.StateApproved, nil); err != nil {
		return nil, err
	}
	return o.commitApproved(ctx, cand, content, decision, arm)
}

func (o *Orchestrator) commitApproved(ctx context.Context, cand core.Candidate, content string, decision *core.DecisionRecord, arm string) (*Outcome, error) {
	out := &Outcome{CandidateID: cand.ID, Decision: decision}

	if cand.Kind == core.KindCode {
		if o.executor != nil {
			exec, err := o.executor.Execute(ctx, sandbox.ExecutionSpec{
				ID:          "exec-" + cand.ID,
				CandidateID: cand.ID,
				Payload:     cand.Payload,
				Identifier:  o.identifier,
			})
			out.Execution = exec
			if err != nil {
				if core.IsKind(err, core.ErrSandboxViolation) {
					denied, derr := o.deny(ctx, cand, content, decision, arm, []string{"sandbox violation: " + err.Error()})
					if derr != nil {
						return nil, derr
					}
					denied.Execution = exec
					return denied, nil
				}
				return o.rollBack(ctx, cand, arm, "sandbox execution failed: "+err.Error())
			}
		}
	} else if o.engine != nil {
		id, _, err := o.engine.StageBundle(cand.ID, []policy.RuleSource{{Name: cand.ID + ".rule", Source: content}})
		if err != nil {
			return o.rollBack(ctx, cand, arm, "stage failed: "+err.Error())
		}
		if err := o.engine.Activate(ctx, id); err != nil {
			return o.rollBack(ctx, cand, arm, "activation failed: "+err.Error())
		}
	}

	if err := o.transition(ctx, cand.ID, core.StateCommitted, nil); err != nil {
		return nil, err
	}
	o.reward(cand, arm, 1.0)
	out.State = core.StateCommitted
	return out, nil
}

func (o *Orchestrator) suspendForReview(ctx context.Context, cand core.Candidate, content string, decision *core.DecisionRecord, arm string, justification []string) (*Outcome, error) {
	if err := o.transition(ctx, cand.ID, core.StateInReview, map[string]interface{}{
		"reasons": justification,
	}); err != nil {
		return nil, err
	}
	if o.reviews == nil {
		return &Outcome{CandidateID: cand.ID, State: core.StateInReview, Decision: decision, Justification: justification}, nil
	}

	req, err := o.reviews.Open(ctx, cand.ID, cand.Kind, justification)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.pending[req.ID] = &pendingReview{candidate: cand, content: content, decision: decision, arm: arm}
	o.mu.Unlock()

	return &Outcome{
		CandidateID:   cand.ID,
		State:         core.StateInReview,
		Decision:      decision,
		Review:        req,
		Justification: justification,
	}, nil
}

func (o *Orchestrator) deny(ctx context.Context, cand core.Candidate, content string, decision *core.DecisionRecord, arm string, justification []string) (*Outcome, error) {
	if err := o.transition(ctx, cand.ID, core.StateDenied, map[string]interface{}{
		"justification": justification,
	}); err != nil {
		return nil, err
	}
	o.reward(cand, arm, 0.0)
	return &Outcome{
		CandidateID:   cand.ID,
		State:         core.StateDenied,
		Decision:      decision,
		Justification: justification,
	}, nil
}

func (o *Orchestrator) rollBack(ctx context.Context, cand core.Candidate, arm, reason string) (*Outcome, error) {
	// Compensating event: the candidate was approved but could not land.
	if err := o.transition(ctx, cand.ID, core.StateRolledBack, map[string]interface{}{
		"reason": reason,
	}); err != nil {
		return nil, err
	}
	o.reward(cand, arm, 0.0)
	return &Outcome{CandidateID: cand.ID, State: core.StateRolledBack, Justification: []string{reason}},
		core.NewError(core.ErrEvaluation, "candidate %s rolled back: %s", cand.ID, reason)
}

// transition records a state change in the audit log and the progress
// stream. An audit failure aborts the operation; transitions are never
// best-effort.
func (o *Orchestrator) transition(ctx context.Context, candidateID string, to core.CandidateState, detail map[string]interface{}) error {
	o.mu.Lock()
	from := o.states[candidateID]
	o.states[candidateID] = to
	o.mu.Unlock()

	payload := map[string]interface{}{
		"candidate": candidateID,
		"from":      string(from),
		"to":        string(to),
	}
	for k, v := range detail {
		payload[k] = v
	}
	if err := o.appendAudit(ctx, audit.KindTransition, payload); err != nil {
		return err
	}
	if o.emitter != nil {
		o.emitter.Emit(events.TypeCandidateProgress, "orchestrator", candidateID, payload)
	}
	return nil
}

func (o *Orchestrator) appendAudit(ctx context.Context, kind audit.Kind, payload map[string]interface{}) error {
	if o.auditor == nil {
		return nil
	}
	if _, err := o.auditor.Append(ctx, "orchestrator", kind, payload); err != nil {
		o.logger.Printf("audit append (%s): %v", kind, err)
		return err
	}
	return nil
}

func (o *Orchestrator) reward(cand core.Candidate, arm string, reward float64) {
	if o.optimizer == nil || arm == "" {
		return
	}
	if err := o.optimizer.Update(bandit.Observation{
		Arm:            arm,
		Reward:         reward,
		Constitutional: reward,
		Safety:         reward,
		Context:        banditContext(cand),
		Identifier:     o.identifier,
	}); err != nil {
		o.logger.Printf("bandit update for %s: %v", cand.ID, err)
	}
}

func ruleBearing(kind core.CandidateKind) bool {
	switch kind {
	case core.KindPolicy, core.KindRule, core.KindEvolution:
		return true
	}
	return false
}

var riskLevels = map[core.RiskClass]float64{
	core.RiskLow:      0.25,
	core.RiskMedium:   0.5,
	core.RiskHigh:     0.75,
	core.RiskCritical: 1.0,
}

func banditContext(cand core.Candidate) map[string]interface{} {
	return map[string]interface{}{
		"risk_level":      riskLevels[cand.Risk],
		"principle_count": len(cand.Principles),
	}
}

func evaluationAttributes(cand core.Candidate, reliability float64) map[string]interface{} {
	attrs := map[string]interface{}{
		"risk":            string(cand.Risk),
		"principle_count": float64(len(cand.Principles)),
		"reliability":     reliability,
	}
	for k, v := range cand.Payload {
		attrs[k] = v
	}
	return attrs
}

func synthesisPrompt(cand core.Candidate) string {
	return fmt.Sprintf("Draft a constitutional %s honouring principles %v for submitter %s.",
		cand.Kind, cand.Principles, cand.Submitter)
}

func reviewReasons(verdict core.Verdict, reliability, floor float64, risk core.RiskClass, unknown, flagged bool) []string {
	var reasons []string
	if verdict == core.VerdictRequireReview {
		reasons = append(reasons, "policy verdict requires review")
	}
	if reliability < floor {
		reasons = append(reasons, fmt.Sprintf("ensemble reliability %.2f below floor %.2f", reliability, floor))
	}
	if risk == core.RiskHigh || risk == core.RiskCritical {
		reasons = append(reasons, "risk class "+string(risk)+" requires review")
	}
	if unknown {
		reasons = append(reasons, "verification obligations unresolved")
	}
	if flagged {
		reasons = append(reasons, "ensemble flagged for review")
	}
	return reasons
}
