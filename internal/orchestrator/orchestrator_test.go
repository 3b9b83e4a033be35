package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/bandit"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/policy"
	"github.com/covenant/governor/internal/sandbox"
	"github.com/covenant/governor/internal/synthesis"
	"github.com/covenant/governor/internal/verify"
)

const testIdentifier = "a1b2c3d4e5f60718"

const ruleSource = `package safety
# constitutional: a1b2c3d4e5f60718
default review

allow {
    risk == "low"
}
`

const modifiedRuleSource = `package safety
# constitutional: a1b2c3d4e5f60718
default deny

allow {
    risk == "low"
    reliability >= 0.9
}
`

// ============================================================================
// STUB COLLABORATORS
// ============================================================================

type stubSynth struct {
	mu    sync.Mutex
	resp  *synthesis.EnsembleResponse
	err   error
	calls int
}

func (s *stubSynth) Synthesize(_ context.Context, req synthesis.Request) (*synthesis.EnsembleResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubVerifier struct {
	aggregate verify.Status
	err       error
	calls     int
}

func (s *stubVerifier) Verify(_ context.Context, bundleVersion string, rules []*policy.Rule, _ []verify.Property, tier verify.Tier, _ bool) (*verify.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	obligations := make([]verify.Obligation, 0, len(rules))
	for _, r := range rules {
		obligations = append(obligations, verify.Obligation{
			RulePackage: r.Package,
			PropertyID:  "never-allow-critical",
			Tier:        tier,
			Status:      s.aggregate,
			Evidence:    "stub evidence",
		})
	}
	return &verify.Result{
		BundleVersion: bundleVersion,
		Tier:          tier,
		Obligations:   obligations,
		Aggregate:     s.aggregate,
		Identifier:    testIdentifier,
	}, nil
}

type stubEngine struct {
	mu          sync.Mutex
	verdict     core.Verdict
	evalErr     error
	stageErr    error
	activateErr error
	staged      []policy.RuleSource
	activated   []string
}

func (s *stubEngine) Evaluate(_ context.Context, req policy.Request) (*core.DecisionRecord, error) {
	if s.evalErr != nil {
		return nil, s.evalErr
	}
	return &core.DecisionRecord{
		Fingerprint: req.Fingerprint(),
		Verdict:     s.verdict,
		Identifier:  testIdentifier,
	}, nil
}

func (s *stubEngine) StageBundle(version string, sources []policy.RuleSource) (string, policy.CompilationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stageErr != nil {
		return "", policy.CompilationResult{}, s.stageErr
	}
	s.staged = append(s.staged, sources...)
	return "bundle-" + version, policy.CompilationResult{Score: 1.0}, nil
}

func (s *stubEngine) Activate(_ context.Context, id string) error {
	if s.activateErr != nil {
		return s.activateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activated = append(s.activated, id)
	return nil
}

type stubExecutor struct {
	result *sandbox.ExecutionResult
	err    error
	calls  int
}

func (s *stubExecutor) Execute(_ context.Context, spec sandbox.ExecutionSpec) (*sandbox.ExecutionResult, error) {
	s.calls++
	if s.result == nil {
		return &sandbox.ExecutionResult{ID: spec.ID, Success: s.err == nil}, s.err
	}
	return s.result, s.err
}

type stubOptimizer struct {
	mu         sync.Mutex
	selections []string
	updates    []bandit.Observation
}

func (s *stubOptimizer) Select(_ context.Context, _ map[string]interface{}, candidates []string) (*bandit.Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selections = append(s.selections, candidates[0])
	return &bandit.Selection{Arm: candidates[0]}, nil
}

func (s *stubOptimizer) Update(obs bandit.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, obs)
	return nil
}

type recordingAuditor struct {
	mu       sync.Mutex
	kinds    []audit.Kind
	payloads []map[string]interface{}
}

func (r *recordingAuditor) Append(_ context.Context, _ string, kind audit.Kind, payload map[string]interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.payloads = append(r.payloads, payload)
	return "digest", nil
}

func (r *recordingAuditor) count(kind audit.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(eventType, _, _ string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

// ============================================================================
// FIXTURE
// ============================================================================

type fixture struct {
	synth    *stubSynth
	verifier *stubVerifier
	engine   *stubEngine
	executor *stubExecutor
	opt      *stubOptimizer
	reviews  *ReviewManager
	auditor  *recordingAuditor
	emitter  *recordingEmitter
	orch     *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		synth: &stubSynth{resp: &synthesis.EnsembleResponse{
			Content:     ruleSource,
			Confidence:  0.9,
			Compliance:  0.97,
			Reliability: 0.85,
			Identifier:  testIdentifier,
		}},
		verifier: &stubVerifier{aggregate: verify.StatusProved},
		engine:   &stubEngine{verdict: core.VerdictAllow},
		executor: &stubExecutor{},
		opt:      &stubOptimizer{},
		auditor:  &recordingAuditor{},
		emitter:  &recordingEmitter{},
	}
	f.reviews = NewReviewManager(f.auditor, f.emitter, time.Hour, 2)
	f.reviews.Register(Reviewer{ID: "alice", Role: "constitutional-expert", Expertise: map[string]float64{"rule": 0.9, "code": 0.4}, Quality: 0.9})
	f.reviews.Register(Reviewer{ID: "bob", Role: "reviewer", Expertise: map[string]float64{"rule": 0.6}, Quality: 0.7})
	f.reviews.Register(Reviewer{ID: "carol", Role: "reviewer", Expertise: map[string]float64{"code": 0.8}, Quality: 0.6})
	f.orch = New(f.synth, f.verifier, f.engine, f.executor, f.opt, f.reviews, f.auditor, f.emitter, testIdentifier, Options{})
	return f
}

func candidate(kind core.CandidateKind, risk core.RiskClass) core.Candidate {
	return core.Candidate{
		ID:         "cand-1",
		Kind:       kind,
		Risk:       risk,
		Principles: []string{"harm-avoidance"},
		Submitter:  "svc-evolution",
		Identifier: testIdentifier,
	}
}

// ============================================================================
// HAPPY PATH
// ============================================================================

func TestProcess_SynthesisedRuleCommitted(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateCommitted, out.State)

	assert.Equal(t, 1, f.synth.calls)
	assert.Equal(t, 1, f.verifier.calls)
	require.Len(t, f.engine.staged, 1)
	assert.Equal(t, ruleSource, f.engine.staged[0].Source)
	assert.Len(t, f.engine.activated, 1)

	// received, synthesised, verified, evaluated, approved, committed
	assert.GreaterOrEqual(t, f.auditor.count(audit.KindTransition), 6)

	state, ok := f.orch.State("cand-1")
	require.True(t, ok)
	assert.Equal(t, core.StateCommitted, state)

	// Terminal success rewards the chosen strategy arm.
	require.Len(t, f.opt.updates, 1)
	assert.Equal(t, 1.0, f.opt.updates[0].Reward)
	assert.Equal(t, testIdentifier, f.opt.updates[0].Identifier)
}

func TestProcess_PreSuppliedContentSkipsSynthesis(t *testing.T) {
	f := newFixture(t)

	cand := candidate(core.KindRule, core.RiskLow)
	cand.Content = ruleSource
	out, err := f.orch.Process(context.Background(), cand)
	require.NoError(t, err)
	assert.Equal(t, core.StateCommitted, out.State)
	assert.Zero(t, f.synth.calls)
	// No strategy was chosen, so there is nothing to reward.
	assert.Empty(t, f.opt.updates)
}

// ============================================================================
// IDENTITY
// ============================================================================

func TestProcess_IdentifierMismatchRejectedBeforeAnyStage(t *testing.T) {
	f := newFixture(t)

	cand := candidate(core.KindRule, core.RiskLow)
	cand.Identifier = "ffffffffffffffff"
	_, err := f.orch.Process(context.Background(), cand)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrConstitutionalMismatch))

	assert.Equal(t, 1, f.auditor.count(audit.KindConstitutional))
	assert.Zero(t, f.auditor.count(audit.KindTransition))
	assert.Zero(t, f.synth.calls)
	assert.Zero(t, f.verifier.calls)
}

// ============================================================================
// DENIAL PATHS
// ============================================================================

func TestProcess_DenyVerdictDenied(t *testing.T) {
	f := newFixture(t)
	f.engine.verdict = core.VerdictDeny

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateDenied, out.State)

	require.Len(t, f.opt.updates, 1)
	assert.Equal(t, 0.0, f.opt.updates[0].Reward)
}

func TestProcess_DisprovedObligationDenied(t *testing.T) {
	f := newFixture(t)
	f.verifier.aggregate = verify.StatusDisproved

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateDenied, out.State)
	require.NotEmpty(t, out.Justification)
	assert.Contains(t, out.Justification[0], "disproved")
	assert.Empty(t, f.engine.staged, "disproved rules never reach the bundle store")
}

func TestProcess_MalformedRuleDenied(t *testing.T) {
	f := newFixture(t)
	f.synth.resp = &synthesis.EnsembleResponse{
		Content:     "allow {\n    risk ==\n", // unbalanced, malformed condition
		Reliability: 0.9,
		Identifier:  testIdentifier,
	}

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateDenied, out.State)
	require.NotEmpty(t, out.Justification)
	assert.Contains(t, out.Justification[0], "compilation failed")
	assert.Zero(t, f.verifier.calls)
}

// ============================================================================
// REVIEW ROUTING
// ============================================================================

func TestProcess_HighRiskSuspendsForReview(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskHigh))
	require.NoError(t, err)
	assert.Equal(t, core.StateInReview, out.State)
	require.NotNil(t, out.Review)
	assert.Len(t, out.Review.Assigned, 2)
	assert.Contains(t, out.Justification, "risk class high requires review")

	// Suspended: nothing committed, no terminal reward yet.
	assert.Empty(t, f.engine.staged)
	assert.Empty(t, f.opt.updates)
}

func TestProcess_LowReliabilitySuspendsForReview(t *testing.T) {
	f := newFixture(t)
	f.synth.resp.Reliability = 0.4

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateInReview, out.State)
}

func TestProcess_UnknownVerificationSuspendsForReview(t *testing.T) {
	f := newFixture(t)
	f.verifier.aggregate = verify.StatusUnknown

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateInReview, out.State)
	assert.Contains(t, out.Justification, "verification obligations unresolved")
}

func TestProcess_EnsembleInsufficientSuspendsForReview(t *testing.T) {
	f := newFixture(t)
	f.synth.err = core.NewError(core.ErrEnsembleInsufficient, "1 of 3 models responded")

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateInReview, out.State)
	require.NotNil(t, out.Review)
}

func TestProcess_EvaluationErrorSuspendsForReview(t *testing.T) {
	f := newFixture(t)
	f.engine.evalErr = core.NewError(core.ErrEvaluation, "bundle store unavailable")

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.NoError(t, err)
	assert.Equal(t, core.StateInReview, out.State)
}

// ============================================================================
// REVIEW RESOLUTION
// ============================================================================

func suspend(t *testing.T, f *fixture) *Outcome {
	t.Helper()
	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskHigh))
	require.NoError(t, err)
	require.Equal(t, core.StateInReview, out.State)
	require.NotNil(t, out.Review)
	return out
}

func TestSubmitReviewDecision_QuorumCommits(t *testing.T) {
	f := newFixture(t)
	out := suspend(t, f)

	resumed, err := f.orch.SubmitReviewDecision(context.Background(), out.Review.ID, "alice", DecisionApprove, "")
	require.NoError(t, err)
	assert.Nil(t, resumed, "one approval is below the quorum")

	resumed, err = f.orch.SubmitReviewDecision(context.Background(), out.Review.ID, "bob", DecisionApprove, "")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, core.StateCommitted, resumed.State)
	require.Len(t, f.engine.staged, 1)
	assert.Equal(t, ruleSource, f.engine.staged[0].Source)

	require.Len(t, f.opt.updates, 1)
	assert.Equal(t, 1.0, f.opt.updates[0].Reward)
}

func TestSubmitReviewDecision_RejectDenies(t *testing.T) {
	f := newFixture(t)
	out := suspend(t, f)

	resumed, err := f.orch.SubmitReviewDecision(context.Background(), out.Review.ID, "alice", DecisionReject, "")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, core.StateDenied, resumed.State)
	assert.Empty(t, f.engine.staged)

	require.Len(t, f.opt.updates, 1)
	assert.Equal(t, 0.0, f.opt.updates[0].Reward)
}

func TestSubmitReviewDecision_ModifiedContentReplacesOriginal(t *testing.T) {
	f := newFixture(t)
	out := suspend(t, f)

	_, err := f.orch.SubmitReviewDecision(context.Background(), out.Review.ID, "alice", DecisionModify, modifiedRuleSource)
	require.NoError(t, err)
	resumed, err := f.orch.SubmitReviewDecision(context.Background(), out.Review.ID, "bob", DecisionApprove, "")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, core.StateCommitted, resumed.State)
	require.Len(t, f.engine.staged, 1)
	assert.Equal(t, modifiedRuleSource, f.engine.staged[0].Source)
}

func TestExpireReviews_OverdueDenied(t *testing.T) {
	f := newFixture(t)
	out := suspend(t, f)

	outcomes := f.orch.ExpireReviews(context.Background(), time.Now().Add(48*time.Hour))
	require.Len(t, outcomes, 1)
	assert.Equal(t, core.StateDenied, outcomes[0].State)
	assert.Equal(t, out.CandidateID, outcomes[0].CandidateID)

	state, _ := f.orch.State(out.CandidateID)
	assert.Equal(t, core.StateDenied, state)
}

func TestSubmitReviewDecision_UnknownRequest(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SubmitReviewDecision(context.Background(), "review-missing", "alice", DecisionApprove, "")
	require.Error(t, err)
}

// ============================================================================
// CODE CANDIDATES
// ============================================================================

func codeCandidate() core.Candidate {
	cand := candidate(core.KindCode, core.RiskLow)
	cand.Content = "print('hello')"
	cand.Payload = map[string]interface{}{"entrypoint": "main.py"}
	return cand
}

func TestProcess_CodeCandidateRunsInSandbox(t *testing.T) {
	f := newFixture(t)

	out, err := f.orch.Process(context.Background(), codeCandidate())
	require.NoError(t, err)
	assert.Equal(t, core.StateCommitted, out.State)
	assert.Equal(t, 1, f.executor.calls)
	require.NotNil(t, out.Execution)
	assert.Empty(t, f.engine.staged, "code candidates never stage rule bundles")
	assert.Zero(t, f.verifier.calls, "code is contained, not formally verified")
}

func TestProcess_SandboxViolationDenied(t *testing.T) {
	f := newFixture(t)
	f.executor.result = &sandbox.ExecutionResult{
		ID:      "exec-cand-1",
		Blocked: true,
		Usage:   sandbox.ResourceUsage{MemoryBytes: 1024, WallClock: 40 * time.Millisecond},
	}
	f.executor.err = core.NewError(core.ErrSandboxViolation, "killed on critical violation")

	out, err := f.orch.Process(context.Background(), codeCandidate())
	require.NoError(t, err)
	assert.Equal(t, core.StateDenied, out.State)
	require.NotNil(t, out.Execution)
	assert.True(t, out.Execution.Blocked)
	assert.NotZero(t, out.Execution.Usage.MemoryBytes, "usage survives the kill")
	require.NotEmpty(t, out.Justification)
	assert.Contains(t, out.Justification[0], "sandbox violation")
}

func TestProcess_SandboxInfrastructureFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.executor.err = core.NewError(core.ErrResourceExhausted, "no sandbox slot within deadline")

	out, err := f.orch.Process(context.Background(), codeCandidate())
	require.Error(t, err)
	assert.Equal(t, core.StateRolledBack, out.State)
}

// ============================================================================
// COMMIT FAILURES
// ============================================================================

func TestProcess_StageFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.engine.stageErr = core.NewError(core.ErrCompilation, "rule rejected by compiler")

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, core.StateRolledBack, out.State)
	assert.Empty(t, f.engine.activated)

	require.Len(t, f.opt.updates, 1)
	assert.Equal(t, 0.0, f.opt.updates[0].Reward)
}

func TestProcess_ActivationFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.engine.activateErr = core.NewError(core.ErrEvaluation, "bundle digest mismatch")

	out, err := f.orch.Process(context.Background(), candidate(core.KindRule, core.RiskLow))
	require.Error(t, err)
	assert.Equal(t, core.StateRolledBack, out.State)

	state, _ := f.orch.State("cand-1")
	assert.Equal(t, core.StateRolledBack, state)
}

// ============================================================================
// REVIEW MANAGER
// ============================================================================

func TestReviewManager_AssignmentPrefersExpertise(t *testing.T) {
	f := newFixture(t)

	req, err := f.reviews.Open(context.Background(), "cand-9", core.KindRule, nil)
	require.NoError(t, err)
	require.Len(t, req.Assigned, 2)
	// alice: 2*0.9 + 0.9 + 1.0 = 3.7; bob: 2*0.6 + 0.7 = 1.9; carol: 0.6.
	assert.Equal(t, []string{"alice", "bob"}, req.Assigned)
	assert.Equal(t, 1, f.reviews.Workload("alice"))
}

func TestReviewManager_WorkloadReleasedOnResolution(t *testing.T) {
	f := newFixture(t)

	req, err := f.reviews.Open(context.Background(), "cand-9", core.KindRule, nil)
	require.NoError(t, err)

	_, err = f.reviews.Decide(context.Background(), req.ID, "alice", DecisionReject, "")
	require.NoError(t, err)
	assert.Zero(t, f.reviews.Workload("alice"))
	assert.Nil(t, f.reviews.Request(req.ID))
}

func TestReviewManager_ResolvedRequestRejectsFurtherVotes(t *testing.T) {
	f := newFixture(t)

	req, err := f.reviews.Open(context.Background(), "cand-9", core.KindRule, nil)
	require.NoError(t, err)
	_, err = f.reviews.Decide(context.Background(), req.ID, "alice", DecisionReject, "")
	require.NoError(t, err)

	_, err = f.reviews.Decide(context.Background(), req.ID, "bob", DecisionApprove, "")
	require.Error(t, err)
}
