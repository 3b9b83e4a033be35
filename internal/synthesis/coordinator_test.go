package synthesis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant/governor/internal/core"
)

const testIdentifier = "a1b2c3d4e5f60718"

// stubModel returns a canned response, an error, or blocks past the call
// timeout.
type stubModel struct {
	name  string
	role  Role
	resp  *Response
	err   error
	delay time.Duration
}

func (s *stubModel) Name() string { return s.name }
func (s *stubModel) Role() Role   { return s.role }

func (s *stubModel) Generate(ctx context.Context, prompt string, _ map[string]interface{}) (*Response, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	r := *s.resp
	r.Model = s.name
	r.Role = s.role
	return &r, nil
}

func cleanResponse(confidence, compliance float64, content string) *Response {
	return &Response{
		Content:    content,
		Confidence: confidence,
		Compliance: compliance,
		Bias: Vector{
			DimDemographic:  0.05,
			DimCultural:     0.05,
			DimLinguistic:   0.05,
			DimTemporal:     0.05,
			DimConfirmation: 0.05,
		},
	}
}

func request(strategy Strategy) Request {
	return Request{Prompt: "draft rule", Strategy: strategy, Identifier: testIdentifier}
}

// ============================================================================
// FAN-OUT AND FAILURE SEMANTICS
// ============================================================================

func TestSynthesize_AllModelsHealthy(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", role: RolePrimaryReasoner, resp: cleanResponse(0.9, 0.97, "draft-a")},
		&stubModel{name: "priority", role: RoleConstitutionalPriority, resp: cleanResponse(0.8, 0.98, "draft-a")},
		&stubModel{name: "checker", role: RoleAdversarialChecker, resp: cleanResponse(0.7, 0.96, "draft-a")},
	}, nil, nil, testIdentifier, Options{})

	out, err := c.Synthesize(context.Background(), request(StrategyConfidenceWeighted))
	require.NoError(t, err)

	assert.Equal(t, "draft-a", out.Content)
	assert.Len(t, out.PerModel, 3)
	assert.False(t, out.FlagForReview)
	assert.GreaterOrEqual(t, out.Compliance, 0.95)
	assert.Zero(t, out.MitigationPasses)
}

func TestSynthesize_ProceedsWithTwoResponders(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.9, 0.97, "draft-a")},
		&stubModel{name: "priority", resp: cleanResponse(0.8, 0.98, "draft-a")},
		&stubModel{name: "checker", err: errors.New("backend down")},
	}, nil, nil, testIdentifier, Options{})

	out, err := c.Synthesize(context.Background(), request(""))
	require.NoError(t, err)
	assert.Len(t, out.PerModel, 2)
}

func TestSynthesize_InsufficientEnsemble(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.9, 0.97, "draft-a")},
		&stubModel{name: "priority", err: errors.New("backend down")},
		&stubModel{name: "checker", err: errors.New("backend down")},
	}, nil, nil, testIdentifier, Options{})

	_, err := c.Synthesize(context.Background(), request(""))
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrEnsembleInsufficient))
}

func TestSynthesize_SlowModelDropped(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.9, 0.97, "draft-a")},
		&stubModel{name: "priority", resp: cleanResponse(0.8, 0.98, "draft-a")},
		&stubModel{name: "checker", resp: cleanResponse(0.7, 0.96, "draft-b"), delay: time.Second},
	}, nil, nil, testIdentifier, Options{CallTimeout: 20 * time.Millisecond})

	out, err := c.Synthesize(context.Background(), request(""))
	require.NoError(t, err)
	assert.Len(t, out.PerModel, 2)
	assert.Equal(t, "draft-a", out.Content)
}

func TestSynthesize_IdentifierMismatch(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.9, 0.97, "draft-a")},
		&stubModel{name: "priority", resp: cleanResponse(0.8, 0.98, "draft-a")},
	}, nil, nil, testIdentifier, Options{})

	_, err := c.Synthesize(context.Background(), Request{Prompt: "x", Identifier: "ffffffffffffffff"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrConstitutionalMismatch))
}

// ============================================================================
// STRATEGIES
// ============================================================================

func TestSynthesize_MajorityVote(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.9, 0.97, "draft-a")},
		&stubModel{name: "priority", resp: cleanResponse(0.8, 0.98, "draft-a")},
		&stubModel{name: "checker", resp: cleanResponse(0.99, 0.96, "draft-b")},
	}, nil, nil, testIdentifier, Options{})

	out, err := c.Synthesize(context.Background(), request(StrategyMajorityVote))
	require.NoError(t, err)
	assert.Equal(t, "draft-a", out.Content, "two votes beat one high-confidence dissenter")
}

func TestSynthesize_ConstitutionalPriorityDominates(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.99, 0.80, "draft-a")},
		&stubModel{name: "priority", resp: cleanResponse(0.60, 0.99, "draft-b")},
		&stubModel{name: "checker", resp: cleanResponse(0.95, 0.85, "draft-a")},
	}, nil, nil, testIdentifier, Options{})

	out, err := c.Synthesize(context.Background(), request(StrategyConstitutionalPriority))
	require.NoError(t, err)
	assert.Equal(t, "draft-b", out.Content, "highest compliance above the bar dominates")
}

func TestSynthesize_ConstitutionalPriorityFallsBack(t *testing.T) {
	// Nobody clears the dominance bar; the strategy degrades to
	// confidence-weighted, where reasoner's confidence wins.
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.99, 0.80, "draft-a")},
		&stubModel{name: "priority", resp: cleanResponse(0.60, 0.85, "draft-b")},
	}, nil, nil, testIdentifier, Options{PriorityThreshold: 0.9})

	out, err := c.Synthesize(context.Background(), request(StrategyConstitutionalPriority))
	require.NoError(t, err)
	assert.Equal(t, "draft-a", out.Content)
}

// ============================================================================
// BIAS MITIGATION
// ============================================================================

func TestSynthesize_MitigationPenalisesOffender(t *testing.T) {
	biased := cleanResponse(0.9, 0.97, "draft-biased")
	biased.Bias = Vector{
		DimDemographic:  0.90,
		DimCultural:     0.05,
		DimLinguistic:   0.05,
		DimTemporal:     0.05,
		DimConfirmation: 0.05,
	}

	c := NewCoordinator([]Model{
		&stubModel{name: "biased", resp: biased},
		&stubModel{name: "priority", resp: cleanResponse(0.8, 0.98, "draft-a")},
		&stubModel{name: "checker", resp: cleanResponse(0.7, 0.96, "draft-a")},
	}, nil, nil, testIdentifier, Options{})

	out, err := c.Synthesize(context.Background(), request(StrategyWeightedAverage))
	require.NoError(t, err)

	assert.Greater(t, out.MitigationPasses, 0)
	assert.Greater(t, out.PreMitigationBias[DimDemographic], out.PostMitigationBias[DimDemographic],
		"re-aggregation must shrink the exceeded dimension")
	assert.NotEqual(t, "draft-biased", out.Content, "penalised model must lose the weight vote")
}

func TestSynthesize_ResidualBiasFlagsNotDenies(t *testing.T) {
	// Every responder is saturated on one dimension, so mitigation cannot
	// clear it. The response still comes back, flagged.
	saturate := func(content string) *Response {
		r := cleanResponse(0.9, 0.97, content)
		r.Bias[DimConfirmation] = 0.95
		return r
	}
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: saturate("draft-a")},
		&stubModel{name: "priority", resp: saturate("draft-a")},
	}, nil, nil, testIdentifier, Options{})

	out, err := c.Synthesize(context.Background(), request(""))
	require.NoError(t, err)
	assert.True(t, out.FlagForReview)
	assert.Contains(t, out.FlagReasons, "bias threshold exceeded: "+DimConfirmation)
}

func TestSynthesize_LowComplianceFlagged(t *testing.T) {
	c := NewCoordinator([]Model{
		&stubModel{name: "reasoner", resp: cleanResponse(0.9, 0.80, "draft-a")},
		&stubModel{name: "priority", resp: cleanResponse(0.8, 0.85, "draft-a")},
	}, nil, nil, testIdentifier, Options{})

	out, err := c.Synthesize(context.Background(), request(""))
	require.NoError(t, err)
	assert.True(t, out.FlagForReview)
	assert.Less(t, out.Compliance, 0.95)
}

// ============================================================================
// RELIABILITY
// ============================================================================

func TestReliability_DropsWithDisagreementAndMitigation(t *testing.T) {
	agree := reliabilityScore([]*Response{
		{Compliance: 0.97}, {Compliance: 0.96},
	}, 0.9, 0)
	disagree := reliabilityScore([]*Response{
		{Compliance: 0.97}, {Compliance: 0.40},
	}, 0.9, 0)
	mitigated := reliabilityScore([]*Response{
		{Compliance: 0.97}, {Compliance: 0.96},
	}, 0.9, 2)

	assert.Greater(t, agree, disagree)
	assert.Greater(t, agree, mitigated)
}
