package bandit

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/core"
)

const testIdentifier = "a1b2c3d4e5f60718"

type recordingAuditor struct {
	events []audit.Kind
}

func (r *recordingAuditor) Append(_ context.Context, _ string, kind audit.Kind, _ map[string]interface{}) (string, error) {
	r.events = append(r.events, kind)
	return "digest", nil
}

func feed(t *testing.T, o *Optimizer, arm string, reward float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, o.Update(Observation{
			Arm:            arm,
			Reward:         reward,
			Constitutional: 0.9,
			Safety:         0.9,
			Identifier:     testIdentifier,
		}))
	}
}

// ============================================================================
// CONTEXT VECTOR
// ============================================================================

func TestContextVector_Defaults(t *testing.T) {
	x := ContextVector(nil)
	require.Len(t, x, dims)

	for i, name := range FeatureNames {
		if countFeatures[name] {
			assert.Equal(t, 0.0, x[i], name)
		} else {
			assert.Equal(t, 0.5, x[i], name)
		}
	}
}

func TestContextVector_NamedFeatures(t *testing.T) {
	x := ContextVector(map[string]interface{}{
		"safety_level":    0.9,
		"principle_count": 3,
		"unrecognised":    1.0,
	})
	assert.Equal(t, 0.9, x[0])
	assert.Equal(t, 3.0, x[5])
}

// ============================================================================
// MATRIX
// ============================================================================

func TestMatrixInverse_RoundTrip(t *testing.T) {
	m := identity(dims, 2.0)
	m.addOuter([]float64{1, 0.5, 0, 0.2, 0, 0, 0.7, 0, 0, 0.1})
	m.addOuter([]float64{0.3, 0, 0.9, 0, 0.4, 0, 0, 0.6, 0, 0})

	inv := m.inverse()
	prod := make([]float64, dims*dims)
	for i := 0; i < dims; i++ {
		for j := 0; j < dims; j++ {
			var sum float64
			for k := 0; k < dims; k++ {
				sum += m.at(i, k) * inv.at(k, j)
			}
			prod[i*dims+j] = sum
		}
	}
	for i := 0; i < dims; i++ {
		for j := 0; j < dims; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.InDelta(t, want, prod[i*dims+j], 1e-9)
		}
	}
}

// ============================================================================
// SELECTION
// ============================================================================

func TestSelect_NewArmsPassSafetyFilter(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{})
	sel, err := o.Select(context.Background(), nil, []string{"arm-a", "arm-b"})
	require.NoError(t, err)
	assert.Equal(t, ModeUCB, sel.Mode)
	assert.Contains(t, []string{"arm-a", "arm-b"}, sel.Arm)
}

func TestSelect_ConvergesToBetterArm(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{Alpha: 0.1})

	feed(t, o, "good", 0.9, 30)
	feed(t, o, "bad", 0.2, 30)

	sel, err := o.Select(context.Background(), nil, []string{"good", "bad"})
	require.NoError(t, err)
	assert.Equal(t, "good", sel.Arm)
}

func TestSelect_SafetyFilterExcludesUnderperformer(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{
		Alpha:              0.05,
		SafetyThreshold:    0.1,
		MinBaselineSamples: 10,
		UpdateFrequency:    5,
	})

	// The baseline settles near 0.8; an arm stuck at 0.1 with enough pulls
	// must fail the filter.
	feed(t, o, "steady", 0.8, 40)
	feed(t, o, "unsafe", 0.1, 10)
	require.Greater(t, o.Baseline(), 0.5)

	sel, err := o.Select(context.Background(), nil, []string{"steady", "unsafe"})
	require.NoError(t, err)
	assert.Equal(t, "steady", sel.Arm)
	assert.Equal(t, ModeUCB, sel.Mode)
}

func TestSelect_NoSafeArm(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{
		Alpha:              0.05,
		SafetyThreshold:    0.05,
		MinBaselineSamples: 10,
		UpdateFrequency:    5,
	})

	// Raise the baseline with one arm, then offer only the unsafe one.
	feed(t, o, "steady", 0.9, 40)
	feed(t, o, "unsafe", 0.1, 10)

	_, err := o.Select(context.Background(), nil, []string{"unsafe"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrSafetyViolation))
}

func TestSelect_FallbackClosestToBaselineIsAudited(t *testing.T) {
	rec := &recordingAuditor{}
	o := NewOptimizer(rec, nil, testIdentifier, Options{
		Alpha:              0.05,
		SafetyThreshold:    0.05,
		MinBaselineSamples: 10,
		UpdateFrequency:    5,
		FallbackToClosest:  true,
	})

	feed(t, o, "steady", 0.9, 80)
	feed(t, o, "low", 0.1, 10)
	feed(t, o, "lower", 0.01, 10)

	sel, err := o.Select(context.Background(), nil, []string{"low", "lower"})
	require.NoError(t, err)
	assert.Equal(t, ModeFallback, sel.Mode)
	assert.Equal(t, "low", sel.Arm, "estimate closest to baseline wins the fallback")
	require.Len(t, rec.events, 1)
}

// ============================================================================
// UPDATES
// ============================================================================

func TestUpdate_RejectsForeignIdentifier(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{})
	err := o.Update(Observation{Arm: "a", Reward: 1, Identifier: "ffffffffffffffff"})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.ErrConstitutionalMismatch))

	assert.Empty(t, o.Stats(), "rejected update must not create the arm")
}

func TestUpdate_BaselineIsP25OfRewardWindow(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{UpdateFrequency: 4, WindowSize: 100})

	for _, r := range []float64{0.0, 0.4, 0.8, 1.0} {
		require.NoError(t, o.Update(Observation{Arm: "a", Reward: r, Identifier: testIdentifier}))
	}
	// P25 over {0, 0.4, 0.8, 1.0} with interpolation: 0.3.
	assert.InDelta(t, 0.3, o.Baseline(), 1e-9)
}

func TestUpdate_BaselineOnlyRefreshesOnCadence(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{UpdateFrequency: 10})

	feed(t, o, "a", 0.9, 9)
	assert.Zero(t, o.Baseline(), "baseline holds until the cadence hits")

	feed(t, o, "a", 0.9, 1)
	assert.Greater(t, o.Baseline(), 0.0)
}

func TestStats_TracksPullsAndMeans(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{})
	feed(t, o, "a", 0.6, 5)

	stats := o.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 5, stats[0].Pulls)
	assert.InDelta(t, 0.6, stats[0].MeanReward, 1e-9)
}

// ============================================================================
// SLIDING-WINDOW VARIANT
// ============================================================================

func TestNonStationary_ChangeDetection(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{NonStationary: true, WindowSize: 40})

	// A sharp reward shift between window halves trips the t-test.
	feed(t, o, "drifting", 0.2, 20)
	feed(t, o, "drifting", 0.9, 6)

	stats := o.Stats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].ChangeDetected)
}

func TestNonStationary_StableArmNotMarked(t *testing.T) {
	o := NewOptimizer(nil, nil, testIdentifier, Options{NonStationary: true, WindowSize: 40})
	feed(t, o, "stable", 0.5, 40)

	stats := o.Stats()
	require.Len(t, stats, 1)
	assert.False(t, stats[0].ChangeDetected)
}

// ============================================================================
// WINDOW
// ============================================================================

func TestWindow_BoundAndPercentile(t *testing.T) {
	w := newWindow(4)
	for _, v := range []float64{9, 1, 2, 3, 4} {
		w.push(v)
	}
	assert.Equal(t, []float64{1, 2, 3, 4}, w.values(), "oldest sample evicted")
	assert.InDelta(t, 2.5, w.percentile(0.5), 1e-9)
	assert.Equal(t, 4.0, w.percentile(1.0))
}

func TestWelchT_Symmetry(t *testing.T) {
	a := []float64{0.1, 0.2, 0.15, 0.12}
	b := []float64{0.8, 0.9, 0.85, 0.88}
	assert.InDelta(t, welchT(a, b), -welchT(b, a), 1e-12)
	assert.Greater(t, math.Abs(welchT(a, b)), 2.0)
}
