// Package bandit implements the constrained contextual optimizer: LinUCB
// arms under a conservative safety filter, with an optional sliding-window
// variant for non-stationary workloads.
package bandit

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/monitoring"
)

// FeatureNames fixes the recognised decision-context features and their
// order in the context vector.
var FeatureNames = []string{
	"safety_level",
	"constitutional_importance",
	"complexity",
	"urgency",
	"stakeholder_impact",
	"principle_count",
	"risk_level",
	"precedent_strength",
	"time_of_day",
	"time_pressure",
}

// countFeatures default to 0 when absent; everything else defaults to 0.5.
var countFeatures = map[string]bool{
	"principle_count": true,
	"time_of_day":     true,
}

const dims = 10

// ContextVector maps named features into the fixed-order vector.
func ContextVector(attrs map[string]interface{}) []float64 {
	x := make([]float64, dims)
	for i, name := range FeatureNames {
		def := 0.5
		if countFeatures[name] {
			def = 0.0
		}
		x[i] = def
		if raw, ok := attrs[name]; ok {
			switch v := raw.(type) {
			case float64:
				x[i] = v
			case int:
				x[i] = float64(v)
			}
		}
	}
	return x
}

// arm carries one action's LinUCB state. All fields are guarded by mu.
type arm struct {
	mu sync.Mutex

	name  string
	a     *matrix // design matrix, starts at λI
	b     []float64
	pulls int

	rewards        *window
	constitutional *window
	safety         *window

	// sliding-window variant state
	recent     *window
	changed    bool
	recentSize int
}

func newArm(name string, lambda float64, windowSize int) *arm {
	return &arm{
		name:           name,
		a:              identity(dims, lambda),
		b:              make([]float64, dims),
		rewards:        newWindow(windowSize),
		constitutional: newWindow(windowSize),
		safety:         newWindow(windowSize),
		recent:         newWindow(windowSize),
		recentSize:     windowSize,
	}
}

// score computes the estimate, upper and lower confidence bounds and the
// constitutional exploration bonus for one context.
func (a *arm) score(x []float64, alpha float64) (estimate, ucb, lcb, bonus float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	inv := a.a.inverse()
	theta := inv.mulVec(a.b)
	estimate = dot(theta, x)
	width := alpha * math.Sqrt(quadForm(inv, x))
	ucb = estimate + width
	lcb = estimate - width

	// Exploration bonus proportional to the arm's mean constitutional score;
	// a change-detected arm in the sliding-window variant gets a boost.
	bonus = 0.05 * a.constitutional.mean()
	if a.changed {
		bonus += width
	}
	return
}

// observe applies the rank-1 update and feeds the rolling windows.
func (a *arm) observe(x []float64, reward, constitutional, safety float64, nonStationary bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.a.addOuter(x)
	for i := range a.b {
		a.b[i] += reward * x[i]
	}
	a.pulls++
	a.rewards.push(reward)
	a.constitutional.push(constitutional)
	a.safety.push(safety)

	if nonStationary {
		a.recent.push(reward)
		a.detectChange()
	}
}

// detectChange runs a two-sample t-test between the older and newer halves
// of the recent-reward deque. A detected change marks the arm for boosted
// exploration and shrinks the window so stale rewards wash out faster; a
// stable arm slowly re-grows it.
func (a *arm) detectChange() {
	vals := a.recent.values()
	if len(vals) < 8 {
		return
	}
	half := len(vals) / 2
	old, recent := vals[:half], vals[half:]

	t := welchT(old, recent)
	if math.Abs(t) > 2.0 {
		a.changed = true
		if a.recentSize > 16 {
			a.recentSize /= 2
			a.recent.resize(a.recentSize)
		}
		return
	}
	a.changed = false
	if a.recentSize < 512 {
		a.recentSize++
		a.recent.resize(a.recentSize)
	}
}

// welchT is the unequal-variance t statistic between two samples.
func welchT(xs, ys []float64) float64 {
	mx, vx := meanVar(xs)
	my, vy := meanVar(ys)
	denom := math.Sqrt(vx/float64(len(xs)) + vy/float64(len(ys)))
	if denom == 0 {
		return 0
	}
	return (mx - my) / denom
}

func meanVar(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range xs {
		sum += v
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, v := range xs {
		d := v - mean
		sq += d * d
	}
	if len(xs) < 2 {
		return mean, 0
	}
	return mean, sq / float64(len(xs)-1)
}

// SelectionMode records how the arm was chosen.
type SelectionMode string

const (
	ModeUCB      SelectionMode = "ucb"      // picked by upper confidence bound
	ModeFallback SelectionMode = "fallback" // no eligible arm, closest to baseline
)

// Selection is the result of one select round.
type Selection struct {
	Arm      string        `json:"arm"`
	Mode     SelectionMode `json:"mode"`
	Estimate float64       `json:"estimate"`
	UCB      float64       `json:"ucb"`
	Baseline float64       `json:"baseline"`
}

// Options tunes the optimizer; zero values take defaults.
type Options struct {
	Alpha              float64 // exploration width, default 1.0
	Lambda             float64 // ridge prior, default 1.0
	SafetyThreshold    float64 // default 0.1
	MinBaselineSamples int     // default 10
	UpdateFrequency    int     // baseline refresh cadence, default 10
	WindowSize         int     // rolling windows, default 100
	FallbackToClosest  bool    // fallback instead of no-safe-arm
	NonStationary      bool    // enable the sliding-window variant
}

func (o *Options) defaults() {
	if o.Alpha <= 0 {
		o.Alpha = 1.0
	}
	if o.Lambda <= 0 {
		o.Lambda = 1.0
	}
	if o.SafetyThreshold <= 0 {
		o.SafetyThreshold = 0.1
	}
	if o.MinBaselineSamples <= 0 {
		o.MinBaselineSamples = 10
	}
	if o.UpdateFrequency <= 0 {
		o.UpdateFrequency = 10
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 100
	}
}

// Optimizer is the constrained LinUCB bandit.
type Optimizer struct {
	opts       Options
	auditor    cache.Auditor
	metrics    *monitoring.Metrics
	identifier string
	logger     *log.Logger

	mu             sync.RWMutex
	arms           map[string]*arm
	rounds         int
	baseline       float64
	baselineWindow *window
}

// NewOptimizer wires the bandit. auditor and metrics may be nil in tests.
func NewOptimizer(auditor cache.Auditor, metrics *monitoring.Metrics, identifier string, opts Options) *Optimizer {
	opts.defaults()
	return &Optimizer{
		opts:           opts,
		auditor:        auditor,
		metrics:        metrics,
		identifier:     identifier,
		logger:         log.New(log.Writer(), "[BANDIT] ", log.LstdFlags),
		arms:           make(map[string]*arm),
		baselineWindow: newWindow(opts.WindowSize),
	}
}

func (o *Optimizer) armFor(name string) *arm {
	o.mu.RLock()
	a, ok := o.arms[name]
	o.mu.RUnlock()
	if ok {
		return a
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok = o.arms[name]; ok {
		return a
	}
	a = newArm(name, o.opts.Lambda, o.opts.WindowSize)
	o.arms[name] = a
	return a
}

// Baseline returns the current conservative baseline.
func (o *Optimizer) Baseline() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.baseline
}

// Select picks an arm for the context under the safety filter. Arms with
// fewer than MinBaselineSamples pulls pass the filter so new arms still get
// explored; seasoned arms must keep their lower confidence bound within
// SafetyThreshold of the baseline. When nothing is eligible the optimizer
// either falls back to the arm closest to the baseline (audited as a safety
// violation) or rejects the round, per configuration.
func (o *Optimizer) Select(ctx context.Context, attrs map[string]interface{}, candidates []string) (*Selection, error) {
	if len(candidates) == 0 {
		return nil, core.NewError(core.ErrSafetyViolation, "no candidate arms")
	}
	x := ContextVector(attrs)
	baseline := o.Baseline()

	type scored struct {
		name          string
		estimate, ucb float64
		eligible      bool
	}
	scores := make([]scored, 0, len(candidates))

	names := append([]string{}, candidates...)
	sort.Strings(names)
	for _, name := range names {
		a := o.armFor(name)
		estimate, ucb, lcb, bonus := a.score(x, o.opts.Alpha)

		// The lower bound is only trusted once the arm has enough pulls.
		eligible := a.pullCount() < o.opts.MinBaselineSamples ||
			lcb >= baseline-o.opts.SafetyThreshold
		scores = append(scores, scored{name: name, estimate: estimate, ucb: ucb + bonus, eligible: eligible})
	}

	var best *scored
	for i := range scores {
		s := &scores[i]
		if !s.eligible {
			continue
		}
		if best == nil || s.ucb > best.ucb {
			best = s
		}
	}

	if best != nil {
		if o.metrics != nil {
			o.metrics.ArmSelections.WithLabelValues(best.name, string(ModeUCB)).Inc()
		}
		return &Selection{Arm: best.name, Mode: ModeUCB, Estimate: best.estimate, UCB: best.ucb, Baseline: baseline}, nil
	}

	if !o.opts.FallbackToClosest {
		return nil, core.NewError(core.ErrSafetyViolation, "no safe arm among %d candidates", len(candidates))
	}

	// Fallback: the arm whose estimate sits closest to the baseline.
	closest := &scores[0]
	for i := range scores[1:] {
		s := &scores[i+1]
		if math.Abs(s.estimate-baseline) < math.Abs(closest.estimate-baseline) {
			closest = s
		}
	}
	if o.metrics != nil {
		o.metrics.ArmSelections.WithLabelValues(closest.name, string(ModeFallback)).Inc()
		o.metrics.SafetyViolations.Inc()
	}
	if o.auditor != nil {
		if _, err := o.auditor.Append(ctx, "bandit.optimizer", audit.KindBanditSafety, map[string]interface{}{
			"arm":      closest.name,
			"baseline": baseline,
			"estimate": closest.estimate,
			"reason":   "no arm passed the safety filter",
		}); err != nil {
			o.logger.Printf("audit fallback selection: %v", err)
		}
	}
	return &Selection{Arm: closest.name, Mode: ModeFallback, Estimate: closest.estimate, UCB: closest.ucb, Baseline: baseline}, nil
}

func (a *arm) pullCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pulls
}

// Observation is one reward signal for an arm.
type Observation struct {
	Arm            string                 `json:"arm"`
	Reward         float64                `json:"reward"`
	Constitutional float64                `json:"constitutional_score"`
	Safety         float64                `json:"safety_score"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Identifier     string                 `json:"constitutional_identifier"`
}

// Update applies one observation: rank-1 LinUCB update plus window feeds,
// and refreshes the baseline every UpdateFrequency rounds as the 25th
// percentile of the reward window. Updates without the platform identifier
// are rejected.
func (o *Optimizer) Update(obs Observation) error {
	if obs.Identifier != o.identifier {
		return core.NewError(core.ErrConstitutionalMismatch,
			"reward update carries identifier %q", obs.Identifier)
	}

	x := ContextVector(obs.Context)
	o.armFor(obs.Arm).observe(x, obs.Reward, obs.Constitutional, obs.Safety, o.opts.NonStationary)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.baselineWindow.push(obs.Reward)
	o.rounds++
	if o.rounds%o.opts.UpdateFrequency == 0 {
		o.baseline = o.baselineWindow.percentile(0.25)
	}
	return nil
}

// ArmStats is a read-only snapshot of one arm.
type ArmStats struct {
	Name           string  `json:"name"`
	Pulls          int     `json:"pulls"`
	MeanReward     float64 `json:"mean_reward"`
	Constitutional float64 `json:"mean_constitutional"`
	Safety         float64 `json:"mean_safety"`
	ChangeDetected bool    `json:"change_detected"`
}

// Stats snapshots every arm, sorted by name.
func (o *Optimizer) Stats() []ArmStats {
	o.mu.RLock()
	names := make([]string, 0, len(o.arms))
	for name := range o.arms {
		names = append(names, name)
	}
	o.mu.RUnlock()
	sort.Strings(names)

	out := make([]ArmStats, 0, len(names))
	for _, name := range names {
		a := o.armFor(name)
		a.mu.Lock()
		out = append(out, ArmStats{
			Name:           name,
			Pulls:          a.pulls,
			MeanReward:     a.rewards.mean(),
			Constitutional: a.constitutional.mean(),
			Safety:         a.safety.mean(),
			ChangeDetected: a.changed,
		})
		a.mu.Unlock()
	}
	return out
}
