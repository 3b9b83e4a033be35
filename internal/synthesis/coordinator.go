package synthesis

import (
	"context"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/covenant/governor/internal/circuitbreaker"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/monitoring"
)

// Strategy selects how the ensemble aggregates model responses.
type Strategy string

const (
	StrategyMajorityVote           Strategy = "majority-vote"
	StrategyWeightedAverage        Strategy = "weighted-average"
	StrategyConfidenceWeighted     Strategy = "confidence-weighted"
	StrategyConstitutionalPriority Strategy = "constitutional-priority"
)

// complianceFloor is the aggregate compliance an unflagged result needs.
const complianceFloor = 0.95

// Request is one synthesis request.
type Request struct {
	Prompt     string                 `json:"prompt"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Strategy   Strategy               `json:"strategy,omitempty"`
	Identifier string                 `json:"constitutional_identifier"`
}

// EnsembleResponse is the consensus contract: final content plus everything
// the audit trail needs to reconstruct how the ensemble got there.
type EnsembleResponse struct {
	Content            string        `json:"content"`
	PerModel           []*Response   `json:"per_model"`
	Confidence         float64       `json:"consensus_confidence"`
	Compliance         float64       `json:"constitutional_compliance"`
	Reliability        float64       `json:"reliability"`
	FlagForReview      bool          `json:"flag_for_review"`
	FlagReasons        []string      `json:"flag_reasons,omitempty"`
	PreMitigationBias  Vector        `json:"pre_mitigation_bias"`
	PostMitigationBias Vector        `json:"post_mitigation_bias"`
	MitigationPasses   int           `json:"mitigation_passes"`
	Strategy           Strategy      `json:"strategy"`
	Elapsed            time.Duration `json:"elapsed"`
	Identifier         string        `json:"constitutional_identifier"`
}

// Coordinator fans requests out to the ensemble and folds the responses
// into one consensus answer.
type Coordinator struct {
	models            []Model
	weights           map[string]float64
	breakers          *circuitbreaker.PlatformBreakers
	detector          *Detector
	metrics           *monitoring.Metrics
	callTimeout       time.Duration
	minModels         int
	priorityThreshold float64
	identifier        string
	logger            *log.Logger
}

// Options tunes the coordinator; zero values take defaults.
type Options struct {
	Weights           map[string]float64 // base weight per model, default 1
	CallTimeout       time.Duration      // per model call, default 10s
	MinModels         int                // responders needed, default 2
	PriorityThreshold float64            // compliance dominance bar, default 0.9
	Thresholds        Thresholds         // bias ceilings, default stock
}

// NewCoordinator wires the ensemble. breakers and metrics may be nil in
// tests.
func NewCoordinator(models []Model, breakers *circuitbreaker.PlatformBreakers, metrics *monitoring.Metrics, identifier string, opts Options) *Coordinator {
	weights := make(map[string]float64, len(models))
	for _, m := range models {
		weights[m.Name()] = 1.0
		if w, ok := opts.Weights[m.Name()]; ok && w > 0 {
			weights[m.Name()] = w
		}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.MinModels <= 0 {
		opts.MinModels = 2
	}
	if opts.PriorityThreshold <= 0 {
		opts.PriorityThreshold = 0.9
	}
	return &Coordinator{
		models:            models,
		weights:           weights,
		breakers:          breakers,
		detector:          NewDetector(opts.Thresholds),
		metrics:           metrics,
		callTimeout:       opts.CallTimeout,
		minModels:         opts.MinModels,
		priorityThreshold: opts.PriorityThreshold,
		identifier:        identifier,
		logger:            log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// Synthesize runs the full ensemble pass: fan-out with per-call timeout and
// breaker, bias mitigation, strategy aggregation. A model that times out is
// dropped; fewer than minModels responders fails with EnsembleInsufficient.
func (c *Coordinator) Synthesize(ctx context.Context, req Request) (*EnsembleResponse, error) {
	if req.Identifier != c.identifier {
		return nil, core.NewError(core.ErrConstitutionalMismatch,
			"synthesis request carries identifier %q", req.Identifier)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyConfidenceWeighted
	}

	start := time.Now()
	responses := c.fanOut(ctx, req)
	if len(responses) < c.minModels {
		return nil, core.NewError(core.ErrEnsembleInsufficient,
			"%d of %d models responded, need %d", len(responses), len(c.models), c.minModels)
	}

	// Working weights start from configuration and shrink under mitigation.
	weights := make(map[string]float64, len(responses))
	for _, r := range responses {
		weights[r.Model] = c.weights[r.Model]
	}

	preBias := c.detector.Aggregate(responses, weights)
	postBias, passes := c.mitigate(responses, weights, preBias)

	content, confidence := c.aggregate(strategy, responses, weights)
	compliance := weightedCompliance(responses, weights)
	reliability := reliabilityScore(responses, confidence, passes)

	out := &EnsembleResponse{
		Content:            content,
		PerModel:           responses,
		Confidence:         confidence,
		Compliance:         compliance,
		Reliability:        reliability,
		PreMitigationBias:  preBias,
		PostMitigationBias: postBias,
		MitigationPasses:   passes,
		Strategy:           strategy,
		Elapsed:            time.Since(start),
		Identifier:         c.identifier,
	}

	if compliance < complianceFloor {
		out.FlagForReview = true
		out.FlagReasons = append(out.FlagReasons, "aggregate constitutional compliance below floor")
	}
	// Residual bias flags for review; it never auto-denies.
	for _, dim := range c.detector.Exceeded(postBias) {
		out.FlagForReview = true
		out.FlagReasons = append(out.FlagReasons, "bias threshold exceeded: "+dim)
	}

	if c.metrics != nil {
		c.metrics.EnsembleVerdicts.WithLabelValues(string(strategy)).Inc()
		if out.FlagForReview {
			c.metrics.EnsembleFlagged.Inc()
		}
	}
	return out, nil
}

// fanOut calls every model concurrently and keeps the responses that came
// back in time.
func (c *Coordinator) fanOut(ctx context.Context, req Request) []*Response {
	var mu sync.Mutex
	var responses []*Response
	var wg sync.WaitGroup

	for _, m := range c.models {
		m := m
		wg.Add(1)
		go func() {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
			defer cancel()

			call := func(cx context.Context) (interface{}, error) {
				return m.Generate(cx, req.Prompt, req.Context)
			}

			var raw interface{}
			var err error
			if c.breakers != nil {
				raw, err = c.breakers.ForModel(m.Name()).ExecuteContext(callCtx, call)
			} else {
				raw, err = call(callCtx)
			}

			result := "ok"
			if err != nil {
				result = "error"
				if callCtx.Err() == context.DeadlineExceeded {
					result = "timeout"
				}
				c.logger.Printf("model %s: %v", m.Name(), err)
			}
			if c.metrics != nil {
				c.metrics.ModelCalls.WithLabelValues(m.Name(), result).Inc()
			}
			if err != nil {
				return
			}

			resp := raw.(*Response)
			if c.metrics != nil {
				c.metrics.ModelLatency.WithLabelValues(m.Name()).Observe(resp.Latency.Seconds())
			}
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Stable order for deterministic aggregation.
	sort.Slice(responses, func(i, j int) bool { return responses[i].Model < responses[j].Model })
	return responses
}

// mitigate halves the weight of the worst contributor on each exceeded
// dimension and re-aggregates until the vector clears or passes run out.
func (c *Coordinator) mitigate(responses []*Response, weights map[string]float64, pre Vector) (Vector, int) {
	current := pre.Clone()
	passes := 0
	for passes < len(responses) {
		exceeded := c.detector.Exceeded(current)
		if len(exceeded) == 0 {
			break
		}
		for _, dim := range exceeded {
			offender := c.detector.Offender(responses, dim)
			weights[offender] *= 0.5
			if c.metrics != nil {
				c.metrics.BiasMitigations.WithLabelValues(dim).Inc()
			}
		}
		current = c.detector.Aggregate(responses, weights)
		passes++
	}
	return current, passes
}

func (c *Coordinator) aggregate(strategy Strategy, responses []*Response, weights map[string]float64) (string, float64) {
	switch strategy {
	case StrategyMajorityVote:
		return majorityVote(responses)
	case StrategyWeightedAverage:
		return pickByScore(responses, func(r *Response) float64 { return weights[r.Model] }),
			weightedMean(responses, weights, func(r *Response) float64 { return r.Confidence })
	case StrategyConstitutionalPriority:
		top := responses[0]
		for _, r := range responses[1:] {
			if r.Compliance > top.Compliance {
				top = r
			}
		}
		if top.Compliance >= c.priorityThreshold {
			return top.Content, top.Confidence
		}
		fallthrough
	default: // confidence-weighted
		eff := make(map[string]float64, len(responses))
		for _, r := range responses {
			eff[r.Model] = weights[r.Model] * r.Confidence
		}
		return pickByScore(responses, func(r *Response) float64 { return eff[r.Model] }),
			weightedMean(responses, eff, func(r *Response) float64 { return r.Confidence })
	}
}

// majorityVote groups identical content and returns the largest block.
func majorityVote(responses []*Response) (string, float64) {
	votes := make(map[string][]*Response)
	for _, r := range responses {
		votes[r.Content] = append(votes[r.Content], r)
	}

	contents := make([]string, 0, len(votes))
	for content := range votes {
		contents = append(contents, content)
	}
	sort.Strings(contents)

	var winner string
	best := -1
	for _, content := range contents {
		if n := len(votes[content]); n > best {
			best = n
			winner = content
		}
	}

	var confSum float64
	for _, r := range votes[winner] {
		confSum += r.Confidence
	}
	agreement := float64(best) / float64(len(responses))
	return winner, agreement * (confSum / float64(best))
}

func pickByScore(responses []*Response, score func(*Response) float64) string {
	top := responses[0]
	for _, r := range responses[1:] {
		if score(r) > score(top) {
			top = r
		}
	}
	return top.Content
}

func weightedMean(responses []*Response, weights map[string]float64, value func(*Response) float64) float64 {
	var sum, total float64
	for _, r := range responses {
		sum += weights[r.Model] * value(r)
		total += weights[r.Model]
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

func weightedCompliance(responses []*Response, weights map[string]float64) float64 {
	return weightedMean(responses, weights, func(r *Response) float64 { return r.Compliance })
}

// reliabilityScore folds agreement, individual confidences and mitigation
// effort into one score in [0, 1].
func reliabilityScore(responses []*Response, consensusConfidence float64, mitigationPasses int) float64 {
	lo, hi := 1.0, 0.0
	for _, r := range responses {
		lo = math.Min(lo, r.Compliance)
		hi = math.Max(hi, r.Compliance)
	}
	agreement := 1 - (hi - lo)
	mitigation := math.Pow(0.9, float64(mitigationPasses))
	score := agreement * consensusConfidence * mitigation
	return math.Max(0, math.Min(1, score))
}
