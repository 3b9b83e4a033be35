package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/events"
)

// ReviewDecision is one reviewer's vote.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
	// DecisionModify approves with replacement content.
	DecisionModify ReviewDecision = "modify"
)

// Reviewer is a registered human reviewer.
type Reviewer struct {
	ID          string             `json:"id"`
	Role        string             `json:"role"` // "constitutional-expert" weighs above "reviewer"
	Expertise   map[string]float64 `json:"expertise"`
	Quality     float64            `json:"quality"`
	MaxWorkload int                `json:"max_workload"`
}

// ReviewRequest is one open human-review ticket.
type ReviewRequest struct {
	ID          string             `json:"id"`
	CandidateID string             `json:"candidate_id"`
	Kind        core.CandidateKind `json:"kind"`
	Reasons     []string           `json:"reasons"`
	Assigned    []string           `json:"assigned"`
	Required    int                `json:"required_approvals"`
	Deadline    time.Time          `json:"deadline"`
	CreatedAt   time.Time          `json:"created_at"`

	approvals map[string]bool
	modified  string
	resolved  bool
}

// Resolution is the terminal outcome of one review.
type Resolution struct {
	RequestID   string `json:"request_id"`
	CandidateID string `json:"candidate_id"`
	Approved    bool   `json:"approved"`
	Modified    string `json:"modified_content,omitempty"`
	Reason      string `json:"reason"`
}

// ReviewManager assigns review tickets to weighted reviewers and folds
// their votes into a resolution. A missed deadline resolves to deny.
type ReviewManager struct {
	auditor  cache.Auditor
	emitter  events.Emitter
	deadline time.Duration
	required int

	mu        sync.Mutex
	reviewers map[string]*Reviewer
	workload  map[string]int
	requests  map[string]*ReviewRequest
}

// NewReviewManager builds the manager. auditor and emitter may be nil in
// tests.
func NewReviewManager(auditor cache.Auditor, emitter events.Emitter, deadline time.Duration, requiredApprovals int) *ReviewManager {
	if deadline <= 0 {
		deadline = 24 * time.Hour
	}
	if requiredApprovals <= 0 {
		requiredApprovals = 2
	}
	return &ReviewManager{
		auditor:   auditor,
		emitter:   emitter,
		deadline:  deadline,
		required:  requiredApprovals,
		reviewers: make(map[string]*Reviewer),
		workload:  make(map[string]int),
		requests:  make(map[string]*ReviewRequest),
	}
}

// Register adds a reviewer to the pool.
func (m *ReviewManager) Register(r Reviewer) {
	if r.MaxWorkload <= 0 {
		r.MaxWorkload = 5
	}
	if r.Quality <= 0 {
		r.Quality = 0.5
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reviewers[r.ID] = &r
}

// score weights a reviewer for one candidate kind: expertise dominates,
// then role and historical quality, discounted by current load.
func (m *ReviewManager) score(r *Reviewer, kind core.CandidateKind) float64 {
	s := 2.0*r.Expertise[string(kind)] + r.Quality
	if r.Role == "constitutional-expert" {
		s += 1.0
	}
	s -= 0.5 * float64(m.workload[r.ID])
	return s
}

// Open creates a ticket and assigns the best-scoring reviewers whose
// workload allows it.
func (m *ReviewManager) Open(ctx context.Context, candidateID string, kind core.CandidateKind, reasons []string) (*ReviewRequest, error) {
	m.mu.Lock()

	type ranked struct {
		id    string
		score float64
	}
	var eligible []ranked
	for id, r := range m.reviewers {
		if m.workload[id] >= r.MaxWorkload {
			continue
		}
		eligible = append(eligible, ranked{id: id, score: m.score(r, kind)})
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		return eligible[i].id < eligible[j].id
	})

	assigned := make([]string, 0, m.required)
	for _, e := range eligible {
		if len(assigned) == m.required {
			break
		}
		assigned = append(assigned, e.id)
		m.workload[e.id]++
	}

	req := &ReviewRequest{
		ID:          "review-" + uuid.New().String()[:8],
		CandidateID: candidateID,
		Kind:        kind,
		Reasons:     reasons,
		Assigned:    assigned,
		Required:    m.required,
		Deadline:    time.Now().Add(m.deadline),
		CreatedAt:   time.Now().UTC(),
		approvals:   make(map[string]bool),
	}
	m.requests[req.ID] = req
	m.mu.Unlock()

	if m.auditor != nil {
		if _, err := m.auditor.Append(ctx, "orchestrator.review", audit.KindReview, map[string]interface{}{
			"request":   req.ID,
			"candidate": candidateID,
			"assigned":  assigned,
			"deadline":  req.Deadline,
			"reasons":   reasons,
		}); err != nil {
			return nil, err
		}
	}
	if m.emitter != nil {
		m.emitter.Emit(events.TypeReviewRequested, "orchestrator.review", candidateID, map[string]interface{}{
			"request":  req.ID,
			"deadline": req.Deadline,
		})
	}
	return req, nil
}

// Decide records one vote. The first reject resolves to deny; reaching the
// approval quorum resolves to approve, carrying any modified content.
func (m *ReviewManager) Decide(ctx context.Context, requestID, reviewerID string, decision ReviewDecision, modified string) (*Resolution, error) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok || req.resolved {
		m.mu.Unlock()
		return nil, core.NewError(core.ErrEvaluation, "review %s not open", requestID)
	}

	var res *Resolution
	switch decision {
	case DecisionReject:
		res = &Resolution{RequestID: requestID, CandidateID: req.CandidateID, Approved: false, Reason: "rejected by " + reviewerID}
	case DecisionModify:
		req.modified = modified
		fallthrough
	case DecisionApprove:
		req.approvals[reviewerID] = true
		if len(req.approvals) >= req.Required {
			res = &Resolution{
				RequestID:   requestID,
				CandidateID: req.CandidateID,
				Approved:    true,
				Modified:    req.modified,
				Reason:      "approval quorum reached",
			}
		}
	default:
		m.mu.Unlock()
		return nil, core.NewError(core.ErrEvaluation, "unknown review decision %q", decision)
	}

	if res != nil {
		m.resolveLocked(req)
	}
	m.mu.Unlock()

	if res != nil {
		m.announce(ctx, res)
	}
	return res, nil
}

// ExpireOverdue resolves every request past its deadline to deny. Called
// from the orchestrator's sweep loop; tests call it directly with a
// synthetic now.
func (m *ReviewManager) ExpireOverdue(ctx context.Context, now time.Time) []*Resolution {
	m.mu.Lock()
	var expired []*Resolution
	for _, req := range m.requests {
		if req.resolved || now.Before(req.Deadline) {
			continue
		}
		expired = append(expired, &Resolution{
			RequestID:   req.ID,
			CandidateID: req.CandidateID,
			Approved:    false,
			Reason:      "review deadline exceeded",
		})
		m.resolveLocked(req)
	}
	m.mu.Unlock()

	for _, res := range expired {
		m.announce(ctx, res)
	}
	return expired
}

func (m *ReviewManager) resolveLocked(req *ReviewRequest) {
	req.resolved = true
	for _, id := range req.Assigned {
		if m.workload[id] > 0 {
			m.workload[id]--
		}
	}
}

func (m *ReviewManager) announce(ctx context.Context, res *Resolution) {
	if m.auditor != nil {
		if _, err := m.auditor.Append(ctx, "orchestrator.review", audit.KindReview, map[string]interface{}{
			"request":   res.RequestID,
			"candidate": res.CandidateID,
			"approved":  res.Approved,
			"reason":    res.Reason,
		}); err != nil {
			return
		}
	}
	if m.emitter != nil {
		m.emitter.Emit(events.TypeReviewResolved, "orchestrator.review", res.CandidateID, map[string]interface{}{
			"request":  res.RequestID,
			"approved": res.Approved,
			"reason":   res.Reason,
		})
	}
}

// Request returns the still-open request, or nil.
func (m *ReviewManager) Request(requestID string) *ReviewRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.requests[requestID]; ok && !req.resolved {
		return req
	}
	return nil
}

// Workload reports a reviewer's open assignments.
func (m *ReviewManager) Workload(reviewerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workload[reviewerID]
}
