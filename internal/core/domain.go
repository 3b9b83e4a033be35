package core

import "time"

// CandidateKind classifies what a candidate proposes.
type CandidateKind string

const (
	KindPolicy    CandidateKind = "policy"
	KindRule      CandidateKind = "rule"
	KindEvolution CandidateKind = "evolution"
	KindCode      CandidateKind = "code"
)

// RiskClass is the submitter-declared risk of a candidate.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Candidate is an immutable record of a submitted artifact.
// Created by the orchestrator on ingress; never mutated afterwards.
type Candidate struct {
	ID         string                 `json:"id"`
	Kind       CandidateKind          `json:"kind"`
	Payload    map[string]interface{} `json:"payload"`
	Content    string                 `json:"content,omitempty"` // non-empty skips synthesis
	Principles []string               `json:"principles"`
	Risk       RiskClass              `json:"risk"`
	Submitter  string                 `json:"submitter"`
	Identifier string                 `json:"constitutional_identifier"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow         Verdict = "allow"
	VerdictDeny          Verdict = "deny"
	VerdictRequireReview Verdict = "require-review"
)

// CandidateState tracks a candidate through the governance pipeline.
type CandidateState string

const (
	StateReceived    CandidateState = "received"
	StateSynthesised CandidateState = "synthesised"
	StateVerified    CandidateState = "verified"
	StateEvaluated   CandidateState = "evaluated"
	StateApproved    CandidateState = "approved"
	StateDenied      CandidateState = "denied"
	StateInReview    CandidateState = "in-review"
	StateCommitted   CandidateState = "committed"
	StateRolledBack  CandidateState = "rolled-back"
)

// Terminal reports whether the state ends the candidate lifecycle.
func (s CandidateState) Terminal() bool {
	switch s {
	case StateCommitted, StateDenied, StateRolledBack:
		return true
	}
	return false
}

// DecisionRecord is the wire-visible result of a policy evaluation.
// Produced by the policy engine, cached by the decision cache, consumed by
// the orchestrator and the bandit.
type DecisionRecord struct {
	Fingerprint   string        `json:"fingerprint"`
	Verdict       Verdict       `json:"verdict"`
	WinningRule   string        `json:"winning_rule,omitempty"`
	SupportingIDs []string      `json:"supporting_rule_ids,omitempty"`
	Evidence      []string      `json:"evidence,omitempty"`
	EvalLatency   time.Duration `json:"evaluation_latency"`
	BundleVersion string        `json:"bundle_version"`
	Identifier    string        `json:"constitutional_identifier"`
	Digest        string        `json:"integrity_digest"`
	TTL           time.Duration `json:"ttl"`
	CreatedAt     time.Time     `json:"created_at"`
}
