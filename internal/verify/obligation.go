// Package verify implements the tiered formal verification pipeline: cheap
// structural checks, parallel semantic analysis, and SMT-style proof
// attempts over policy rules against constitutional properties.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/policy"
)

// Tier selects how much rigor an obligation gets.
type Tier string

const (
	TierAutomated Tier = "automated" // structural and schema checks, no solver
	TierSemantic  Tier = "semantic"  // lightweight logical analysis, parallel
	TierRigorous  Tier = "rigorous"  // SMT-style proof of the negation
)

// Status is the lifecycle of one obligation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusProved    Status = "proved"
	StatusDisproved Status = "disproved"
	StatusUnknown   Status = "unknown"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

// statusRank orders terminal statuses for deterministic merging:
// error > timeout > disproved > unknown > proved.
func statusRank(s Status) int {
	switch s {
	case StatusError:
		return 5
	case StatusTimeout:
		return 4
	case StatusDisproved:
		return 3
	case StatusUnknown:
		return 2
	case StatusProved:
		return 1
	}
	return 0
}

// MergeStatus picks the dominant status under the fixed precedence.
func MergeStatus(a, b Status) Status {
	if statusRank(b) > statusRank(a) {
		return b
	}
	return a
}

// Property is a constitutional property checked against every rule: the
// rule must never produce Verdict while When holds.
type Property struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Verdict     core.Verdict       `json:"verdict"`
	When        []policy.Condition `json:"when"`
}

// Digest content-addresses the property for cache keying.
func (p *Property) Digest() string {
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Obligation is one (rule, property, tier) proof task.
type Obligation struct {
	RuleDigest     string        `json:"rule_digest"`
	RulePackage    string        `json:"rule_package"`
	PropertyID     string        `json:"property_id"`
	PropertyDigest string        `json:"property_digest"`
	Tier           Tier          `json:"tier"`
	Status         Status        `json:"status"`
	Evidence       string        `json:"evidence,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
}

// CacheKey joins the content addresses that make a result reusable.
func (o *Obligation) CacheKey() string {
	return "verify:" + o.RuleDigest + ":" + o.PropertyDigest + ":" + string(o.Tier)
}

// Result aggregates all obligations of one verification request. The
// aggregate is proved iff every obligation is proved.
type Result struct {
	BundleVersion string        `json:"bundle_version"`
	Tier          Tier          `json:"tier"`
	Obligations   []Obligation  `json:"obligations"`
	Aggregate     Status        `json:"aggregate"`
	CacheHits     int           `json:"cache_hits"`
	Elapsed       time.Duration `json:"elapsed"`
	Identifier    string        `json:"constitutional_identifier"`
}

// Passed reports whether every obligation reached proved.
func (r *Result) Passed() bool {
	if len(r.Obligations) == 0 {
		return true
	}
	return r.Aggregate == StatusProved
}

// ProofObject carries the evidence of one rigorous proof attempt.
type ProofObject struct {
	PropertyID   string                 `json:"property_id"`
	Steps        []string               `json:"steps,omitempty"`        // present when proved
	CounterModel map[string]interface{} `json:"counter_model,omitempty"` // present when disproved
	Status       Status                 `json:"status"`
	InputDigest  string                 `json:"input_digest"`
	Identifier   string                 `json:"constitutional_identifier"`
	GeneratedAt  time.Time              `json:"generated_at"`
}
