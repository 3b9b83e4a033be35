// Package audit implements the append-only, hash-chained event log every
// governance component writes to. The append is the commit point of every
// originating operation: no ack until the event is durable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind categorizes an audit event and selects its retention window.
type Kind string

const (
	KindDecision       Kind = "decision"
	KindTransition     Kind = "transition"
	KindBundleChange   Kind = "bundle_change"
	KindVerification   Kind = "verification"
	KindSynthesis      Kind = "synthesis"
	KindBanditSafety   Kind = "bandit_safety"
	KindCacheIntegrity Kind = "cache_integrity"
	KindSecurity       Kind = "security_violation"
	KindConstitutional Kind = "constitutional_violation"
	KindReview         Kind = "human_review"
	KindAlert          Kind = "alert"
)

// Event is one hash-chained entry. Sequence is strictly monotonic and
// Digest = SHA-256(PriorDigest ‖ canonical payload ‖ timestamp).
type Event struct {
	Sequence    uint64                 `json:"sequence"`
	Timestamp   time.Time              `json:"timestamp"`
	Actor       string                 `json:"actor"`
	Kind        Kind                   `json:"kind"`
	PriorDigest string                 `json:"prior_digest"`
	Payload     map[string]interface{} `json:"payload"`
	Digest      string                 `json:"digest"`
	Identifier  string                 `json:"constitutional_identifier"`
}

// GenesisDigest anchors the chain before the first event.
const GenesisDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeDigest derives the chain digest for an event given its prior link.
// The payload is marshalled with encoding/json, which sorts map keys, so the
// representation is canonical for the payload shapes we write.
func ComputeDigest(priorDigest string, payload map[string]interface{}, ts time.Time) string {
	body, _ := json.Marshal(payload)
	h := sha256.New()
	h.Write([]byte(priorDigest))
	h.Write(body)
	h.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the event digest against the given prior link.
func (e *Event) Verify(priorDigest string) bool {
	return e.PriorDigest == priorDigest &&
		e.Digest == ComputeDigest(priorDigest, e.Payload, e.Timestamp)
}
