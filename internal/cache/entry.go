// Package cache implements the tiered decision cache: an in-process sharded
// LRU (L1) over an optional shared Redis tier (L2). The cache is never
// authoritative — every entry carries an integrity digest and the
// constitutional identifier, and a digest mismatch is a miss, never a stale
// hit.
package cache

import (
	"time"

	"github.com/covenant/governor/internal/identity"
)

// CacheKind selects the write strategy for a class of entries.
type CacheKind string

const (
	KindDecision     CacheKind = "decision"     // write-through
	KindVerification CacheKind = "verification" // write-through
	KindMetrics      CacheKind = "metrics"      // write-back
	KindBanditState  CacheKind = "bandit"       // L1-only, ephemeral
)

// WritePolicy is how a set propagates to L2.
type WritePolicy int

const (
	WriteThrough WritePolicy = iota
	WriteBack
	L1Only
)

// PolicyFor maps a cache kind to its write strategy. High-read/low-write
// kinds are write-through; ephemeral bandit state never leaves the process.
func PolicyFor(kind CacheKind) WritePolicy {
	switch kind {
	case KindMetrics:
		return WriteBack
	case KindBanditState:
		return L1Only
	default:
		return WriteThrough
	}
}

// Entry is the stored value format shared by both tiers.
type Entry struct {
	Key        string        `json:"key"`
	Value      []byte        `json:"value"`
	Kind       CacheKind     `json:"kind"`
	Digest     string        `json:"digest"`
	Identifier string        `json:"constitutional_identifier"`
	StoredAt   time.Time     `json:"stored_at"`
	TTL        time.Duration `json:"ttl"`
}

// Expired reports whether the entry's TTL has lapsed.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// Intact verifies the integrity digest over identifier ‖ value.
func (e *Entry) Intact() bool {
	return e.Digest == identity.DigestPayload(e.Identifier, e.Value)
}
