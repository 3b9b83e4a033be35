package audit

import (
	"sync"
	"time"
)

// RetentionPolicy gives the minimum retention window per event kind.
// Security events ≥ 90 days, constitutional events ≥ 365 days; everything
// else keeps DefaultDays, falling back to the security window when unset.
// The hash-chained primary store is never pruned; retention governs the
// long-term mirror.
type RetentionPolicy struct {
	SecurityDays       int
	ConstitutionalDays int
	DefaultDays        int
}

// Window returns the retention window for a kind.
func (p RetentionPolicy) Window(kind Kind) time.Duration {
	var days int
	switch {
	case kind == KindConstitutional:
		days = p.ConstitutionalDays
	case kind == KindSecurity:
		days = p.SecurityDays
	case p.DefaultDays > 0:
		days = p.DefaultDays
	default:
		days = p.SecurityDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Purgeable reports whether an event of the given kind and age may be
// dropped from a mirror store.
func (p RetentionPolicy) Purgeable(kind Kind, ts time.Time, now time.Time) bool {
	return now.Sub(ts) > p.Window(kind)
}

// AlertThreshold caps events of one kind inside a sliding window.
type AlertThreshold struct {
	Kind   Kind
	Max    int
	Window time.Duration
}

// RateAlerter raises an audit event of kind `alert` when a threshold is
// breached. Alert emission is itself rate-limited per kind so a breach storm
// cannot recurse through the log.
type RateAlerter struct {
	mu         sync.Mutex
	thresholds map[Kind]AlertThreshold
	seen       map[Kind][]time.Time
	lastAlert  map[Kind]time.Time
	cooldown   time.Duration
}

// NewRateAlerter builds an alerter with the given thresholds.
func NewRateAlerter(thresholds []AlertThreshold) *RateAlerter {
	m := make(map[Kind]AlertThreshold, len(thresholds))
	for _, t := range thresholds {
		m[t.Kind] = t
	}
	return &RateAlerter{
		thresholds: m,
		seen:       make(map[Kind][]time.Time),
		lastAlert:  make(map[Kind]time.Time),
		cooldown:   time.Minute,
	}
}

// Observe records an appended event and, on threshold breach, invokes emit
// with the alert payload. Alert events themselves are never counted.
func (ra *RateAlerter) Observe(e Event, emit func(payload map[string]interface{})) {
	if e.Kind == KindAlert {
		return
	}
	th, ok := ra.thresholds[e.Kind]
	if !ok {
		return
	}

	ra.mu.Lock()
	now := e.Timestamp
	window := append(ra.seen[e.Kind], now)
	cutoff := now.Add(-th.Window)
	trimmed := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	ra.seen[e.Kind] = trimmed

	breach := len(trimmed) > th.Max
	cooled := now.Sub(ra.lastAlert[e.Kind]) >= ra.cooldown
	if breach && cooled {
		ra.lastAlert[e.Kind] = now
	}
	ra.mu.Unlock()

	if breach && cooled {
		emit(map[string]interface{}{
			"alert_kind":  string(e.Kind),
			"count":       len(trimmed),
			"max":         th.Max,
			"window_secs": th.Window.Seconds(),
		})
	}
}
