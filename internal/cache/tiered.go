package cache

import (
	"context"
	"log"
	"time"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/identity"
	"github.com/covenant/governor/internal/monitoring"
)

// Auditor is the slice of the audit log the cache needs for integrity
// events.
type Auditor interface {
	Append(ctx context.Context, actor string, kind audit.Kind, payload map[string]interface{}) (string, error)
}

const writeBackQueueSize = 256

// Tiered is the two-tier decision cache. L2 is optional; all operations are
// nil-safe without it. L2 consistency is eventual — readers tolerate stale
// reads and re-verify via the integrity digest.
type Tiered struct {
	l1         *L1Cache
	l2         RemoteStore
	identifier string
	defaultTTL time.Duration
	auditor    Auditor
	metrics    *monitoring.Metrics
	logger     *log.Logger

	writeBack chan Entry
	done      chan struct{}
}

// NewTiered builds the tiered cache. l2, auditor and metrics may be nil.
func NewTiered(l1Capacity int, l2 RemoteStore, identifier string, defaultTTL time.Duration, auditor Auditor, metrics *monitoring.Metrics) *Tiered {
	t := &Tiered{
		l1:         NewL1Cache(l1Capacity),
		l2:         l2,
		identifier: identifier,
		defaultTTL: defaultTTL,
		auditor:    auditor,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
		writeBack:  make(chan Entry, writeBackQueueSize),
		done:       make(chan struct{}),
	}
	if metrics != nil {
		t.l1.OnTTLEvict(func() { metrics.CacheCompactions.Inc() })
	}
	go t.flusher()
	return t
}

// Get checks L1, then L2 with promotion. A digest or identifier mismatch
// evicts silently, emits an audit event, and reports a miss.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if entry, ok := t.l1.Get(key); ok {
		if t.verify(ctx, "l1", entry) {
			t.count("l1", "hit")
			return entry.Value, true
		}
		t.l1.Delete(key)
		t.count("l1", "integrity_evict")
		return nil, false
	}
	t.count("l1", "miss")

	if t.l2 == nil {
		return nil, false
	}
	entry, ok, err := t.l2.Get(ctx, key)
	if err != nil {
		t.logger.Printf("l2 get %s: %v", key, err)
		return nil, false
	}
	if !ok {
		t.count("l2", "miss")
		return nil, false
	}
	if entry.Expired(time.Now()) {
		t.count("l2", "miss")
		return nil, false
	}
	if !t.verify(ctx, "l2", entry) {
		if err := t.l2.Delete(ctx, key); err != nil {
			t.logger.Printf("l2 evict %s: %v", key, err)
		}
		t.count("l2", "integrity_evict")
		return nil, false
	}

	t.count("l2", "hit")
	t.l1.Set(entry) // promote
	return entry.Value, true
}

// Set writes L1 and, per the kind's write policy, L2.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration, kind CacheKind) error {
	if ttl <= 0 {
		ttl = t.defaultTTL
	}
	entry := Entry{
		Key:        key,
		Value:      append([]byte(nil), value...),
		Kind:       kind,
		Digest:     identity.DigestPayload(t.identifier, value),
		Identifier: t.identifier,
		StoredAt:   time.Now(),
		TTL:        ttl,
	}

	t.l1.Set(entry)
	t.gaugeEntries()

	if t.l2 == nil {
		return nil
	}
	switch PolicyFor(kind) {
	case WriteThrough:
		return t.l2.Set(ctx, entry)
	case WriteBack:
		select {
		case t.writeBack <- entry:
			return nil
		default:
			return core.NewError(core.ErrResourceExhausted, "cache write-back queue full")
		}
	default: // L1Only
		return nil
	}
}

// Delete removes a key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	t.l1.Delete(key)
	t.gaugeEntries()
	if t.l2 == nil {
		return nil
	}
	return t.l2.Delete(ctx, key)
}

// Close stops the write-back flusher.
func (t *Tiered) Close() error {
	close(t.done)
	if t.l2 != nil {
		return t.l2.Close()
	}
	return nil
}

func (t *Tiered) flusher() {
	for {
		select {
		case entry := <-t.writeBack:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := t.l2.Set(ctx, entry); err != nil {
				t.logger.Printf("write-back %s: %v", entry.Key, err)
			}
			cancel()
		case <-t.done:
			return
		}
	}
}

func (t *Tiered) verify(ctx context.Context, tier string, entry Entry) bool {
	if entry.Identifier == t.identifier && entry.Intact() {
		return true
	}
	if t.auditor != nil {
		if _, err := t.auditor.Append(ctx, "cache."+tier, audit.KindCacheIntegrity, map[string]interface{}{
			"key":  entry.Key,
			"tier": tier,
			"kind": string(entry.Kind),
		}); err != nil {
			t.logger.Printf("integrity audit %s: %v", entry.Key, err)
		}
	}
	return false
}

func (t *Tiered) count(tier, result string) {
	if t.metrics != nil {
		t.metrics.CacheRequests.WithLabelValues(tier, result).Inc()
	}
}

func (t *Tiered) gaugeEntries() {
	if t.metrics != nil {
		t.metrics.CacheEntries.WithLabelValues("l1").Set(float64(t.l1.Len()))
	}
}
