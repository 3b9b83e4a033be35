package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/circuitbreaker"
)

const testIdentifier = "a1b2c3d4e5f60718"

type recordingAuditor struct {
	events []audit.Kind
}

func (r *recordingAuditor) Append(_ context.Context, _ string, kind audit.Kind, _ map[string]interface{}) (string, error) {
	r.events = append(r.events, kind)
	return "digest", nil
}

// fakeRemote is an in-memory RemoteStore for L2 tests.
type fakeRemote struct {
	entries map[string]Entry
	sets    int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{entries: make(map[string]Entry)} }

func (f *fakeRemote) Get(_ context.Context, key string) (Entry, bool, error) {
	e, ok := f.entries[key]
	return e, ok, nil
}
func (f *fakeRemote) Set(_ context.Context, e Entry) error {
	f.entries[e.Key] = e
	f.sets++
	return nil
}
func (f *fakeRemote) Delete(_ context.Context, key string) error {
	delete(f.entries, key)
	return nil
}
func (f *fakeRemote) Close() error { return nil }

// ============================================================================
// L1 LRU
// ============================================================================

func TestL1_SetGetRoundTrip(t *testing.T) {
	c := NewL1Cache(64)
	c.Set(Entry{Key: "k", Value: []byte("v"), TTL: time.Minute, StoredAt: time.Now()})

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestL1_TTLExpiryOnAccess(t *testing.T) {
	c := NewL1Cache(64)
	c.Set(Entry{Key: "k", Value: []byte("v"), TTL: time.Millisecond, StoredAt: time.Now().Add(-time.Second)})

	_, ok := c.Get("k")
	assert.False(t, ok, "expired entry must miss")
	assert.Equal(t, 0, c.Len(), "expired entry must be dropped on access")
}

func TestL1_StrictLRUEviction(t *testing.T) {
	c := NewL1Cache(shardCount) // one slot per shard

	// Two keys landing in the same shard force an eviction of the older.
	var a, b string
	for i := 0; ; i++ {
		k := fmt.Sprintf("key-%d", i)
		if c.shard(k) == c.shard("key-0") && k != "key-0" {
			a, b = "key-0", k
			break
		}
	}

	c.Set(Entry{Key: a, Value: []byte("a"), TTL: time.Minute, StoredAt: time.Now()})
	c.Set(Entry{Key: b, Value: []byte("b"), TTL: time.Minute, StoredAt: time.Now()})

	_, okA := c.Get(a)
	_, okB := c.Get(b)
	assert.False(t, okA, "LRU victim must be gone")
	assert.True(t, okB)
}

// ============================================================================
// TIERED SEMANTICS
// ============================================================================

func TestTiered_SetGetUntilTTL(t *testing.T) {
	tc := NewTiered(64, nil, testIdentifier, time.Minute, nil, nil)
	defer tc.Close()
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "fp-1", []byte(`{"verdict":"allow"}`), 0, KindDecision))

	got, ok := tc.Get(ctx, "fp-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"verdict":"allow"}`, string(got))
}

func TestTiered_L2PromotionOnL1Miss(t *testing.T) {
	remote := newFakeRemote()
	tc := NewTiered(64, remote, testIdentifier, time.Minute, nil, nil)
	defer tc.Close()
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "fp-2", []byte("value"), time.Minute, KindVerification))
	assert.Equal(t, 1, remote.sets, "verification entries are write-through")

	// Drop L1 so the next get must come from L2.
	tc.l1.Delete("fp-2")

	got, ok := tc.Get(ctx, "fp-2")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	// Promoted: now resident in L1 again.
	_, ok = tc.l1.Get("fp-2")
	assert.True(t, ok)
}

func TestTiered_IntegrityMismatchIsMissNotStaleHit(t *testing.T) {
	auditor := &recordingAuditor{}
	remote := newFakeRemote()
	tc := NewTiered(64, remote, testIdentifier, time.Minute, auditor, nil)
	defer tc.Close()
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "fp-3", []byte("honest"), time.Minute, KindDecision))

	// Corrupt the L1 copy in place.
	entry, ok := tc.l1.Get("fp-3")
	require.True(t, ok)
	entry.Value = []byte("tampered")
	tc.l1.Set(entry)

	_, ok = tc.Get(ctx, "fp-3")
	assert.False(t, ok, "digest mismatch must be a miss")
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.KindCacheIntegrity, auditor.events[0])

	// Evicted, not returned stale.
	_, resident := tc.l1.Get("fp-3")
	assert.False(t, resident)
}

func TestTiered_ForeignIdentifierRejected(t *testing.T) {
	remote := newFakeRemote()
	tc := NewTiered(64, remote, testIdentifier, time.Minute, nil, nil)
	defer tc.Close()
	ctx := context.Background()

	// An entry stamped by another deployment lands in L2.
	remote.entries["fp-4"] = Entry{
		Key:        "fp-4",
		Value:      []byte("foreign"),
		Identifier: "ffffffffffffffff",
		Digest:     "not-checked-first",
		StoredAt:   time.Now(),
		TTL:        time.Minute,
	}

	_, ok := tc.Get(ctx, "fp-4")
	assert.False(t, ok)
}

func TestTiered_BanditStateStaysL1Only(t *testing.T) {
	remote := newFakeRemote()
	tc := NewTiered(64, remote, testIdentifier, time.Minute, nil, nil)
	defer tc.Close()

	require.NoError(t, tc.Set(context.Background(), "arm-1", []byte("state"), time.Minute, KindBanditState))
	assert.Equal(t, 0, remote.sets, "bandit state must never reach L2")
}

func TestTiered_DeleteRemovesBothTiers(t *testing.T) {
	remote := newFakeRemote()
	tc := NewTiered(64, remote, testIdentifier, time.Minute, nil, nil)
	defer tc.Close()
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "fp-5", []byte("v"), time.Minute, KindDecision))
	require.NoError(t, tc.Delete(ctx, "fp-5"))

	_, ok := tc.Get(ctx, "fp-5")
	assert.False(t, ok)
	_, inRemote := remote.entries["fp-5"]
	assert.False(t, inRemote)
}

// ============================================================================
// L2 CIRCUIT BREAKER
// ============================================================================

// failingRemote errors on every call until healed.
type failingRemote struct {
	fakeRemote
	failing bool
	gets    int
}

func (f *failingRemote) Get(ctx context.Context, key string) (Entry, bool, error) {
	f.gets++
	if f.failing {
		return Entry{}, false, fmt.Errorf("connection refused")
	}
	return f.fakeRemote.Get(ctx, key)
}

func (f *failingRemote) Set(ctx context.Context, e Entry) error {
	if f.failing {
		return fmt.Errorf("connection refused")
	}
	return f.fakeRemote.Set(ctx, e)
}

func trippyBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(&circuitbreaker.Config{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     time.Hour, // stays open for the whole test
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.TotalFailures >= 2 },
	})
}

func TestBreakerStore_OpenBreakerReadsAsMiss(t *testing.T) {
	remote := &failingRemote{fakeRemote: *newFakeRemote(), failing: true}
	store := NewBreakerStore(remote, trippyBreaker())
	ctx := context.Background()

	// Two failures trip the breaker; both surface their own error.
	for i := 0; i < 2; i++ {
		_, _, err := store.Get(ctx, "fp-1")
		assert.Error(t, err)
	}

	// Open breaker: a clean miss, and the backend is no longer dialled.
	before := remote.gets
	got, ok, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got.Value)
	assert.Equal(t, before, remote.gets, "open breaker must short-circuit the backend")
}

func TestBreakerStore_OpenBreakerDropsWrites(t *testing.T) {
	remote := &failingRemote{fakeRemote: *newFakeRemote(), failing: true}
	store := NewBreakerStore(remote, trippyBreaker())
	ctx := context.Background()

	entry := Entry{Key: "fp-2", Value: []byte("v"), TTL: time.Minute, StoredAt: time.Now()}
	assert.Error(t, store.Set(ctx, entry))
	assert.Error(t, store.Set(ctx, entry))

	// Open breaker: writes are dropped without an error so write-through
	// callers keep their L1 hit.
	require.NoError(t, store.Set(ctx, entry))
	assert.Equal(t, 0, remote.sets)
}

func TestBreakerStore_TieredFallsBackToL1WhileOpen(t *testing.T) {
	remote := &failingRemote{fakeRemote: *newFakeRemote(), failing: true}
	tc := NewTiered(64, NewBreakerStore(remote, trippyBreaker()), testIdentifier, time.Minute, nil, nil)
	defer tc.Close()
	ctx := context.Background()

	// Writes fail L2 twice (tripping the breaker) but always land in L1.
	tc.Set(ctx, "fp-3", []byte("v"), time.Minute, KindDecision)
	tc.Set(ctx, "fp-3", []byte("v"), time.Minute, KindDecision)
	require.NoError(t, tc.Set(ctx, "fp-3", []byte("v"), time.Minute, KindDecision))

	got, ok := tc.Get(ctx, "fp-3")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

// ============================================================================
// COMPRESSION
// ============================================================================

func TestCompressRoundTrip(t *testing.T) {
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	out := compress(payload)
	back, err := maybeDecompress(out)
	require.NoError(t, err)
	assert.Equal(t, payload, back)

	// Uncompressed data passes through untouched.
	plain, err := maybeDecompress([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), plain)
}
