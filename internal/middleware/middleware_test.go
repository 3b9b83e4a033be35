package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/identity"
)

const testIdentifier = "a1b2c3d4e5f60718"

type recordingAuditor struct {
	mu    sync.Mutex
	kinds []audit.Kind
}

func (r *recordingAuditor) Append(_ context.Context, _ string, kind audit.Kind, _ map[string]interface{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return "digest", nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityMiddleware_MatchPasses(t *testing.T) {
	stamper, err := identity.NewStamper(testIdentifier)
	require.NoError(t, err)
	h := IdentityMiddleware(stamper, nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/decisions/abc", nil)
	req.Header.Set(IdentifierHeader, testIdentifier)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIdentityMiddleware_MismatchConflictAndAudited(t *testing.T) {
	stamper, err := identity.NewStamper(testIdentifier)
	require.NoError(t, err)
	auditor := &recordingAuditor{}
	h := IdentityMiddleware(stamper, auditor, okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/candidates", nil)
	req.Header.Set(IdentifierHeader, "ffffffffffffffff")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	auditor.mu.Lock()
	require.Len(t, auditor.kinds, 1)
	assert.Equal(t, audit.KindConstitutional, auditor.kinds[0])
	auditor.mu.Unlock()
}

func TestIdentityMiddleware_MissingHeaderRejected(t *testing.T) {
	stamper, err := identity.NewStamper(testIdentifier)
	require.NoError(t, err)
	h := IdentityMiddleware(stamper, nil, okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/decisions/abc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5})
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("svc-a"))
	}
}

func TestRateLimiter_BurstThenHardStop(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 4})

	assert.True(t, rl.Allow("svc-a"))
	assert.True(t, rl.Allow("svc-a"))
	// Over the soft limit.
	assert.False(t, rl.Allow("svc-a"))
	assert.False(t, rl.Allow("svc-a"))
	// Over the burst ceiling too.
	assert.False(t, rl.Allow("svc-a"))

	// Other submitters are unaffected.
	assert.True(t, rl.Allow("svc-b"))
}

func TestRateLimiter_ConcurrentCallersShareOneCounter(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 10, BurstSize: 20})
	rl.Allow("svc-a") // materialise the window

	var wg sync.WaitGroup
	for i := 0; i < 49; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Allow("svc-a")
		}()
	}
	wg.Wait()

	// 50 calls landed; no increment may be lost between racing callers, so
	// the window sits far past the burst ceiling.
	assert.False(t, rl.Allow("svc-a"))
	rl.mu.RLock()
	count := rl.windows["svc-a"].count.Load()
	rl.mu.RUnlock()
	assert.Equal(t, int64(51), count)
}

func TestRateLimiter_MiddlewareReturns429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	h := rl.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/candidates", nil)
	req.Header.Set("X-Submitter", "svc-a")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimiter_Stats(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{})
	rl.Allow("svc-a")
	stats := rl.Stats()
	assert.Equal(t, 1, stats["active_windows"])
	assert.Equal(t, 120, stats["max_calls_per_min"])
}
