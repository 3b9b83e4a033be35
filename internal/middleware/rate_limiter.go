// Package middleware carries the HTTP cross-cutting concerns: identity
// enforcement on every request and per-submitter rate limiting on the
// evaluation surface.
package middleware

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiter enforces per-submitter rate limits on candidate submissions
// and decision lookups.
//
// Uses a sliding window: each window tracks request counts per key, and
// expired windows are garbage-collected periodically.
type RateLimiter struct {
	mu       sync.RWMutex
	windows  map[string]*rateLimitWindow
	defaults RateLimitConfig
	logger   *log.Logger
}

// RateLimitConfig defines the rate limiting thresholds.
type RateLimitConfig struct {
	MaxCallsPerMinute int // max calls per minute per submitter
	BurstSize         int // allow temporary bursts above the limit
}

// rateLimitWindow counts atomically so concurrent checks only need the
// read lock on the window map. windowStart is immutable after creation.
type rateLimitWindow struct {
	count       atomic.Int64
	windowStart time.Time
}

// NewRateLimiter creates a rate limiter with the given defaults.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute == 0 {
		cfg.MaxCallsPerMinute = 120
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		windows:  make(map[string]*rateLimitWindow),
		defaults: cfg,
		logger:   log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}

	go rl.cleanup()

	return rl
}

// Allow checks if a request from the given submitter key should be
// allowed.
//
// Read-first pattern: only acquires the write lock when a new window must
// be created or the window has expired. Existing-window checks use RLock
// to reduce contention; the counter itself is atomic.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.RLock()
	window, exists := rl.windows[key]
	rl.mu.RUnlock()
	if exists && now.Sub(window.windowStart) <= time.Minute {
		count := int(window.count.Add(1))

		if count > rl.defaults.BurstSize {
			rl.logger.Printf("rate limit exceeded (burst): key=%s count=%d limit=%d",
				key, count, rl.defaults.BurstSize)
			return false
		}
		if count > rl.defaults.MaxCallsPerMinute {
			rl.logger.Printf("rate limit exceeded: key=%s count=%d limit=%d",
				key, count, rl.defaults.MaxCallsPerMinute)
			return false
		}
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring the write lock.
	window, exists = rl.windows[key]
	if exists && now.Sub(window.windowStart) <= time.Minute {
		return int(window.count.Add(1)) <= rl.defaults.BurstSize
	}

	window = &rateLimitWindow{windowStart: now}
	window.count.Store(1)
	rl.windows[key] = window
	return true
}

// Middleware enforces the limit per submitter; anonymous requests share
// one bucket.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		submitter := r.Header.Get("X-Submitter")
		if submitter == "" {
			submitter = "anonymous"
		}

		if !rl.Allow(submitter) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// cleanup periodically removes expired windows to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for key, window := range rl.windows {
			if now.Sub(window.windowStart) > 2*time.Minute {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.defaults.MaxCallsPerMinute,
		"burst_size":        rl.defaults.BurstSize,
	}
}
