package cache

import (
	"context"
	"errors"

	"github.com/covenant/governor/internal/circuitbreaker"
)

// BreakerStore guards a RemoteStore behind a circuit breaker so a failing
// L2 cannot stall the hot path. While the breaker is open, reads report a
// miss and writes are dropped; the L1 tier absorbs the load until the
// half-open probe succeeds.
type BreakerStore struct {
	inner   RemoteStore
	breaker *circuitbreaker.CircuitBreaker
}

type breakerGetResult struct {
	entry Entry
	found bool
}

// NewBreakerStore wraps a remote store. The breaker must not be nil.
func NewBreakerStore(inner RemoteStore, breaker *circuitbreaker.CircuitBreaker) *BreakerStore {
	return &BreakerStore{inner: inner, breaker: breaker}
}

func breakerRejected(err error) bool {
	return errors.Is(err, circuitbreaker.ErrCircuitOpen) ||
		errors.Is(err, circuitbreaker.ErrTooManyRequests)
}

func (s *BreakerStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	res, err := s.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		entry, found, err := s.inner.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return breakerGetResult{entry: entry, found: found}, nil
	})
	if err != nil {
		if breakerRejected(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	r := res.(breakerGetResult)
	return r.entry, r.found, nil
}

func (s *BreakerStore) Set(ctx context.Context, entry Entry) error {
	_, err := s.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.Set(ctx, entry)
	})
	if breakerRejected(err) {
		// Dropped write: L2 is eventually consistent and readers re-verify
		// the integrity digest, so a gap is safe.
		return nil
	}
	return err
}

func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := s.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, s.inner.Delete(ctx, key)
	})
	return err
}

func (s *BreakerStore) Close() error { return s.inner.Close() }
