package audit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/covenant/governor/internal/core"
)

// ErrLogBroken is returned when the persisted tail diverges from the
// recomputed chain on startup reconciliation.
var ErrLogBroken = fmt.Errorf("audit log chain broken")

const appendQueueSize = 512

type appendRequest struct {
	actor   string
	kind    Kind
	payload map[string]interface{}
	reply   chan appendResult
}

type appendResult struct {
	digest string
	err    error
}

// Log is the append-only, hash-chained audit log. All appends funnel through
// a single writer goroutine fed by a bounded channel, so sequence assignment
// and chain linking are totally ordered.
type Log struct {
	store      Store
	identifier string
	logger     *log.Logger

	queue chan appendRequest
	done  chan struct{}

	mu     sync.RWMutex
	events []Event // in-memory tail mirror for Tail/Range/alerting
	seq    uint64
	tip    string

	alerter *RateAlerter
}

// Open loads the persisted chain, verifies it from genesis, and starts the
// writer. Fails with ErrLogBroken if the persisted tail does not verify.
func Open(store Store, identifier string) (*Log, error) {
	persisted, err := store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read audit store: %w", err)
	}

	l := &Log{
		store:      store,
		identifier: identifier,
		logger:     log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
		queue:      make(chan appendRequest, appendQueueSize),
		done:       make(chan struct{}),
		tip:        GenesisDigest,
	}

	// Startup reconciliation: recompute the chain from genesis.
	prior := GenesisDigest
	for i, e := range persisted {
		if e.Sequence != uint64(i+1) || !e.Verify(prior) {
			return nil, fmt.Errorf("%w: divergence at sequence %d", ErrLogBroken, i+1)
		}
		prior = e.Digest
	}
	l.events = persisted
	l.seq = uint64(len(persisted))
	l.tip = prior

	go l.writer()
	return l, nil
}

// SetAlerter attaches rate alerting. Must be called before concurrent use.
func (l *Log) SetAlerter(a *RateAlerter) { l.alerter = a }

// Append writes an event and returns its digest once durable. A failed
// append must fail the originating operation: there is no partial write
// because this is the commit point.
func (l *Log) Append(ctx context.Context, actor string, kind Kind, payload map[string]interface{}) (string, error) {
	req := appendRequest{actor: actor, kind: kind, payload: payload, reply: make(chan appendResult, 1)}

	select {
	case l.queue <- req:
	default:
		return "", core.NewError(core.ErrResourceExhausted, "audit append queue full")
	}

	select {
	case res := <-req.reply:
		if res.err != nil {
			return "", core.WrapError(core.ErrAuditAppendFailure, res.err, "append %s event", kind)
		}
		return res.digest, nil
	case <-ctx.Done():
		return "", core.WrapError(core.ErrAuditAppendFailure, ctx.Err(), "append %s event", kind)
	}
}

func (l *Log) writer() {
	for {
		select {
		case req := <-l.queue:
			req.reply <- l.commit(req)
		case <-l.done:
			// Drain whatever is queued so callers are not left hanging.
			for {
				select {
				case req := <-l.queue:
					req.reply <- appendResult{err: fmt.Errorf("audit log closed")}
				default:
					return
				}
			}
		}
	}
}

func (l *Log) commit(req appendRequest) appendResult {
	now := time.Now().UTC()

	l.mu.Lock()
	e := Event{
		Sequence:    l.seq + 1,
		Timestamp:   now,
		Actor:       req.actor,
		Kind:        req.kind,
		PriorDigest: l.tip,
		Payload:     req.payload,
		Identifier:  l.identifier,
	}
	e.Digest = ComputeDigest(l.tip, req.payload, now)
	l.mu.Unlock()

	if err := l.store.Append(e); err != nil {
		return appendResult{err: err}
	}

	l.mu.Lock()
	l.seq = e.Sequence
	l.tip = e.Digest
	l.events = append(l.events, e)
	l.mu.Unlock()

	if l.alerter != nil {
		l.alerter.Observe(e, l.enqueueAlert)
	}
	return appendResult{digest: e.Digest}
}

// enqueueAlert feeds alert events back through the normal queue. The alerter
// rate-limits itself, so this cannot recurse unboundedly.
func (l *Log) enqueueAlert(payload map[string]interface{}) {
	req := appendRequest{actor: "audit.alerter", kind: KindAlert, payload: payload, reply: make(chan appendResult, 1)}
	select {
	case l.queue <- req:
		go func() { <-req.reply }()
	default:
		l.logger.Printf("alert dropped: append queue full")
	}
}

// Tail returns the most recent n events.
func (l *Log) Tail(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	copy(out, l.events[len(l.events)-n:])
	return out
}

// Range returns events with lo <= sequence <= hi.
func (l *Log) Range(lo, hi uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, e := range l.events {
		if e.Sequence >= lo && e.Sequence <= hi {
			out = append(out, e)
		}
	}
	return out
}

// Sequence returns the last assigned sequence number.
func (l *Log) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// VerifyChain recomputes every digest from genesis.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prior := GenesisDigest
	for _, e := range l.events {
		if !e.Verify(prior) {
			return fmt.Errorf("%w: divergence at sequence %d", ErrLogBroken, e.Sequence)
		}
		prior = e.Digest
	}
	return nil
}

// Close stops the writer and releases the store.
func (l *Log) Close() error {
	close(l.done)
	return l.store.Close()
}
