package sandbox

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/circuitbreaker"
	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/events"
	"github.com/covenant/governor/internal/monitoring"
)

// Sampler measures an execution's resource consumption. The default derives
// a conservative estimate; production wires a cgroup reader.
type Sampler interface {
	Sample(execID string, limits Limits, elapsed time.Duration) ResourceUsage
}

type estimateSampler struct{}

func (estimateSampler) Sample(_ string, limits Limits, elapsed time.Duration) ResourceUsage {
	return ResourceUsage{
		MemoryBytes: limits.MemoryBytes / 4,
		CPUSeconds:  elapsed.Seconds() * limits.CPUQuota / 2,
		DiskBytes:   0,
		WallClock:   elapsed,
	}
}

// Controller admits executions into a bounded slot pool, dispatches them to
// the selected runtime and enforces the violation policy: a critical
// violation kills the guest, blocks the candidate and lands in the audit
// log as a security event.
type Controller struct {
	runtimes   map[RuntimeKind]Runtime
	monitor    *SyscallMonitor
	sampler    Sampler
	auditor    cache.Auditor
	emitter    events.Emitter
	metrics    *monitoring.Metrics
	pool       *WarmPool
	breaker    *circuitbreaker.CircuitBreaker
	identifier string
	grace      time.Duration
	logger     *log.Logger

	slots chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// ControllerOptions tunes the controller; zero values take defaults.
type ControllerOptions struct {
	MaxConcurrent int           // slot pool size, default 8
	CancelGrace   time.Duration // grace before hard kill, default 2s
	Sampler       Sampler
	WarmPool      *WarmPool                      // optional warm-start path for kernel isolation
	Breaker       *circuitbreaker.CircuitBreaker // optional backend breaker
}

// NewController wires the sandbox controller. auditor, emitter and metrics
// may be nil in tests.
func NewController(runtimes []Runtime, monitor *SyscallMonitor, auditor cache.Auditor, emitter events.Emitter, metrics *monitoring.Metrics, identifier string, opts ControllerOptions) *Controller {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 2 * time.Second
	}
	if opts.Sampler == nil {
		opts.Sampler = estimateSampler{}
	}

	byKind := make(map[RuntimeKind]Runtime, len(runtimes))
	for _, r := range runtimes {
		byKind[r.Kind()] = r
	}
	return &Controller{
		runtimes:   byKind,
		monitor:    monitor,
		sampler:    opts.Sampler,
		auditor:    auditor,
		emitter:    emitter,
		metrics:    metrics,
		pool:       opts.WarmPool,
		breaker:    opts.Breaker,
		identifier: identifier,
		grace:      opts.CancelGrace,
		logger:     log.New(log.Writer(), "[SANDBOX] ", log.LstdFlags),
		slots:      make(chan struct{}, opts.MaxConcurrent),
		active:     make(map[string]context.CancelFunc),
	}
}

// Execute runs one spec to completion. Admission blocks on a free slot
// until the caller's context expires; wall-clock and violation kills
// surface on the result, not as silent success.
func (c *Controller) Execute(ctx context.Context, spec ExecutionSpec) (*ExecutionResult, error) {
	if spec.Identifier != c.identifier {
		return nil, core.NewError(core.ErrConstitutionalMismatch,
			"execution spec carries identifier %q", spec.Identifier)
	}
	spec.Limits = spec.Limits.withDefaults()
	if spec.Runtime == "" {
		spec.Runtime = RuntimeKernelIsolation
	}
	runtime, ok := c.runtimes[spec.Runtime]
	if !ok {
		return nil, core.NewError(core.ErrSandboxViolation, "runtime %q not configured", spec.Runtime)
	}

	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return nil, core.WrapError(core.ErrResourceExhausted, ctx.Err(),
			"no sandbox slot within deadline")
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Limits.WallClock)
	defer cancel()

	c.mu.Lock()
	c.active[spec.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, spec.ID)
		c.mu.Unlock()
	}()

	// Collect violations for the whole run; a critical one cancels the
	// guest immediately.
	var (
		vmu        sync.Mutex
		violations []Violation
		killed     bool
	)
	stream := c.monitor.Watch(spec.ID)
	defer c.monitor.Unwatch(spec.ID)

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		for v := range stream {
			vmu.Lock()
			violations = append(violations, v)
			critical := v.Severity.AtLeast(SeverityCritical)
			if critical && !killed {
				killed = true
			}
			vmu.Unlock()

			if c.metrics != nil {
				c.metrics.SandboxViolations.WithLabelValues(string(v.Category), string(v.Severity)).Inc()
			}
			if critical {
				c.logger.Printf("execution %s: critical %s violation, killing guest", spec.ID, v.Category)
				cancel()
			}
		}
	}()

	start := time.Now()
	var (
		output    map[string]interface{}
		coldStart time.Duration
		simulated bool
		runErr    error
	)
	run := func(ctx context.Context) error {
		if wc, ok := c.tryWarmStart(spec); ok {
			defer c.pool.Release(wc)
			coldStart = time.Since(start)
			output, runErr = c.pool.Exec(ctx, wc, spec)
			if runErr == nil {
				c.logger.Printf("execution %s served from warm pool (container %s)", spec.ID, wc.ID)
				return nil
			}
			c.logger.Printf("execution %s warm start failed, going cold: %v", spec.ID, runErr)
		}
		output, coldStart, simulated, runErr = runtime.Run(ctx, spec)
		return runErr
	}
	if c.breaker != nil {
		_, berr := c.breaker.ExecuteContext(runCtx, func(ctx context.Context) (interface{}, error) {
			if err := run(ctx); err != nil && ctx.Err() == nil {
				// Only backend failures count against the breaker; a kill or
				// wall-clock cancellation is a guest outcome.
				return nil, err
			}
			return nil, nil
		})
		if errors.Is(berr, circuitbreaker.ErrCircuitOpen) || errors.Is(berr, circuitbreaker.ErrTooManyRequests) {
			return nil, core.WrapError(core.ErrResourceExhausted, berr,
				"sandbox backend rejected execution %s", spec.ID)
		}
	} else {
		run(runCtx)
	}
	elapsed := time.Since(start)

	c.monitor.Unwatch(spec.ID) // closes the stream, lets the watcher drain
	<-watchDone

	vmu.Lock()
	wasKilled := killed
	collected := append([]Violation{}, violations...)
	vmu.Unlock()

	result := &ExecutionResult{
		ID:         spec.ID,
		Runtime:    spec.Runtime,
		Success:    runErr == nil && !wasKilled,
		Blocked:    wasKilled,
		Output:     output,
		Violations: collected,
		Usage:      c.sampler.Sample(spec.ID, spec.Limits, elapsed),
		ColdStart:  coldStart,
		Elapsed:    elapsed,
		Simulated:  simulated,
	}

	state := "ok"
	switch {
	case wasKilled:
		state = "killed"
	case runCtx.Err() == context.DeadlineExceeded:
		state = "timeout"
		result.Success = false
		result.Error = "wall-clock limit exceeded"
	case runErr != nil:
		state = "error"
		result.Error = runErr.Error()
	}
	if c.metrics != nil {
		c.metrics.SandboxExecutions.WithLabelValues(string(spec.Runtime), state).Inc()
		c.metrics.SandboxColdStart.WithLabelValues(string(spec.Runtime)).Observe(coldStart.Seconds())
	}

	if wasKilled {
		c.recordSecurityViolation(spec, collected)
		return result, core.NewError(core.ErrSandboxViolation,
			"execution %s killed on critical violation", spec.ID)
	}
	if state == "timeout" {
		return result, core.NewError(core.ErrResourceExhausted,
			"execution %s exceeded wall-clock limit", spec.ID)
	}
	if runErr != nil {
		return result, core.WrapError(core.ErrSandboxViolation, runErr, "execution %s", spec.ID)
	}
	return result, nil
}

// tryWarmStart hands out an idle warm container when the spec can use one:
// kernel isolation with an explicit command. An empty pool is not an error,
// the caller goes cold.
func (c *Controller) tryWarmStart(spec ExecutionSpec) (*WarmContainer, bool) {
	if c.pool == nil || spec.Runtime != RuntimeKernelIsolation || len(spec.Command) == 0 {
		return nil, false
	}
	return c.pool.TryAcquire()
}

// Cancel stops a running execution: cancel the context, then rely on the
// runtime's CommandContext kill after the grace period. Unknown ids are a
// no-op.
func (c *Controller) Cancel(execID string) {
	c.mu.Lock()
	cancel, ok := c.active[execID]
	c.mu.Unlock()
	if !ok {
		return
	}

	c.logger.Printf("cancel requested for execution %s (grace %s)", execID, c.grace)
	time.AfterFunc(c.grace, cancel)
}

func (c *Controller) recordSecurityViolation(spec ExecutionSpec, violations []Violation) {
	payload := map[string]interface{}{
		"execution_id": spec.ID,
		"candidate_id": spec.CandidateID,
		"runtime":      string(spec.Runtime),
		"violations":   violations,
	}
	if c.auditor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.auditor.Append(ctx, "sandbox.controller", audit.KindSecurity, payload); err != nil {
			c.logger.Printf("audit security violation for %s: %v", spec.ID, err)
		}
	}
	if c.emitter != nil {
		c.emitter.Emit(events.TypeSecurityViolation, "sandbox.controller", spec.CandidateID, payload)
	}
}
