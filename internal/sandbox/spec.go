// Package sandbox executes untrusted policy-referenced code under resource
// caps and kernel-level isolation, watching for containment violations.
package sandbox

import "time"

// RuntimeKind selects the isolation technology for one execution.
type RuntimeKind string

const (
	// RuntimeKernelIsolation is the runsc-style user-space kernel with
	// syscall filtering on a ptrace platform. Fast cold start.
	RuntimeKernelIsolation RuntimeKind = "kernel-isolation"
	// RuntimeMicroVM boots a dedicated lightweight VM. Stronger isolation,
	// higher cold-start cost.
	RuntimeMicroVM RuntimeKind = "microvm"
)

// Limits caps one execution. Network stays disabled and the rootfs
// read-only regardless of these values.
type Limits struct {
	MemoryBytes int64         `json:"memory_bytes"`
	CPUQuota    float64       `json:"cpu_quota"` // fraction of one core
	WallClock   time.Duration `json:"wall_clock"`
	DiskBytes   int64         `json:"disk_bytes"`
}

// DefaultLimits are applied to any unset cap.
var DefaultLimits = Limits{
	MemoryBytes: 256 * 1024 * 1024,
	CPUQuota:    1.0,
	WallClock:   30 * time.Second,
	DiskBytes:   64 * 1024 * 1024,
}

func (l Limits) withDefaults() Limits {
	if l.MemoryBytes <= 0 {
		l.MemoryBytes = DefaultLimits.MemoryBytes
	}
	if l.CPUQuota <= 0 {
		l.CPUQuota = DefaultLimits.CPUQuota
	}
	if l.WallClock <= 0 {
		l.WallClock = DefaultLimits.WallClock
	}
	if l.DiskBytes <= 0 {
		l.DiskBytes = DefaultLimits.DiskBytes
	}
	return l
}

// ExecutionSpec describes one sandboxed run.
type ExecutionSpec struct {
	ID          string                 `json:"id"`
	CandidateID string                 `json:"candidate_id"`
	Runtime     RuntimeKind            `json:"runtime"`
	Command     []string               `json:"command"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Limits      Limits                 `json:"limits"`
	Identifier  string                 `json:"constitutional_identifier"`
}

// ResourceUsage is a point-in-time sample of one execution.
type ResourceUsage struct {
	MemoryBytes int64         `json:"memory_bytes"`
	CPUSeconds  float64       `json:"cpu_seconds"`
	DiskBytes   int64         `json:"disk_bytes"`
	WallClock   time.Duration `json:"wall_clock"`
}

// ExecutionResult is the outcome of one sandboxed run.
type ExecutionResult struct {
	ID         string                 `json:"id"`
	Runtime    RuntimeKind            `json:"runtime"`
	Success    bool                   `json:"success"`
	Blocked    bool                   `json:"blocked"` // killed on a critical violation
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Violations []Violation            `json:"violations,omitempty"`
	Usage      ResourceUsage          `json:"usage"`
	ColdStart  time.Duration          `json:"cold_start"`
	Elapsed    time.Duration          `json:"elapsed"`
	Simulated  bool                   `json:"simulated,omitempty"` // runtime binary absent
}
