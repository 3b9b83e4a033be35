package sandbox

import (
	"strings"
	"time"
)

// Category classifies a containment violation.
type Category string

const (
	CategoryBreakout          Category = "container_breakout"
	CategoryPrivilegedFile    Category = "privileged_file_access"
	CategoryDangerousSyscall  Category = "dangerous_syscall"
	CategoryNetworkEscape     Category = "network_escape"
	CategoryProcessVisibility Category = "process_visibility_escape"
)

// Severity orders violations; Critical kills the execution.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Violation is one observed containment breach.
type Violation struct {
	ExecutionID string    `json:"execution_id"`
	Category    Category  `json:"category"`
	Severity    Severity  `json:"severity"`
	Syscall     uint32    `json:"syscall,omitempty"`
	Detail      string    `json:"detail"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Syscall numbers the monitor treats as hostile (x86-64 ABI).
const (
	sysPtrace      = 101
	sysMount       = 165
	sysSetns       = 308
	sysUnshare     = 272
	sysSocket      = 41
	sysConnect     = 42
	sysKexecLoad   = 246
	sysInitModule  = 175
	sysProcessVMRd = 310
)

// privilegedPaths that an execution must never touch.
var privilegedPaths = []string{
	"/etc/shadow",
	"/etc/sudoers",
	"/proc/sys/",
	"/sys/kernel/",
	"/root/",
}

// classify maps one monitored syscall event to a violation, or nil when the
// event is benign.
func classify(execID string, syscall uint32, detail string) *Violation {
	v := &Violation{
		ExecutionID: execID,
		Syscall:     syscall,
		Detail:      detail,
		ObservedAt:  time.Now().UTC(),
	}

	switch syscall {
	case sysMount, sysSetns, sysUnshare:
		v.Category = CategoryBreakout
		v.Severity = SeverityCritical
	case sysKexecLoad, sysInitModule:
		v.Category = CategoryBreakout
		v.Severity = SeverityCritical
	case sysPtrace, sysProcessVMRd:
		v.Category = CategoryProcessVisibility
		v.Severity = SeverityHigh
	case sysSocket:
		v.Category = CategoryNetworkEscape
		v.Severity = SeverityMedium
	case sysConnect:
		v.Category = CategoryNetworkEscape
		v.Severity = SeverityCritical
	default:
		for _, p := range privilegedPaths {
			if strings.HasPrefix(detail, p) {
				v.Category = CategoryPrivilegedFile
				v.Severity = SeverityHigh
				return v
			}
		}
		if detail == "" {
			return nil
		}
		v.Category = CategoryDangerousSyscall
		v.Severity = SeverityLow
	}
	return v
}
