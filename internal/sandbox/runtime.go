package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Runtime is one isolation technology.
type Runtime interface {
	Kind() RuntimeKind
	// Run executes the spec and returns its parsed output. Implementations
	// honour ctx cancellation by killing the guest.
	Run(ctx context.Context, spec ExecutionSpec) (output map[string]interface{}, coldStart time.Duration, simulated bool, err error)
}

const workRoot = "/tmp/governor-sandboxes"

// writeBundle materialises the execution bundle directory with the payload
// as input.json.
func writeBundle(spec ExecutionSpec) (string, error) {
	dir := filepath.Join(workRoot, spec.ID+"-"+uuid.New().String()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bundle dir: %w", err)
	}
	raw, err := json.Marshal(spec.Payload)
	if err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("encode payload: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input.json"), raw, 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("write payload: %w", err)
	}
	return dir, nil
}

func parseOutput(stdout []byte) map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(stdout, &out); err != nil {
		out = map[string]interface{}{"raw_output": string(stdout)}
	}
	return out
}

// simulatedOutput stands in when the runtime binary is absent on the host,
// so the rest of the platform still exercises the full execution path.
func simulatedOutput(spec ExecutionSpec, kind RuntimeKind) map[string]interface{} {
	return map[string]interface{}{
		"mode":    "simulated",
		"runtime": string(kind),
		"message": "isolation runtime unavailable, execution simulated",
		"command": spec.Command,
	}
}

// ============================================================================
// KERNEL ISOLATION (runsc-style)
// ============================================================================

// KernelRuntime runs the guest under a user-space kernel with syscall
// filtering on the ptrace platform. Network stays off and the rootfs
// read-only.
type KernelRuntime struct {
	binPath    string
	rootfsPath string
	available  bool
}

// NewKernelRuntime probes for the runtime binary; absence flips the runtime
// into simulated mode instead of failing execution.
func NewKernelRuntime(binPath, rootfsPath string) *KernelRuntime {
	if binPath == "" {
		binPath = "/usr/local/bin/runsc"
	}
	available := true
	if _, err := exec.LookPath(binPath); err != nil {
		available = false
	}
	return &KernelRuntime{binPath: binPath, rootfsPath: rootfsPath, available: available}
}

func (r *KernelRuntime) Kind() RuntimeKind { return RuntimeKernelIsolation }

func (r *KernelRuntime) Run(ctx context.Context, spec ExecutionSpec) (map[string]interface{}, time.Duration, bool, error) {
	start := time.Now()
	if !r.available {
		return simulatedOutput(spec, r.Kind()), time.Since(start), true, nil
	}

	dir, err := writeBundle(spec)
	if err != nil {
		return nil, 0, false, err
	}
	guestID := filepath.Base(dir)
	defer r.cleanup(guestID, dir)

	coldStart := time.Since(start)

	args := []string{
		"run",
		"--network=none",
		"--platform=ptrace",
		fmt.Sprintf("--rootfs=%s", r.rootfsPath),
		fmt.Sprintf("--bundle=%s", dir),
		guestID,
	}
	cmd := exec.CommandContext(ctx, r.binPath, args...)
	stdout, err := cmd.Output()
	if err != nil {
		var stderr []byte
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = exitErr.Stderr
		}
		return nil, coldStart, false, fmt.Errorf("kernel-isolation run: %w (stderr: %s)", err, stderr)
	}
	return parseOutput(stdout), coldStart, false, nil
}

func (r *KernelRuntime) cleanup(guestID, dir string) {
	exec.Command(r.binPath, "kill", guestID).Run()
	exec.Command(r.binPath, "delete", guestID).Run()
	os.RemoveAll(dir)
}

// ============================================================================
// MICRO VM
// ============================================================================

// MicroVMRuntime boots a dedicated lightweight VM per execution. Stronger
// isolation than the user-space kernel, paid for in cold-start latency.
type MicroVMRuntime struct {
	binPath    string
	kernelPath string
	rootfsPath string
	available  bool
}

func NewMicroVMRuntime(binPath, kernelPath, rootfsPath string) *MicroVMRuntime {
	if binPath == "" {
		binPath = "/usr/local/bin/firecracker"
	}
	available := true
	if _, err := exec.LookPath(binPath); err != nil {
		available = false
	}
	return &MicroVMRuntime{binPath: binPath, kernelPath: kernelPath, rootfsPath: rootfsPath, available: available}
}

func (r *MicroVMRuntime) Kind() RuntimeKind { return RuntimeMicroVM }

func (r *MicroVMRuntime) Run(ctx context.Context, spec ExecutionSpec) (map[string]interface{}, time.Duration, bool, error) {
	start := time.Now()
	if !r.available {
		return simulatedOutput(spec, r.Kind()), time.Since(start), true, nil
	}

	dir, err := writeBundle(spec)
	if err != nil {
		return nil, 0, false, err
	}
	defer os.RemoveAll(dir)

	vmConfig := map[string]interface{}{
		"boot-source": map[string]interface{}{
			"kernel_image_path": r.kernelPath,
		},
		"drives": []map[string]interface{}{{
			"drive_id":       "rootfs",
			"path_on_host":   r.rootfsPath,
			"is_read_only":   true,
			"is_root_device": true,
		}},
		"machine-config": map[string]interface{}{
			"vcpu_count":   1,
			"mem_size_mib": spec.Limits.MemoryBytes / (1024 * 1024),
		},
	}
	configPath := filepath.Join(dir, "vm.json")
	raw, _ := json.Marshal(vmConfig)
	if err := os.WriteFile(configPath, raw, 0o644); err != nil {
		return nil, 0, false, fmt.Errorf("write vm config: %w", err)
	}

	coldStart := time.Since(start)

	cmd := exec.CommandContext(ctx, r.binPath,
		"--no-api",
		"--config-file", configPath,
	)
	stdout, err := cmd.Output()
	if err != nil {
		var stderr []byte
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = exitErr.Stderr
		}
		return nil, coldStart, false, fmt.Errorf("microvm run: %w (stderr: %s)", err, stderr)
	}
	return parseOutput(stdout), coldStart, false, nil
}
