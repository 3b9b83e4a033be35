package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Backend abstracts the container runtime behind the warm pool so remote
// daemons can be swapped in.
type Backend interface {
	CreateContainer(ctx context.Context, image string, limits Limits) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	ExecInContainer(ctx context.Context, containerID string, cmd []string) ([]byte, error)
	Name() string
}

// ============================================================================
// DOCKER BACKEND
// ============================================================================

// DockerBackend drives the local Docker daemon. runtime names the OCI
// runtime, "runsc" to pair the pool with kernel isolation.
type DockerBackend struct {
	runtime string
}

func NewDockerBackend(runtime string) *DockerBackend {
	return &DockerBackend{runtime: runtime}
}

func (d *DockerBackend) Name() string {
	if d.runtime != "" {
		return fmt.Sprintf("docker-local/%s", d.runtime)
	}
	return "docker-local"
}

func (d *DockerBackend) CreateContainer(ctx context.Context, image string, limits Limits) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	limits = limits.withDefaults()
	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: int64(limits.CPUQuota * 1_000_000_000),
			Memory:   limits.MemoryBytes,
		},
		Tmpfs: map[string]string{
			"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%dm", limits.DiskBytes/(1024*1024)),
		},
	}
	if d.runtime != "" {
		hostConfig.Runtime = d.runtime
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: image,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create warm container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerBackend) StartContainer(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{})
}

func (d *DockerBackend) RemoveContainer(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	return cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
}

func (d *DockerBackend) ExecInContainer(ctx context.Context, containerID string, cmd []string) ([]byte, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	execConfig := types.ExecConfig{
		User:         "sandbox",
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	}
	execID, err := cli.ContainerExecCreate(ctx, containerID, execConfig)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	output, _ := io.ReadAll(resp.Reader)
	return output, nil
}

// ============================================================================
// WARM POOL
// ============================================================================

// WarmContainer is one pre-provisioned sandbox container.
type WarmContainer struct {
	ID       string
	LastUsed time.Time
}

// WarmPool keeps containers pre-started to shave the cold-start cost off
// kernel-isolation executions: pre-warm, acquire, scrub, release.
type WarmPool struct {
	backend Backend
	limits  Limits
	image   string
	minIdle int
	maxCap  int

	mu        sync.Mutex
	active    map[string]*WarmContainer
	available chan *WarmContainer
	stop      chan struct{}
}

// NewWarmPool starts the pool maintainer.
func NewWarmPool(backend Backend, image string, minIdle, maxCap int, limits Limits) *WarmPool {
	p := &WarmPool{
		backend:   backend,
		limits:    limits.withDefaults(),
		image:     image,
		minIdle:   minIdle,
		maxCap:    maxCap,
		active:    make(map[string]*WarmContainer),
		available: make(chan *WarmContainer, maxCap),
		stop:      make(chan struct{}),
	}
	go p.maintain()
	return p
}

// Acquire hands out a warm container, blocking until one is ready or the
// context expires.
func (p *WarmPool) Acquire(ctx context.Context) (*WarmContainer, error) {
	select {
	case c := <-p.available:
		c.LastUsed = time.Now()
		p.mu.Lock()
		p.active[c.ID] = c
		p.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire hands out a warm container if one is idle, without blocking.
// The controller falls back to a cold runtime start on false.
func (p *WarmPool) TryAcquire() (*WarmContainer, bool) {
	select {
	case c := <-p.available:
		c.LastUsed = time.Now()
		p.mu.Lock()
		p.active[c.ID] = c
		p.mu.Unlock()
		return c, true
	default:
		return nil, false
	}
}

// Exec runs the spec's command inside a warm container and parses its
// stdout the same way a cold runtime would.
func (p *WarmPool) Exec(ctx context.Context, c *WarmContainer, spec ExecutionSpec) (map[string]interface{}, error) {
	stdout, err := p.backend.ExecInContainer(ctx, c.ID, spec.Command)
	if err != nil {
		return nil, fmt.Errorf("warm exec %s in %s: %w", spec.ID, c.ID, err)
	}
	return parseOutput(stdout), nil
}

// Release scrubs the container and returns it to the pool; a failed scrub
// destroys it instead.
func (p *WarmPool) Release(c *WarmContainer) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := p.scrub(ctx, c); err != nil {
			slog.Warn("scrub failed, destroying container", "id", c.ID, "error", err)
			p.backend.RemoveContainer(ctx, c.ID)
			p.mu.Lock()
			delete(p.active, c.ID)
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		delete(p.active, c.ID)
		p.mu.Unlock()
		p.available <- c
	}()
}

func (p *WarmPool) scrub(ctx context.Context, c *WarmContainer) error {
	_, err := p.backend.ExecInContainer(ctx, c.ID,
		[]string{"/bin/sh", "-c", "rm -rf /tmp/* && pkill -u sandbox || true"})
	return err
}

func (p *WarmPool) maintain() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		activeCount := len(p.active)
		p.mu.Unlock()
		availableCount := len(p.available)

		if availableCount < p.minIdle && activeCount+availableCount < p.maxCap {
			deficit := p.minIdle - availableCount
			for i := 0; i < deficit && activeCount+availableCount+i < p.maxCap; i++ {
				go p.provision()
			}
		}
	}
}

func (p *WarmPool) provision() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := p.backend.CreateContainer(ctx, p.image, p.limits)
	if err != nil {
		slog.Warn("provision warm container", "backend", p.backend.Name(), "error", err)
		return
	}
	if err := p.backend.StartContainer(ctx, id); err != nil {
		slog.Warn("start warm container", "id", id, "error", err)
		p.backend.RemoveContainer(ctx, id)
		return
	}

	select {
	case p.available <- &WarmContainer{ID: id, LastUsed: time.Now()}:
	default:
		// Pool filled while provisioning.
		p.backend.RemoveContainer(ctx, id)
	}
}

// Stats snapshots pool occupancy.
func (p *WarmPool) Stats() map[string]int {
	p.mu.Lock()
	activeCount := len(p.active)
	p.mu.Unlock()

	return map[string]int{
		"active":   activeCount,
		"idle":     len(p.available),
		"capacity": p.maxCap,
		"min_idle": p.minIdle,
	}
}

// Close stops the maintainer and removes idle containers.
func (p *WarmPool) Close() {
	close(p.stop)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for {
		select {
		case c := <-p.available:
			p.backend.RemoveContainer(ctx, c.ID)
		default:
			return
		}
	}
}
