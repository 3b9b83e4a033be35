package sandbox

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// rawEvent matches the C struct the kernel probe emits:
// u32 pid, u32 uid, u32 syscall, u32 len, u8 payload[256].
const rawEventHeader = 16

// SyscallMonitor consumes the eBPF ring buffer of flagged syscalls and
// classifies them into violations per execution. When the kernel lacks BPF
// support (or the probe is not loaded) the monitor runs in mock mode:
// violations only arrive through Inject, which the tests and the simulated
// runtimes use.
type SyscallMonitor struct {
	ring   *ringbuf.Reader
	logger *log.Logger

	mu       sync.Mutex
	watchers map[string]chan Violation
	closed   bool
}

// NewSyscallMonitor attaches to the ring buffer map when available. A nil
// reader is mock mode, matching hosts without the kernel probe.
func NewSyscallMonitor(ring *ringbuf.Reader) (*SyscallMonitor, error) {
	if ring != nil {
		if err := rlimit.RemoveMemlock(); err != nil {
			return nil, fmt.Errorf("remove memlock: %w", err)
		}
	}
	return &SyscallMonitor{
		ring:     ring,
		logger:   log.New(log.Writer(), "[MONITOR] ", log.LstdFlags),
		watchers: make(map[string]chan Violation),
	}, nil
}

// MockMode reports whether the kernel probe is absent.
func (m *SyscallMonitor) MockMode() bool {
	return m.ring == nil
}

// Start begins consuming the ring buffer. In mock mode this is a no-op.
func (m *SyscallMonitor) Start() {
	if m.ring == nil {
		m.logger.Printf("no kernel probe attached, running in mock mode")
		return
	}

	go func() {
		for {
			record, err := m.ring.Read()
			if err != nil {
				if err == ringbuf.ErrClosed {
					return
				}
				m.logger.Printf("ring buffer read: %v", err)
				continue
			}
			m.consume(record.RawSample)
		}
	}()
}

// consume parses one raw sample. The probe tags each event with the pid of
// the sandboxed process; the controller registers pid → execution id before
// launch, carried here in the payload prefix "id:<execution>\x00<detail>".
func (m *SyscallMonitor) consume(raw []byte) {
	if len(raw) < rawEventHeader {
		return
	}
	syscall := binary.LittleEndian.Uint32(raw[8:12])
	dataLen := binary.LittleEndian.Uint32(raw[12:16])

	payload := raw[rawEventHeader:]
	if len(payload) > int(dataLen) {
		payload = payload[:dataLen]
	}

	execID, detail := splitPayload(string(payload))
	if execID == "" {
		return
	}
	m.Inject(execID, syscall, detail)
}

func splitPayload(p string) (execID, detail string) {
	const prefix = "id:"
	if len(p) < len(prefix) || p[:len(prefix)] != prefix {
		return "", p
	}
	rest := p[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == 0 {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

// Watch registers a violation stream for one execution. The channel is
// buffered; a slow consumer drops rather than stalls the monitor.
func (m *SyscallMonitor) Watch(execID string) <-chan Violation {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Violation, 32)
	m.watchers[execID] = ch
	return ch
}

// Unwatch tears the stream down.
func (m *SyscallMonitor) Unwatch(execID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.watchers[execID]; ok {
		delete(m.watchers, execID)
		close(ch)
	}
}

// Inject classifies one event and routes it to the execution's watcher.
// The ring-buffer consumer calls this internally; tests and simulated
// runtimes call it directly.
func (m *SyscallMonitor) Inject(execID string, syscall uint32, detail string) {
	v := classify(execID, syscall, detail)
	if v == nil {
		return
	}

	m.mu.Lock()
	ch, ok := m.watchers[execID]
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- *v:
	default:
		m.logger.Printf("watcher %s full, dropping %s violation", execID, v.Category)
	}
}

// Close stops the ring-buffer consumer.
func (m *SyscallMonitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.ring != nil {
		return m.ring.Close()
	}
	return nil
}
