package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Store persists audit events. Append must be durable before it returns;
// the log treats a returned nil as the commit point.
type Store interface {
	Append(e Event) error
	ReadAll() ([]Event, error)
	Close() error
}

// ============================================================================
// MEMORY STORE (tests, ephemeral deployments)
// ============================================================================

// MemoryStore keeps events in memory. Used in tests and as the fallback when
// no file path is configured.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) ReadAll() ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// ============================================================================
// FILE STORE (newline-delimited JSON, append-only)
// ============================================================================

// FileStore appends events as NDJSON lines and fsyncs each append. The file
// is never rewritten; retention applies only to mirrored long-term stores.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}
	return &FileStore{f: f, path: path}, nil
}

func (fs *FileStore) Append(e Event) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event %d: %w", e.Sequence, err)
	}
	if _, err := fs.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit event %d: %w", e.Sequence, err)
	}
	// Durability before ack: the append is the commit point.
	if err := fs.f.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

func (fs *FileStore) ReadAll() ([]Event, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt audit line after seq %d: %w", len(events), err)
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Close()
}
