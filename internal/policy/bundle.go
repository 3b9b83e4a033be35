package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// BundleState is the lifecycle of a rule bundle. Exactly one bundle is
// active at any time; active→retired is irreversible but retired bundles
// stay addressable for rollback.
type BundleState string

const (
	BundlePending BundleState = "pending"
	BundleActive  BundleState = "active"
	BundleRetired BundleState = "retired"
)

// Bundle is an immutable, versioned set of rule sources plus manifest.
type Bundle struct {
	ID        string       `json:"id"`
	Manifest  Manifest     `json:"manifest"`
	Sources   []RuleSource `json:"sources"`
	State     BundleState  `json:"state"`
	StagedAt  time.Time    `json:"staged_at"`
	RetiredAt *time.Time   `json:"retired_at,omitempty"`
}

// BundleStore keeps bundles on disk under bundleDir:
//
//	<bundleDir>/<id>/manifest.json
//	<bundleDir>/<id>/rules/<name>
//	<bundleDir>/index.json   (states + active pointer)
//
// Bundle content is immutable once staged; only index state changes.
type BundleStore struct {
	mu       sync.Mutex
	dir      string
	states   map[string]BundleState
	activeID string
}

type bundleIndex struct {
	States   map[string]BundleState `json:"states"`
	ActiveID string                 `json:"active_id"`
}

// OpenBundleStore loads (or initialises) the bundle directory.
func OpenBundleStore(dir string) (*BundleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	bs := &BundleStore{dir: dir, states: make(map[string]BundleState)}

	raw, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err == nil {
		var idx bundleIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("corrupt bundle index: %w", err)
		}
		bs.states = idx.States
		bs.activeID = idx.ActiveID
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return bs, nil
}

// Stage writes a new bundle in pending state and returns its id, which is
// derived from the manifest digest so identical content stages to the same
// address.
func (bs *BundleStore) Stage(manifest Manifest, sources []RuleSource) (string, error) {
	id := fmt.Sprintf("%s-%s", manifest.Version, manifest.Digest[:12])

	bs.mu.Lock()
	defer bs.mu.Unlock()

	if _, exists := bs.states[id]; exists {
		return id, nil // content-addressed: re-staging identical content is a no-op
	}

	bundleDir := filepath.Join(bs.dir, id)
	rulesDir := filepath.Join(bundleDir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		return "", fmt.Errorf("create bundle %s: %w", id, err)
	}

	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "manifest.json"), manifestJSON, 0o644); err != nil {
		return "", fmt.Errorf("write manifest %s: %w", id, err)
	}
	for _, src := range sources {
		if err := os.WriteFile(filepath.Join(rulesDir, src.Name), []byte(src.Source), 0o644); err != nil {
			return "", fmt.Errorf("write rule %s/%s: %w", id, src.Name, err)
		}
	}

	bs.states[id] = BundlePending
	if err := bs.persistIndexLocked(); err != nil {
		return "", err
	}
	return id, nil
}

// Activate swaps the active pointer to the given bundle. The prior active
// bundle is retired. The swap is atomic under the store lock; the engine
// holds the compiled form behind an RCU pointer.
func (bs *BundleStore) Activate(id string) (previous string, err error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	state, ok := bs.states[id]
	if !ok {
		return "", fmt.Errorf("unknown bundle %s", id)
	}
	if state == BundleActive {
		return id, nil
	}

	previous = bs.activeID
	if previous != "" {
		bs.states[previous] = BundleRetired
	}
	bs.states[id] = BundleActive
	bs.activeID = id
	return previous, bs.persistIndexLocked()
}

// ActiveID returns the currently active bundle id, or "".
func (bs *BundleStore) ActiveID() string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.activeID
}

// Load reads a staged bundle back from disk.
func (bs *BundleStore) Load(id string) (*Bundle, error) {
	bs.mu.Lock()
	state, ok := bs.states[id]
	bs.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown bundle %s", id)
	}

	bundleDir := filepath.Join(bs.dir, id)
	raw, err := os.ReadFile(filepath.Join(bundleDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", id, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", id, err)
	}

	rulesDir := filepath.Join(bundleDir, "rules")
	entries, err := os.ReadDir(rulesDir)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", id, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sources []RuleSource
	for _, ent := range entries {
		body, err := os.ReadFile(filepath.Join(rulesDir, ent.Name()))
		if err != nil {
			return nil, err
		}
		sources = append(sources, RuleSource{Name: ent.Name(), Source: string(body)})
	}

	return &Bundle{ID: id, Manifest: manifest, Sources: sources, State: state}, nil
}

// List returns all known bundle ids with their states.
func (bs *BundleStore) List() map[string]BundleState {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make(map[string]BundleState, len(bs.states))
	for id, st := range bs.states {
		out[id] = st
	}
	return out
}

func (bs *BundleStore) persistIndexLocked() error {
	idx := bundleIndex{States: bs.states, ActiveID: bs.activeID}
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(bs.dir, "index.json.tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(bs.dir, "index.json"))
}
