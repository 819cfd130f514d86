// Package snapshot persists the last known-good view of each progress
// resource. A snapshot carries its provenance (local or server) and a version
// that increases on every write of the same resource.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wolfeidau/progress-sync/store"
)

// NamespacePrefix prefixes the store namespace of every resource kind.
const NamespacePrefix = "progress:"

// ErrNotFound is returned when no snapshot exists for a resource.
var ErrNotFound = errors.New("snapshot: not found")

// Provenance records where the state of a snapshot came from.
type Provenance string

const (
	ProvenanceLocal  Provenance = "local"
	ProvenanceServer Provenance = "server"
)

// Snapshot is the merged view of one resource.
type Snapshot struct {
	Kind       string     `json:"kind"`
	Key        string     `json:"key"`
	State      []byte     `json:"state"`
	Provenance Provenance `json:"provenance"`
	Version    uint64     `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`

	// Conflict holds the server's rejection reason while a local change
	// awaits manual resolution.
	Conflict string `json:"conflict,omitempty"`

	// Removed marks a tombstone. It keeps the version of a deleted resource
	// so a later write continues from it.
	Removed bool `json:"removed,omitempty"`
}

// Namespace returns the store namespace for a resource kind.
func Namespace(kind string) string {
	return NamespacePrefix + kind
}

// Store reads and writes snapshots through the durable local store.
type Store struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	// mu serializes read-modify-write cycles so versions stay monotonic.
	mu sync.Mutex
}

// Option configures a snapshot Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a snapshot Store over st.
func New(st store.Store, opts ...Option) *Store {
	s := &Store{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the snapshot of a resource.
func (s *Store) Get(ctx context.Context, kind, key string) (*Snapshot, error) {
	snap, err := s.get(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	if snap.Removed {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (s *Store) get(ctx context.Context, kind, key string) (*Snapshot, error) {
	entry, err := s.store.Get(ctx, Namespace(kind), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading snapshot %s/%s: %w", kind, key, err)
	}
	return decode(entry.Payload)
}

// List returns every snapshot of a resource kind ordered by key.
func (s *Store) List(ctx context.Context, kind string) ([]*Snapshot, error) {
	entries, err := s.store.List(ctx, Namespace(kind))
	if err != nil {
		return nil, fmt.Errorf("listing snapshots of %s: %w", kind, err)
	}
	snaps := make([]*Snapshot, 0, len(entries))
	for _, e := range entries {
		snap, err := decode(e.Payload)
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "kind", kind, "key", e.Key, "error", err)
			continue
		}
		if snap.Removed {
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// ApplyLocal records locally produced state. The entry is protected from
// eviction until ApplyServer or MarkSynced.
func (s *Store) ApplyLocal(ctx context.Context, kind, key string, state []byte) (*Snapshot, error) {
	return s.apply(ctx, kind, key, func(snap *Snapshot) {
		snap.State = state
		snap.Provenance = ProvenanceLocal
	}, true)
}

// ApplyServer records the server's authoritative state. Server state always
// wins over local state and clears any conflict.
func (s *Store) ApplyServer(ctx context.Context, kind, key string, state []byte) (*Snapshot, error) {
	return s.apply(ctx, kind, key, func(snap *Snapshot) {
		snap.State = state
		snap.Provenance = ProvenanceServer
		snap.Conflict = ""
	}, false)
}

// MarkConflict flags the snapshot of a resource as conflicting while keeping
// its local state. A missing snapshot is created empty so the conflict is
// still visible.
func (s *Store) MarkConflict(ctx context.Context, kind, key, reason string) (*Snapshot, error) {
	if reason == "" {
		reason = "conflict"
	}
	return s.apply(ctx, kind, key, func(snap *Snapshot) {
		snap.Conflict = reason
		if snap.Provenance == "" {
			snap.Provenance = ProvenanceLocal
		}
	}, true)
}

// ClearConflict removes the conflict flag after the user chose to resend the
// local state. The snapshot stays protected until the resend is reconciled.
func (s *Store) ClearConflict(ctx context.Context, kind, key string) (*Snapshot, error) {
	return s.apply(ctx, kind, key, func(snap *Snapshot) {
		snap.Conflict = ""
	}, true)
}

// Remove deletes the snapshot of a resource, leaving a tombstone that
// carries its version. Removing an unknown resource is a no-op.
func (s *Store) Remove(ctx context.Context, kind, key string) error {
	if _, err := s.Get(ctx, kind, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	_, err := s.apply(ctx, kind, key, func(snap *Snapshot) {
		snap.State = nil
		snap.Provenance = ProvenanceServer
		snap.Conflict = ""
		snap.Removed = true
	}, false)
	return err
}

func (s *Store) apply(ctx context.Context, kind, key string, mutate func(*Snapshot), needsSync bool) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.get(ctx, kind, key)
	switch {
	case errors.Is(err, ErrNotFound):
		snap = &Snapshot{Kind: kind, Key: key}
	case err != nil:
		return nil, err
	case snap.Removed:
		snap = &Snapshot{Kind: kind, Key: key, Version: snap.Version}
	}

	mutate(snap)
	snap.Version++
	snap.UpdatedAt = s.now()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshaling snapshot: %w", err)
	}

	// A conflicting snapshot keeps its protection until resolved.
	protect := needsSync || snap.Conflict != ""
	if _, err := s.store.Set(ctx, Namespace(kind), key, data, store.SetOptions{NeedsSync: protect}); err != nil {
		return nil, fmt.Errorf("writing snapshot %s/%s: %w", kind, key, err)
	}

	s.logger.Debug("snapshot updated",
		"kind", kind,
		"key", key,
		"provenance", snap.Provenance,
		"version", snap.Version)
	return snap, nil
}

func decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snap, nil
}

// Summary is the completion report of one resource kind.
type Summary struct {
	Kind       string  `json:"kind"`
	Total      int     `json:"total_items"`
	Completed  int     `json:"completed_items"`
	Percentage float64 `json:"completion_percentage"`
	Pending    int     `json:"pending_items"`
	Conflicts  int     `json:"conflicting_items"`
}

// Summary counts the snapshots of kind whose state reports "completed": true.
// The percentage is rounded to two decimals.
func (s *Store) Summary(ctx context.Context, kind string) (Summary, error) {
	snaps, err := s.List(ctx, kind)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Kind: kind, Total: len(snaps)}
	for _, snap := range snaps {
		var state struct {
			Completed bool `json:"completed"`
		}
		if err := json.Unmarshal(snap.State, &state); err == nil && state.Completed {
			sum.Completed++
		}
		if snap.Provenance == ProvenanceLocal {
			sum.Pending++
		}
		if snap.Conflict != "" {
			sum.Conflicts++
		}
	}
	if sum.Total > 0 {
		sum.Percentage = math.Round(float64(sum.Completed)/float64(sum.Total)*10000) / 100
	}
	return sum, nil
}
