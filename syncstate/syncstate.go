// Package syncstate owns the process-wide synchronization status.
//
// There is exactly one Tracker per running agent. It is loaded from the local
// store at startup, updated on every connectivity change and queue drain, and
// reset only on logout.
package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/progress-sync/store"
)

const (
	// Namespace is the store namespace holding metadata records.
	Namespace = "meta"
	// Key is the store key of the sync state record.
	Key = "sync-state"
)

// State is a copy of the tracked status.
type State struct {
	Online               bool      `json:"online"`
	LastSuccessfulSyncAt time.Time `json:"last_successful_sync_at"`
	PendingCount         int       `json:"pending_count"`
	ConflictCount        int       `json:"conflict_count"`

	// Identity is the signed-in account the local data belongs to.
	Identity string `json:"identity,omitempty"`
	// Generation increments on every reset. Work started under an older
	// generation must discard its results.
	Generation uint64 `json:"generation"`
}

// Tracker holds the sync state and persists every change.
type Tracker struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.RWMutex
	state State
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// Load creates a Tracker initialized from the persisted record, if any.
func Load(ctx context.Context, st store.Store, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}

	entry, err := st.Get(ctx, Namespace, Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return t, nil
	case err != nil:
		return nil, fmt.Errorf("loading sync state: %w", err)
	}

	if err := json.Unmarshal(entry.Payload, &t.state); err != nil {
		// A damaged record is replaced on the next update.
		t.logger.Warn("ignoring unreadable sync state", "error", err)
		t.state = State{}
	}
	return t, nil
}

// State returns a copy of the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Generation returns the current reset generation.
func (t *Tracker) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Generation
}

// SetOnline records a connectivity transition.
func (t *Tracker) SetOnline(ctx context.Context, online bool) error {
	return t.update(ctx, func(s *State) {
		s.Online = online
	})
}

// SetCounts records the number of pending and conflicting mutations.
func (t *Tracker) SetCounts(ctx context.Context, pending, conflicts int) error {
	return t.update(ctx, func(s *State) {
		s.PendingCount = pending
		s.ConflictCount = conflicts
	})
}

// RecordSuccess records a completed drain.
func (t *Tracker) RecordSuccess(ctx context.Context, at time.Time) error {
	return t.update(ctx, func(s *State) {
		s.LastSuccessfulSyncAt = at
	})
}

// SetIdentity records the signed-in account.
func (t *Tracker) SetIdentity(ctx context.Context, identity string) error {
	return t.update(ctx, func(s *State) {
		s.Identity = identity
	})
}

// Reset clears the state for a new identity and bumps the generation.
// Connectivity is kept since it describes the device, not the account.
func (t *Tracker) Reset(ctx context.Context, identity string) error {
	return t.update(ctx, func(s *State) {
		*s = State{
			Online:     s.Online,
			Identity:   identity,
			Generation: s.Generation + 1,
		}
	})
}

func (t *Tracker) update(ctx context.Context, mutate func(*State)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.state
	mutate(&next)

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshaling sync state: %w", err)
	}
	if _, err := t.store.Set(ctx, Namespace, Key, data, store.SetOptions{}); err != nil {
		return fmt.Errorf("persisting sync state: %w", err)
	}

	t.state = next
	return nil
}
