// Package queue implements the durable sync queue of pending mutations.
//
// Mutations are ordered per logical resource (kind plus resource key): only
// the oldest unfinished mutation of a resource can be sent, and at most one
// mutation per resource is in flight at a time. Mutations of different
// resources carry no relative ordering. The whole queue is persisted as a
// single document in the local store after every change.
package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/progress-sync/store"
	"github.com/wolfeidau/progress-sync/telemetry"
)

const (
	// Namespace is the store namespace of the persisted queue.
	Namespace = "queue"
	// Key is the store key of the persisted queue document.
	Key = "mutations"
)

var (
	// ErrInvalidMutation is returned for mutations missing a kind or resource key.
	ErrInvalidMutation = errors.New("queue: invalid mutation")

	// ErrNotFound is returned when no mutation has the given ID.
	ErrNotFound = errors.New("queue: mutation not found")

	// ErrInvalidTransition is returned when a mutation is not in a state that
	// allows the requested change.
	ErrInvalidTransition = errors.New("queue: invalid status transition")

	// ErrResourceBusy is returned when another mutation of the same resource
	// is in flight or queued ahead.
	ErrResourceBusy = errors.New("queue: resource has earlier or in-flight mutation")
)

// Status is the delivery state of a mutation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in-flight"
	StatusFailed   Status = "failed"
	StatusDone     Status = "done"
)

// Mutation is a queued local write awaiting delivery.
type Mutation struct {
	// ID doubles as the idempotency key sent to the server.
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	ResourceKey string    `json:"resource_key"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Status      Status    `json:"status"`
	Seq         uint64    `json:"seq"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastError   string    `json:"last_error,omitempty"`

	// ConflictReason is set when the mutation failed terminally.
	ConflictReason string `json:"conflict_reason,omitempty"`
}

// Terminal reports whether the mutation has left the drain path.
func (m Mutation) Terminal() bool {
	return m.Status == StatusFailed || m.Status == StatusDone
}

func (m Mutation) resource() resourceID {
	return resourceID{kind: m.Kind, key: m.ResourceKey}
}

type resourceID struct {
	kind string
	key  string
}

// Resolution is the user's decision about a failed mutation.
type Resolution string

const (
	// ResolutionRetry re-enqueues the mutation under a fresh idempotency key.
	ResolutionRetry Resolution = "retry"
	// ResolutionDiscard drops the local change; the caller re-fetches server state.
	ResolutionDiscard Resolution = "discard"
)

// Stats counts mutations by status.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// document is the persisted form of the queue.
type document struct {
	Seq       uint64     `json:"seq"`
	Mutations []Mutation `json:"mutations"`
}

// Queue is the durable sync queue. It is safe for concurrent use.
type Queue struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	seq   uint64
	items []Mutation // ordered by Seq
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Open loads the queue from the store. Mutations that were in flight when the
// process stopped revert to pending so they are delivered again; the server
// dedupes them by idempotency key.
func Open(ctx context.Context, st store.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	entry, err := st.Get(ctx, Namespace, Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("loading queue: %w", err)
	}

	var doc document
	if err := json.Unmarshal(entry.Payload, &doc); err != nil {
		return nil, fmt.Errorf("decoding queue: %w", err)
	}

	var recovered int
	for i := range doc.Mutations {
		if doc.Mutations[i].Status == StatusInFlight {
			doc.Mutations[i].Status = StatusPending
			recovered++
		}
	}
	slices.SortStableFunc(doc.Mutations, func(a, b Mutation) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	q.seq = doc.Seq
	q.items = doc.Mutations

	if recovered > 0 {
		q.logger.Info("recovered in-flight mutations", "count", recovered)
		if err := q.persist(ctx, q.seq, q.items); err != nil {
			return nil, err
		}
	}
	q.reportDepth(ctx, q.items)
	return q, nil
}

// Enqueue appends a mutation and returns its ID. An empty ID is replaced by a
// new UUID. Enqueueing an ID that is already queued is a no-op.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) (string, error) {
	if m.Kind == "" || m.ResourceKey == "" {
		return "", ErrInvalidMutation
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.indexOf(m.ID); ok {
		return m.ID, nil
	}

	seq := q.seq + 1
	m.Seq = seq
	m.Status = StatusPending
	m.Attempts = 0
	m.NextRetryAt = time.Time{}
	m.LastError = ""
	m.ConflictReason = ""
	m.EnqueuedAt = q.now()

	next := append(slices.Clone(q.items), m)
	if err := q.commit(ctx, seq, next); err != nil {
		return "", err
	}

	telemetry.RecordEnqueue(ctx, m.Kind)
	q.logger.Debug("mutation enqueued", "id", m.ID, "kind", m.Kind, "resource_key", m.ResourceKey, "seq", seq)
	return m.ID, nil
}

// Get returns a mutation by ID.
func (q *Queue) Get(id string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.indexOf(id)
	if !ok {
		return Mutation{}, false
	}
	return cloneMutation(q.items[i]), true
}

// PeekNext returns the oldest drainable mutation of kind, if any.
func (q *Queue) PeekNext(kind string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.drainable(q.now()) {
		if m.Kind == kind {
			return cloneMutation(m), true
		}
	}
	return Mutation{}, false
}

// Drainable returns the mutations that can be sent now, ordered by enqueue
// sequence: for each resource, its oldest unfinished mutation when that one
// is pending and due.
func (q *Queue) Drainable(now time.Time) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	heads := q.drainable(now)
	out := make([]Mutation, len(heads))
	for i, m := range heads {
		out[i] = cloneMutation(m)
	}
	return out
}

// NextRetryAt returns the earliest time a backoff-delayed head becomes due.
// It reports false when no resource is waiting on backoff.
func (q *Queue) NextRetryAt(now time.Time) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, m := range q.heads() {
		if m.Status != StatusPending || !m.NextRetryAt.After(now) {
			continue
		}
		if !found || m.NextRetryAt.Before(earliest) {
			earliest = m.NextRetryAt
			found = true
		}
	}
	return earliest, found
}

// MarkInFlight marks a mutation as being sent. Only the head mutation of a
// resource can be marked, and only when nothing else of that resource is in
// flight.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(items []Mutation, i int) error {
		m := &items[i]
		if m.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, m.Status)
		}
		for j := range items {
			o := items[j]
			if j == i || o.resource() != m.resource() || o.Terminal() {
				continue
			}
			if o.Status == StatusInFlight || o.Seq < m.Seq {
				return fmt.Errorf("%w: %s/%s", ErrResourceBusy, m.Kind, m.ResourceKey)
			}
		}
		m.Status = StatusInFlight
		return nil
	})
}

// MarkDone removes a delivered mutation from the queue.
func (q *Queue) MarkDone(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.indexOf(id)
	if !ok {
		return ErrNotFound
	}
	if q.items[i].Status != StatusInFlight {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, q.items[i].Status)
	}

	next := slices.Delete(slices.Clone(q.items), i, i+1)
	return q.commit(ctx, q.seq, next)
}

// MarkFailed returns an in-flight mutation to pending after a retryable
// failure. It counts an attempt and delays the mutation until retryAfter.
func (q *Queue) MarkFailed(ctx context.Context, id string, retryAfter time.Time, cause error) error {
	return q.transition(ctx, id, func(items []Mutation, i int) error {
		m := &items[i]
		if m.Status != StatusInFlight {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, m.Status)
		}
		m.Status = StatusPending
		m.Attempts++
		m.NextRetryAt = retryAfter
		if cause != nil {
			m.LastError = cause.Error()
		}
		return nil
	})
}

// MarkConflict fails a mutation terminally. It leaves the drain path but stays
// in the queue until resolved so the local change is never silently lost.
func (q *Queue) MarkConflict(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id, func(items []Mutation, i int) error {
		m := &items[i]
		if m.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, m.Status)
		}
		if m.Status == StatusInFlight {
			m.Attempts++
		}
		m.Status = StatusFailed
		m.ConflictReason = reason
		return nil
	})
}

// Requeue returns an in-flight mutation to pending without counting an
// attempt. Used when connectivity drops while the mutation was being sent.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(items []Mutation, i int) error {
		m := &items[i]
		if m.Status != StatusInFlight {
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, m.Status)
		}
		m.Status = StatusPending
		return nil
	})
}

// Resolve applies the user's decision to a failed mutation. Retry enqueues a
// copy under a new ID at the back of its resource; discard removes it. The
// returned mutation is the new copy for retry and the removed one for discard.
func (q *Queue) Resolve(ctx context.Context, id string, resolution Resolution) (Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.indexOf(id)
	if !ok {
		return Mutation{}, ErrNotFound
	}
	old := q.items[i]
	if old.Status != StatusFailed {
		return Mutation{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, old.Status)
	}

	next := slices.Delete(slices.Clone(q.items), i, i+1)
	seq := q.seq

	var result Mutation
	switch resolution {
	case ResolutionRetry:
		seq++
		result = Mutation{
			ID:          uuid.NewString(),
			Kind:        old.Kind,
			ResourceKey: old.ResourceKey,
			Payload:     old.Payload,
			Status:      StatusPending,
			Seq:         seq,
			EnqueuedAt:  q.now(),
		}
		next = append(next, result)
	case ResolutionDiscard:
		result = old
	default:
		return Mutation{}, fmt.Errorf("queue: unknown resolution %q", resolution)
	}

	if err := q.commit(ctx, seq, next); err != nil {
		return Mutation{}, err
	}

	q.logger.Info("mutation resolved",
		"id", id,
		"resolution", resolution,
		"kind", old.Kind,
		"resource_key", old.ResourceKey)
	return cloneMutation(result), nil
}

// Pending returns the unfinished mutations in enqueue order.
func (q *Queue) Pending() []Mutation {
	return q.filter(func(m Mutation) bool { return !m.Terminal() })
}

// PendingFor counts the unfinished mutations of one resource.
func (q *Queue) PendingFor(kind, resourceKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	for _, m := range q.items {
		if !m.Terminal() && m.Kind == kind && m.ResourceKey == resourceKey {
			n++
		}
	}
	return n
}

// Conflicts returns the terminally failed mutations awaiting resolution.
func (q *Queue) Conflicts() []Mutation {
	return q.filter(func(m Mutation) bool { return m.Status == StatusFailed })
}

// Stats counts mutations by status.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return countStatuses(q.items)
}

// Clear drops every mutation. Used on logout.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.ClearNamespace(ctx, Namespace); err != nil {
		return fmt.Errorf("clearing queue: %w", err)
	}
	q.items = nil
	q.reportDepth(ctx, nil)
	return nil
}

func (q *Queue) filter(keep func(Mutation) bool) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Mutation
	for _, m := range q.items {
		if keep(m) {
			out = append(out, cloneMutation(m))
		}
	}
	return out
}

// transition applies change to a copy of the mutation at id and commits it.
func (q *Queue) transition(ctx context.Context, id string, change func(items []Mutation, i int) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i, ok := q.indexOf(id)
	if !ok {
		return ErrNotFound
	}
	next := slices.Clone(q.items)
	if err := change(next, i); err != nil {
		return err
	}
	return q.commit(ctx, q.seq, next)
}

// heads returns, per resource, its oldest unfinished mutation. Must be called
// with mu held.
func (q *Queue) heads() []Mutation {
	seen := make(map[resourceID]struct{})
	var out []Mutation
	for _, m := range q.items {
		if m.Terminal() {
			continue
		}
		if _, ok := seen[m.resource()]; ok {
			continue
		}
		seen[m.resource()] = struct{}{}
		out = append(out, m)
	}
	return out
}

// drainable must be called with mu held.
func (q *Queue) drainable(now time.Time) []Mutation {
	var out []Mutation
	for _, m := range q.heads() {
		if m.Status == StatusPending && !m.NextRetryAt.After(now) {
			out = append(out, m)
		}
	}
	return out
}

func (q *Queue) indexOf(id string) (int, bool) {
	for i := range q.items {
		if q.items[i].ID == id {
			return i, true
		}
	}
	return 0, false
}

// commit persists next and makes it current. Must be called with mu held.
func (q *Queue) commit(ctx context.Context, seq uint64, next []Mutation) error {
	if err := q.persist(ctx, seq, next); err != nil {
		return err
	}
	q.seq = seq
	q.items = next
	q.reportDepth(ctx, next)
	return nil
}

func (q *Queue) persist(ctx context.Context, seq uint64, items []Mutation) error {
	data, err := json.Marshal(document{Seq: seq, Mutations: items})
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}

	// Unsent and unresolved work must survive eviction.
	if _, err := q.store.Set(ctx, Namespace, Key, data, store.SetOptions{NeedsSync: len(items) > 0}); err != nil {
		return fmt.Errorf("persisting queue: %w", err)
	}
	return nil
}

func (q *Queue) reportDepth(ctx context.Context, items []Mutation) {
	s := countStatuses(items)
	telemetry.UpdateQueueDepth(ctx, map[string]int{
		string(StatusPending):  s.Pending,
		string(StatusInFlight): s.InFlight,
		string(StatusFailed):   s.Failed,
	})
}

func countStatuses(items []Mutation) Stats {
	var s Stats
	for _, m := range items {
		switch m.Status {
		case StatusPending:
			s.Pending++
		case StatusInFlight:
			s.InFlight++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func cloneMutation(m Mutation) Mutation {
	m.Payload = slices.Clone(m.Payload)
	return m
}
