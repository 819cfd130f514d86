// Package agent runs the background half of the sync engine.
//
// An Agent is a single goroutine that owns the connectivity subscription, the
// reconciliation loop and the expiry reaper. The foreground never touches
// those directly: it sends messages through a Client and receives Events.
// Shared state lives only in the durable store.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/progress-sync/netstatus"
	"github.com/wolfeidau/progress-sync/queue"
	"github.com/wolfeidau/progress-sync/reconcile"
	"github.com/wolfeidau/progress-sync/remote"
	"github.com/wolfeidau/progress-sync/snapshot"
	"github.com/wolfeidau/progress-sync/store"
	"github.com/wolfeidau/progress-sync/syncstate"
)

const eventBuffer = 64

// ErrStopped is returned by Client calls once the agent has stopped.
var ErrStopped = errors.New("agent: stopped")

// EventType identifies an agent event.
type EventType string

const (
	EventSync         EventType = "sync"
	EventConnectivity EventType = "connectivity"
	EventLogout       EventType = "logout"
	EventResolved     EventType = "resolved"
)

// Event is delivered to the foreground.
type Event struct {
	Type         EventType        `json:"type"`
	Sync         *reconcile.Event `json:"sync,omitempty"`
	Connectivity *netstatus.Event `json:"connectivity,omitempty"`
	MutationID   string           `json:"mutation_id,omitempty"`
	Identity     string           `json:"identity,omitempty"`
}

// Status is a point-in-time view of the sync engine.
type Status struct {
	Sync    syncstate.State   `json:"sync"`
	Engine  reconcile.State   `json:"engine"`
	Queue   queue.Stats       `json:"queue"`
	Quality netstatus.Quality `json:"quality"`
	Storage store.Usage       `json:"storage"`

	// Namespaces breaks storage down per namespace.
	Namespaces []store.Usage `json:"namespaces"`
}

// Fetcher reads authoritative state from the remote API.
type Fetcher interface {
	Fetch(ctx context.Context, kind, key string) (json.RawMessage, error)
}

// Config configures an Agent.
type Config struct {
	Store     *store.BoltStore
	Queue     *queue.Queue
	Snapshots *snapshot.Store
	State     *syncstate.Tracker
	Monitor   *netstatus.Monitor

	// Remote is used by the engine to submit mutations and by discard
	// resolutions to re-fetch server state.
	Remote interface {
		reconcile.Submitter
		Fetcher
	}

	// Reconcile carries engine tuning. Its component fields are filled in by
	// the agent.
	Reconcile reconcile.Config

	// Reaper removes expired cache entries. Optional.
	Reaper *store.ExpiryReaper

	Logger *slog.Logger
}

type message struct {
	kind       string
	id         string
	resolution queue.Resolution
	identity   string
	reply      chan reply
}

type reply struct {
	status   Status
	mutation queue.Mutation
	err      error
}

// Agent is the background execution context.
type Agent struct {
	cfg    Config
	engine *reconcile.Engine
	logger *slog.Logger

	msgs   chan message
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// New creates an Agent and its reconciliation engine.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil || cfg.Queue == nil || cfg.Snapshots == nil || cfg.State == nil || cfg.Monitor == nil || cfg.Remote == nil {
		return nil, errors.New("agent: store, queue, snapshots, state, monitor and remote are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "agent"),
		msgs:   make(chan message),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	rc := cfg.Reconcile
	rc.Queue = cfg.Queue
	rc.Snapshots = cfg.Snapshots
	rc.State = cfg.State
	rc.Remote = cfg.Remote
	rc.Network = cfg.Monitor
	if rc.Logger == nil {
		rc.Logger = cfg.Logger
	}
	onEvent := rc.OnEvent
	rc.OnEvent = func(ev reconcile.Event) {
		if onEvent != nil {
			onEvent(ev)
		}
		a.publish(Event{Type: EventSync, Sync: &ev})
	}
	a.engine = reconcile.New(rc)

	return a, nil
}

// Engine returns the reconciliation engine owned by the agent.
func (a *Agent) Engine() *reconcile.Engine {
	return a.engine
}

// Client returns the foreground handle.
func (a *Agent) Client() *Client {
	return &Client{agent: a}
}

// Run serves the agent until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	defer a.once.Do(func() { close(a.done) })

	sub, unsubscribe := a.cfg.Monitor.Subscribe()
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.cfg.Monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.engine.Run(ctx)
	}()
	if a.cfg.Reaper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.cfg.Reaper.Run(ctx)
		}()
	}
	defer wg.Wait()

	a.logger.Info("agent started")
	a.connectivityChanged(ctx, a.cfg.Monitor.Online())

	for {
		select {
		case <-ctx.Done():
			a.engine.Cancel()
			a.logger.Info("agent stopped")
			return
		case ev := <-sub:
			a.publish(Event{Type: EventConnectivity, Connectivity: &ev})
			a.connectivityChanged(ctx, ev.Online)
		case msg := <-a.msgs:
			msg.reply <- a.handle(ctx, msg)
		}
	}
}

func (a *Agent) connectivityChanged(ctx context.Context, online bool) {
	if err := a.cfg.State.SetOnline(ctx, online); err != nil {
		a.logger.Warn("failed to record connectivity", "error", err)
	}
	if online && len(a.cfg.Queue.Pending()) > 0 {
		a.engine.Trigger()
	}
}

func (a *Agent) handle(ctx context.Context, msg message) reply {
	switch msg.kind {
	case "trigger":
		a.updateCounts(ctx)
		a.engine.Trigger()
		return reply{}
	case "status":
		return reply{status: a.status(ctx)}
	case "logout":
		return reply{err: a.logout(ctx, msg.identity)}
	case "resolve":
		m, err := a.resolve(ctx, msg.id, msg.resolution)
		return reply{mutation: m, err: err}
	default:
		return reply{err: fmt.Errorf("agent: unknown message %q", msg.kind)}
	}
}

func (a *Agent) status(ctx context.Context) Status {
	usage, err := a.cfg.Store.TotalUsage(ctx)
	if err != nil {
		a.logger.Warn("failed to read storage usage", "error", err)
	}
	return Status{
		Sync:       a.cfg.State.State(),
		Engine:     a.engine.State(),
		Queue:      a.cfg.Queue.Stats(),
		Quality:    a.cfg.Monitor.Quality(),
		Storage:    usage,
		Namespaces: a.namespaceUsage(ctx),
	}
}

func (a *Agent) namespaceUsage(ctx context.Context) []store.Usage {
	names, err := a.cfg.Store.Namespaces(ctx)
	if err != nil {
		a.logger.Warn("failed to list namespaces", "error", err)
		return nil
	}
	usages := make([]store.Usage, 0, len(names))
	for _, ns := range names {
		u, err := a.cfg.Store.Usage(ctx, ns)
		if err != nil {
			a.logger.Warn("failed to read namespace usage", "namespace", ns, "error", err)
			continue
		}
		usages = append(usages, u)
	}
	return usages
}

// logout discards everything that belongs to the signed-in account. The
// engine stays suspended until the queue is empty and the generation bumped,
// so nothing queued under the previous identity is sent. Results of calls
// still outstanding are dropped by the generation bump.
func (a *Agent) logout(ctx context.Context, identity string) error {
	a.engine.Suspend()
	defer a.engine.Resume()
	if err := a.engine.WaitIdle(ctx); err != nil {
		return fmt.Errorf("waiting for drain to stop: %w", err)
	}
	if err := a.cfg.Queue.Clear(ctx); err != nil {
		return err
	}
	if err := a.cfg.Store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	if err := a.cfg.State.Reset(ctx, identity); err != nil {
		return fmt.Errorf("resetting sync state: %w", err)
	}

	a.logger.Info("local data cleared", "identity", identity, "generation", a.cfg.State.Generation())
	a.publish(Event{Type: EventLogout, Identity: identity})
	return nil
}

func (a *Agent) resolve(ctx context.Context, id string, resolution queue.Resolution) (queue.Mutation, error) {
	m, err := a.cfg.Queue.Resolve(ctx, id, resolution)
	if err != nil {
		return queue.Mutation{}, err
	}

	switch resolution {
	case queue.ResolutionRetry:
		if _, err := a.cfg.Snapshots.ClearConflict(ctx, m.Kind, m.ResourceKey); err != nil {
			a.logger.Warn("failed to clear snapshot conflict", "error", err)
		}
		a.engine.Trigger()
	case queue.ResolutionDiscard:
		a.refetch(ctx, m)
	}

	a.updateCounts(ctx)
	a.publish(Event{Type: EventResolved, MutationID: id})
	return m, nil
}

// refetch replaces the local state of a discarded mutation with the server's.
func (a *Agent) refetch(ctx context.Context, m queue.Mutation) {
	if a.cfg.Queue.PendingFor(m.Kind, m.ResourceKey) > 0 {
		return
	}

	fctx, cancel := context.WithTimeout(ctx, remote.DefaultTimeout)
	defer cancel()

	state, err := a.cfg.Remote.Fetch(fctx, m.Kind, m.ResourceKey)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		if err := a.cfg.Snapshots.Remove(ctx, m.Kind, m.ResourceKey); err != nil {
			a.logger.Warn("failed to remove discarded snapshot", "error", err)
		}
	case err != nil:
		// The conflict flag stays until the next successful read.
		a.logger.Warn("failed to fetch server state", "kind", m.Kind, "resource_key", m.ResourceKey, "error", err)
	default:
		if _, err := a.cfg.Snapshots.ApplyServer(ctx, m.Kind, m.ResourceKey, state); err != nil {
			a.logger.Warn("failed to apply server state", "error", err)
		}
	}
}

func (a *Agent) updateCounts(ctx context.Context) {
	stats := a.cfg.Queue.Stats()
	if err := a.cfg.State.SetCounts(ctx, stats.Pending+stats.InFlight, stats.Failed); err != nil {
		a.logger.Warn("failed to update sync counts", "error", err)
	}
}

// publish delivers an event without blocking. When the foreground falls
// behind the oldest event is dropped.
func (a *Agent) publish(ev Event) {
	for {
		select {
		case a.events <- ev:
			return
		default:
		}
		select {
		case <-a.events:
		default:
		}
	}
}

// Client is the foreground handle of an Agent.
type Client struct {
	agent *Agent
}

// Events returns the event stream.
func (c *Client) Events() <-chan Event {
	return c.agent.events
}

// Trigger requests a drain.
func (c *Client) Trigger(ctx context.Context) error {
	_, err := c.call(ctx, message{kind: "trigger"})
	return err
}

// Status returns the current status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	r, err := c.call(ctx, message{kind: "status"})
	return r.status, err
}

// Logout clears all local data and starts over as identity.
func (c *Client) Logout(ctx context.Context, identity string) error {
	_, err := c.call(ctx, message{kind: "logout", identity: identity})
	return err
}

// Resolve applies a resolution to a conflicting mutation.
func (c *Client) Resolve(ctx context.Context, id string, resolution queue.Resolution) (queue.Mutation, error) {
	r, err := c.call(ctx, message{kind: "resolve", id: id, resolution: resolution})
	return r.mutation, err
}

// Conflicts lists the mutations awaiting resolution. The queue is safe for
// concurrent reads, so this does not go through the agent.
func (c *Client) Conflicts() []queue.Mutation {
	return c.agent.cfg.Queue.Conflicts()
}

// Progress reports completion of one resource kind from the local snapshots,
// so it reflects writes that have not synced yet.
func (c *Client) Progress(ctx context.Context, kind string) (snapshot.Summary, error) {
	return c.agent.cfg.Snapshots.Summary(ctx, kind)
}

func (c *Client) call(ctx context.Context, msg message) (reply, error) {
	msg.reply = make(chan reply, 1)

	select {
	case c.agent.msgs <- msg:
	case <-c.agent.done:
		return reply{}, ErrStopped
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-msg.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// Wait blocks until Run has returned or timeout elapses.
func (a *Agent) Wait(timeout time.Duration) bool {
	select {
	case <-a.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
