// Package reconcile drains the sync queue against the remote API and merges
// the authoritative results into local progress snapshots.
//
// The engine is a two-state machine. It is Idle until triggered (connectivity
// restored or a manual request), then Draining until the queue has nothing
// sendable left or connectivity is lost. Triggers received while Draining are
// coalesced into at most one follow-up run.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	progresssync "github.com/wolfeidau/progress-sync"
	"github.com/wolfeidau/progress-sync/netstatus"
	"github.com/wolfeidau/progress-sync/queue"
	"github.com/wolfeidau/progress-sync/remote"
	"github.com/wolfeidau/progress-sync/snapshot"
	"github.com/wolfeidau/progress-sync/syncstate"
	"github.com/wolfeidau/progress-sync/telemetry"
	"golang.org/x/sync/errgroup"
)

// ErrDraining is returned by Drain when a run is already active.
var ErrDraining = errors.New("reconcile: drain already running")

// ErrSuspended is returned by Drain while the engine is suspended.
var ErrSuspended = errors.New("reconcile: engine suspended")

// State is the engine state.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// EventType identifies an engine event.
type EventType string

const (
	EventDrainStarted   EventType = "drain-started"
	EventDrainFinished  EventType = "drain-finished"
	EventSynced         EventType = "synced"
	EventRetryScheduled EventType = "retry-scheduled"
	EventRequeued       EventType = "requeued"
	// EventConflict reports a mutation that failed terminally and needs
	// manual resolution.
	EventConflict EventType = "conflict"
)

// Event describes something the engine did.
type Event struct {
	Type        EventType  `json:"type"`
	MutationID  string     `json:"mutation_id,omitempty"`
	Kind        string     `json:"kind,omitempty"`
	ResourceKey string     `json:"resource_key,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	RetryAt     time.Time  `json:"retry_at,omitzero"`
	Result      *RunResult `json:"result,omitempty"`
	At          time.Time  `json:"at"`
}

// RunResult summarizes one drain run.
type RunResult struct {
	Synced    int `json:"synced"`
	Retried   int `json:"retried"`
	Conflicts int `json:"conflicts"`
	Requeued  int `json:"requeued"`

	// Interrupted is set when the run stopped because connectivity was lost
	// or the run was cancelled.
	Interrupted bool `json:"interrupted"`
}

// Submitter sends one mutation to the remote API.
type Submitter interface {
	Submit(ctx context.Context, kind string, req remote.SubmitRequest) (json.RawMessage, error)
}

// Connectivity reports the network state. *netstatus.Monitor implements it.
type Connectivity interface {
	Online() bool
	Quality() netstatus.Quality
}

// Config configures an Engine.
type Config struct {
	Queue     *queue.Queue
	Snapshots *snapshot.Store
	State     *syncstate.Tracker
	Remote    Submitter

	// Network gates draining. When nil the engine assumes it is online.
	Network Connectivity

	// MaxAttempts bounds transient failures per mutation. Exhaustion is
	// terminal and surfaced like a conflict.
	MaxAttempts int

	// Concurrency bounds how many distinct resources are sent at once.
	// It drops to 1 while connection quality is poor.
	Concurrency int

	// CallTimeout bounds each remote call.
	CallTimeout time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnEvent receives engine events. It must not block.
	OnEvent func(Event)

	Logger *slog.Logger
	Now    func() time.Time
}

// Engine is the reconciliation engine.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	trigger chan struct{}

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	done       chan struct{}
	retryTimer *time.Timer
	stopped    bool
	suspended  bool
}

// New creates an Engine. Zero config values are replaced with defaults.
func New(cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = remote.DefaultTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "reconcile"),
		trigger: make(chan struct{}, 1),
		state:   StateIdle,
	}
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Trigger requests a drain. If a drain is already queued the request is
// dropped, so any number of triggers while Draining yields one follow-up run.
func (e *Engine) Trigger() {
	e.mu.Lock()
	suspended := e.suspended
	e.mu.Unlock()
	if suspended {
		return
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run serves triggers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Debug("reconcile engine started")
	defer e.stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("reconcile engine stopped")
			return
		case <-e.trigger:
			if _, err := e.Drain(ctx); err != nil && !errors.Is(err, ErrDraining) && !errors.Is(err, ErrSuspended) {
				e.logger.Error("drain failed", "error", err)
			}
		}
	}
}

// Cancel aborts the active run, if any. Outstanding network calls complete
// in the background; their results are discarded if the identity changed.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// Suspend aborts the active run and refuses new ones until Resume. Pending
// triggers and the retry timer are dropped.
func (e *Engine) Suspend() {
	e.mu.Lock()
	e.suspended = true
	e.mu.Unlock()

	e.Cancel()
	select {
	case <-e.trigger:
	default:
	}
}

// Resume lifts a Suspend.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.suspended = false
}

// WaitIdle blocks until no run is active or ctx is done.
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain runs one reconciliation pass to completion: it sends every sendable
// mutation, following each resource's queue order, until nothing sendable
// remains, connectivity is lost, or ctx is cancelled.
func (e *Engine) Drain(ctx context.Context) (RunResult, error) {
	e.mu.Lock()
	if e.suspended {
		e.mu.Unlock()
		return RunResult{}, ErrSuspended
	}
	if e.state == StateDraining {
		e.mu.Unlock()
		return RunResult{}, ErrDraining
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.state = StateDraining
	e.cancel = cancel
	e.done = make(chan struct{})
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	start := time.Now()
	gen := e.cfg.State.Generation()
	res := &runState{}

	e.emit(Event{Type: EventDrainStarted})
	e.logger.Debug("drain started", "generation", gen)

	err := e.drain(runCtx, gen, res)
	result := res.snapshot()
	if runCtx.Err() != nil {
		result.Interrupted = true
	}
	cancel()

	// Bookkeeping outlives the run context.
	bg := context.WithoutCancel(ctx)
	if e.cfg.State.Generation() == gen {
		e.updateCounts(bg)
		if err == nil && !result.Interrupted && (result.Synced > 0 || len(e.cfg.Queue.Pending()) == 0) {
			if serr := e.cfg.State.RecordSuccess(bg, e.cfg.Now()); serr != nil {
				e.logger.Warn("failed to record sync success", "error", serr)
			}
		}
	}

	outcome := "completed"
	switch {
	case err != nil:
		outcome = "error"
	case result.Interrupted:
		outcome = "interrupted"
	}
	telemetry.RecordDrainRun(bg, outcome, time.Since(start))

	e.mu.Lock()
	e.state = StateIdle
	e.cancel = nil
	close(e.done)
	e.done = nil
	e.mu.Unlock()

	e.scheduleRetry()

	e.logger.Info("drain finished",
		"synced", result.Synced,
		"retried", result.Retried,
		"conflicts", result.Conflicts,
		"requeued", result.Requeued,
		"interrupted", result.Interrupted,
		"duration", time.Since(start))
	e.emit(Event{Type: EventDrainFinished, Result: &result})

	return result, err
}

func (e *Engine) drain(ctx context.Context, gen uint64, res *runState) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !e.online() {
			res.interrupt()
			return nil
		}

		batch := e.cfg.Queue.Drainable(e.cfg.Now())
		if len(batch) == 0 {
			return nil
		}

		limit := e.cfg.Concurrency
		if e.cfg.Network != nil && e.cfg.Network.Quality() == netstatus.QualityPoor {
			limit = 1
		}

		// Drainable yields at most one mutation per resource, so the batch
		// never contains two writes to the same resource.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for _, m := range batch {
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				return e.send(gctx, m, gen, res)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if res.interrupted() || e.cfg.State.Generation() != gen {
			return nil
		}
	}
}

// send delivers one mutation and records the outcome. Only local store
// failures are returned; delivery failures are isolated to the mutation.
func (e *Engine) send(ctx context.Context, m queue.Mutation, gen uint64, res *runState) error {
	logger := e.logger.With("id", m.ID, "kind", m.Kind, "resource_key", m.ResourceKey)

	if err := e.cfg.Queue.MarkInFlight(ctx, m.ID); err != nil {
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrResourceBusy) {
			logger.Debug("skipping mutation", "error", err)
			return nil
		}
		return fmt.Errorf("marking %s in flight: %w", m.ID, err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	state, err := e.cfg.Remote.Submit(callCtx, m.Kind, remote.SubmitRequest{
		IdempotencyKey: m.ID,
		ResourceKey:    m.ResourceKey,
		Payload:        json.RawMessage(m.Payload),
	})
	cancel()

	if e.cfg.State.Generation() != gen {
		logger.Info("discarding result for previous identity")
		return nil
	}

	// The outcome is recorded even if the run was cancelled meanwhile.
	ctx = context.WithoutCancel(ctx)

	switch {
	case err == nil:
		return e.onSuccess(ctx, logger, m, state, res)
	case progresssync.IsConflict(err):
		reason := err.Error()
		var ce *progresssync.ConflictError
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return e.onTerminal(ctx, logger, m, reason, "conflict", res)
	case errors.Is(err, remote.ErrNotFound):
		return e.onTerminal(ctx, logger, m, "resource not found", "conflict", res)
	case errors.Is(err, progresssync.ErrUnauthorized):
		return e.onUnauthorized(ctx, logger, m, err, res)
	default:
		return e.onTransient(ctx, logger, m, err, res)
	}
}

func (e *Engine) onSuccess(ctx context.Context, logger *slog.Logger, m queue.Mutation, state json.RawMessage, res *runState) error {
	if err := e.cfg.Queue.MarkDone(ctx, m.ID); err != nil {
		return fmt.Errorf("marking %s done: %w", m.ID, err)
	}

	// Later local writes to the same resource keep the local view until
	// they sync too.
	if e.cfg.Queue.PendingFor(m.Kind, m.ResourceKey) == 0 {
		if _, err := e.cfg.Snapshots.ApplyServer(ctx, m.Kind, m.ResourceKey, state); err != nil {
			logger.Warn("failed to apply server state", "error", err)
		}
	}

	telemetry.RecordMutationSent(ctx, m.Kind, "ok")
	res.add(func(r *RunResult) { r.Synced++ })
	logger.Debug("mutation synced")
	e.emit(Event{Type: EventSynced, MutationID: m.ID, Kind: m.Kind, ResourceKey: m.ResourceKey})
	return nil
}

// onUnauthorized holds the mutation without consuming an attempt and stops
// the run. Every other mutation would be refused the same way; the next
// trigger after the credentials are fixed resumes delivery.
func (e *Engine) onUnauthorized(ctx context.Context, logger *slog.Logger, m queue.Mutation, cause error, res *runState) error {
	if err := e.cfg.Queue.Requeue(ctx, m.ID); err != nil {
		return fmt.Errorf("requeueing %s: %w", m.ID, err)
	}
	telemetry.RecordMutationSent(ctx, m.Kind, "unauthorized")
	res.add(func(r *RunResult) { r.Requeued++ })
	res.interrupt()
	logger.Warn("remote API refused credentials, mutation held", "error", cause)
	e.emit(Event{Type: EventRequeued, MutationID: m.ID, Kind: m.Kind, ResourceKey: m.ResourceKey, Reason: cause.Error()})
	return nil
}

func (e *Engine) onTransient(ctx context.Context, logger *slog.Logger, m queue.Mutation, cause error, res *runState) error {
	// Lost connectivity is not the mutation's fault.
	if !e.online() {
		if err := e.cfg.Queue.Requeue(ctx, m.ID); err != nil {
			return fmt.Errorf("requeueing %s: %w", m.ID, err)
		}
		telemetry.RecordMutationSent(ctx, m.Kind, "requeued")
		res.add(func(r *RunResult) { r.Requeued++ })
		res.interrupt()
		logger.Info("connectivity lost, mutation requeued", "error", cause)
		e.emit(Event{Type: EventRequeued, MutationID: m.ID, Kind: m.Kind, ResourceKey: m.ResourceKey, Reason: cause.Error()})
		return nil
	}

	attempts := m.Attempts + 1
	if attempts >= e.cfg.MaxAttempts {
		return e.onTerminal(ctx, logger, m, fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, cause), "exhausted", res)
	}

	retryAt := e.cfg.Now().Add(e.backoffDelay(attempts))
	if err := e.cfg.Queue.MarkFailed(ctx, m.ID, retryAt, cause); err != nil {
		return fmt.Errorf("marking %s failed: %w", m.ID, err)
	}

	telemetry.RecordMutationSent(ctx, m.Kind, "retry")
	res.add(func(r *RunResult) { r.Retried++ })
	logger.Warn("transient failure, retry scheduled", "attempts", attempts, "retry_at", retryAt, "error", cause)
	e.emit(Event{Type: EventRetryScheduled, MutationID: m.ID, Kind: m.Kind, ResourceKey: m.ResourceKey, Reason: cause.Error(), RetryAt: retryAt})
	return nil
}

func (e *Engine) onTerminal(ctx context.Context, logger *slog.Logger, m queue.Mutation, reason, outcome string, res *runState) error {
	if err := e.cfg.Queue.MarkConflict(ctx, m.ID, reason); err != nil {
		return fmt.Errorf("marking %s conflicting: %w", m.ID, err)
	}
	if _, err := e.cfg.Snapshots.MarkConflict(ctx, m.Kind, m.ResourceKey, reason); err != nil {
		logger.Warn("failed to flag snapshot conflict", "error", err)
	}

	telemetry.RecordMutationSent(ctx, m.Kind, outcome)
	res.add(func(r *RunResult) { r.Conflicts++ })
	logger.Warn("mutation needs resolution", "reason", reason)
	e.emit(Event{Type: EventConflict, MutationID: m.ID, Kind: m.Kind, ResourceKey: m.ResourceKey, Reason: reason})
	return nil
}

// backoffDelay returns the jittered exponential delay before attempt n+1.
func (e *Engine) backoffDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	var d time.Duration
	for range attempts {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = e.cfg.InitialBackoff
	}
	return d
}

// scheduleRetry arms a timer that triggers a drain when the earliest
// backoff-delayed mutation becomes due.
func (e *Engine) scheduleRetry() {
	now := e.cfg.Now()
	at, ok := e.cfg.Queue.NextRetryAt(now)
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.suspended {
		return
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(at.Sub(now), e.Trigger)
	e.logger.Debug("retry scheduled", "at", at)
}

func (e *Engine) stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

func (e *Engine) updateCounts(ctx context.Context) {
	stats := e.cfg.Queue.Stats()
	if err := e.cfg.State.SetCounts(ctx, stats.Pending+stats.InFlight, stats.Failed); err != nil {
		e.logger.Warn("failed to update sync counts", "error", err)
	}
}

func (e *Engine) online() bool {
	return e.cfg.Network == nil || e.cfg.Network.Online()
}

func (e *Engine) emit(ev Event) {
	if e.cfg.OnEvent == nil {
		return
	}
	ev.At = e.cfg.Now()
	e.cfg.OnEvent(ev)
}

// runState accumulates results from concurrent sends.
type runState struct {
	mu     sync.Mutex
	result RunResult
}

func (r *runState) add(f func(*RunResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.result)
}

func (r *runState) interrupt() {
	r.add(func(res *RunResult) { res.Interrupted = true })
}

func (r *runState) interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.Interrupted
}

func (r *runState) snapshot() RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}
