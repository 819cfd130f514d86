// Package refresh deduplicates concurrent network fetches of the same cached
// resource. When several requests need the same resource refreshed, only one
// fetch is performed and its result is shared.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Result holds a fetched response.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// FetchFunc fetches a resource from the network and stores it in the cache.
// The context passed to FetchFunc is detached from any single request so that
// one caller giving up does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Refresher deduplicates fetches for the same cache key using singleflight.
// It uses DoChan so each caller can respect its own context deadline without
// cancelling the in-flight fetch for others.
type Refresher struct {
	group  singleflight.Group
	logger *slog.Logger
	wg     sync.WaitGroup
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithLogger sets the logger for the refresher.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Refresher) {
		r.logger = logger
	}
}

// New creates a new Refresher.
func New(opts ...Option) *Refresher {
	r := &Refresher{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (r *Refresher) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := r.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Background refreshes key without waiting for the result. A refresh already
// running for key absorbs this one. Failures are logged; the cached value
// stays in place.
func (r *Refresher) Background(ctx context.Context, key string, fn FetchFunc) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, _, err := r.Do(context.WithoutCancel(ctx), key, fn); err != nil {
			r.logger.Debug("background refresh failed", "key", key, "error", err)
			r.forgetOnError(key, err)
		}
	}()
}

// Wait blocks until all background refreshes have finished.
func (r *Refresher) Wait() {
	r.wg.Wait()
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a fetch error.
func (r *Refresher) Forget(key string) {
	r.group.Forget(key)
}

// forgetOnError forgets key after a real fetch failure. A caller that merely
// timed out leaves the in-flight fetch for the remaining waiters.
func (r *Refresher) forgetOnError(key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	r.group.Forget(key)
}
