package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/progress-sync/devserver"
)

// StubCmd runs the in-memory progress API.
type StubCmd struct {
	Listen string        `help:"Address to listen on." default:":8081" env:"PROGRESS_SYNC_STUB_LISTEN"`
	Delay  time.Duration `help:"Artificial latency added to every response."`
}

func (c *StubCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := devserver.New(devserver.WithLogger(g.logger.With("component", "devserver")))
	api.SetDelay(c.Delay)

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	g.logger.Info("progress API stub started", "address", c.Listen)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
