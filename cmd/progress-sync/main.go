// Command progress-sync is an offline-first sync host for onboarding progress.
//
// It runs a local HTTP endpoint that proxies the progress API through a
// caching, queueing interceptor and reconciles queued writes in the
// background whenever connectivity returns.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/progress-sync/remote"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"PROGRESS_SYNC_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" enum:"text,json" env:"PROGRESS_SYNC_LOG_FORMAT"`

	logger *slog.Logger
}

type cli struct {
	Globals

	Run    RunCmd    `cmd:"" default:"withargs" help:"Run the sync host."`
	Stub   StubCmd   `cmd:"" help:"Run an in-memory progress API for local development."`
	Status StatusCmd `cmd:"" help:"Print the sync status of a running host."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("progress-sync"),
		kong.Description("Offline-first progress sync host."),
		kong.UsageOnError(),
		kong.Vars{
			"version":  version,
			"upstream": remote.DefaultBaseURL,
		},
	)

	logger, err := newLogger(c.LogFormat, c.LogLevel)
	ctx.FatalIfErrorf(err)
	c.logger = logger
	slog.SetDefault(logger)

	ctx.FatalIfErrorf(ctx.Run(&c.Globals))
}

func newLogger(format, levelName string) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
