// Package credentials resolves the progress API account and local admin token
// from a templated JSON file.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a credentials template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Credentials holds all resolved credential values.
type Credentials struct {
	// AuthToken protects the local admin endpoints. Empty disables auth.
	AuthToken string `json:"auth_token,omitempty"`

	// API is the remote progress API account.
	API *APIAccount `json:"api,omitempty"`
}

// APIAccount identifies the signed-in user to the remote progress API.
type APIAccount struct {
	BaseURL string `json:"base_url,omitempty"`
	Token   string `json:"token,omitempty"`

	// Identity names the account the local data belongs to. A change of
	// identity between runs clears the local store.
	Identity string `json:"identity,omitempty"`
}

// Identity returns the account identity, or "" when no account is set.
func (c *Credentials) Identity() string {
	if c == nil || c.API == nil {
		return ""
	}
	return c.API.Identity
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Credentials.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// WithCommand registers a template function that resolves a reference by
// running argv with the reference appended and reading its standard output,
// for example WithCommand("op", "op", "read") for the 1Password CLI.
func WithCommand(name string, argv ...string) ResolverOption {
	return WithProvider(name, func(ctx context.Context, ref string) (string, error) {
		if len(argv) == 0 {
			return "", fmt.Errorf("no command configured for %q", name)
		}
		cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], ref)...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("%s %q: %s: %w", argv[0], ref, strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}

// NewResolver creates a new credential resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a credentials template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a credentials template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Credentials, error) {
	limited := io.LimitReader(reader, maxInputSize+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading credentials template: %w", err)
	}

	if len(data) > maxInputSize {
		return nil, fmt.Errorf("credentials template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Build template function map with memoization cache.
	cache := make(map[string]string)
	funcMap := r.buildFuncMap(ctx, cache)

	tmpl, err := template.New("credentials").
		Option("missingkey=error").
		Funcs(funcMap).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing credentials template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing credentials template: %w", err)
	}

	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered credentials exceed maximum size of %d bytes", maxOutputSize)
	}

	var creds Credentials
	if err := json.Unmarshal(buf.Bytes(), &creds); err != nil {
		return nil, fmt.Errorf("invalid credentials JSON after template execution: %w", err)
	}

	return &creds, nil
}

// buildFuncMap creates the template function map with built-in and provider functions.
func (r *Resolver) buildFuncMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	// Register provider functions.
	for name, provider := range r.providers {
		fm[name] = r.makeProviderFunc(ctx, name, provider, cache)
	}

	return fm
}

// makeProviderFunc creates a memoized template function for a secret provider.
func (r *Resolver) makeProviderFunc(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}

		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}

		cache[cacheKey] = val
		return val, nil
	}
}
