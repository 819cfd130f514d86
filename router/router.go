// Package router classifies outgoing requests into caching strategies using
// an explicit route table.
package router

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

// Strategy is how a request is served.
type Strategy string

const (
	// CacheFirst serves a fresh cached value and refreshes it in the background.
	CacheFirst Strategy = "cache-first"
	// NetworkFirst tries the network and falls back to the last cached value.
	NetworkFirst Strategy = "network-first"
	// NetworkOnly always goes to the network; responses are not cached.
	NetworkOnly Strategy = "network-only"
	// NeverCache always goes to the network and is never persisted.
	NeverCache Strategy = "never-cache"
	// QueueWrite sends a write when online and diverts it to the sync queue
	// when offline or when the send fails transiently.
	QueueWrite Strategy = "queue-write"
)

// Source selects where cached values for a rule live.
type Source string

const (
	// SourceCache stores raw responses in the rule's namespace.
	SourceCache Source = "cache"
	// SourceSnapshot serves progress snapshots keyed by {kind} and {key}.
	SourceSnapshot Source = "snapshot"
)

var ErrInvalidRule = errors.New("router: invalid rule")

// precedence is the evaluation order of the rule groups.
var precedence = []Strategy{NeverCache, QueueWrite, CacheFirst, NetworkFirst}

// Rule is one route table row.
type Rule struct {
	Name    string   `yaml:"name"`
	Pattern string   `yaml:"pattern"`
	Methods []string `yaml:"methods,omitempty"`

	Strategy Strategy `yaml:"strategy"`

	// Namespace is the store namespace for cached responses.
	Namespace string        `yaml:"namespace,omitempty"`
	TTL       time.Duration `yaml:"ttl,omitempty"`
	Source    Source        `yaml:"source,omitempty"`

	// Kinds whitelists the {kind} values a queue-write rule accepts.
	Kinds []string `yaml:"kinds,omitempty"`
}

// Table is an ordered list of rules.
type Table struct {
	Rules []Rule `yaml:"rules"`
}

//go:embed default_routes.yaml
var defaultRoutes []byte

// DefaultTable returns the route table of the onboarding API.
func DefaultTable() Table {
	t, err := LoadTable(bytes.NewReader(defaultRoutes))
	if err != nil {
		panic(fmt.Sprintf("router: embedded table: %v", err))
	}
	return t
}

// LoadTable decodes a YAML route table.
func LoadTable(r io.Reader) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("decoding route table: %w", err)
	}
	return t, nil
}

// LoadTableFile reads a YAML route table from path.
func LoadTableFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("opening route table: %w", err)
	}
	defer f.Close()
	return LoadTable(f)
}

// Request describes an outgoing request.
type Request struct {
	Method string
	Path   string

	// NeverCache marks a request the caller knows must not be cached.
	NeverCache bool
}

// Decision is the outcome of routing a request.
type Decision struct {
	Strategy Strategy

	// Rule is the matched row; nil when no rule matched.
	Rule *Rule

	// Kind and Key are the {kind} and {key} URL parameters, if present.
	Kind string
	Key  string
}

// Namespace returns the store namespace of the matched rule.
func (d Decision) Namespace() string {
	if d.Rule == nil {
		return ""
	}
	return d.Rule.Namespace
}

// Cacheable reports whether responses may be persisted.
func (d Decision) Cacheable() bool {
	return d.Strategy == CacheFirst || d.Strategy == NetworkFirst
}

type compiledRule struct {
	rule Rule
	mux  *chi.Mux
}

// Router is a state-free classifier over a compiled Table. It is safe for
// concurrent use.
type Router struct {
	groups map[Strategy][]compiledRule
}

// New compiles a table into a Router.
func New(t Table) (*Router, error) {
	r := &Router{groups: make(map[Strategy][]compiledRule)}
	for i, rule := range t.Rules {
		cr, err := compile(rule)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rule.Name, err)
		}
		r.groups[rule.Strategy] = append(r.groups[rule.Strategy], cr)
	}
	return r, nil
}

// Must is like New but panics on error.
func Must(t Table) *Router {
	r, err := New(t)
	if err != nil {
		panic(err)
	}
	return r
}

func compile(rule Rule) (cr compiledRule, err error) {
	switch rule.Strategy {
	case CacheFirst, NetworkFirst, NeverCache, NetworkOnly, QueueWrite:
	default:
		return cr, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRule, rule.Strategy)
	}
	if !strings.HasPrefix(rule.Pattern, "/") {
		return cr, fmt.Errorf("%w: pattern %q must begin with /", ErrInvalidRule, rule.Pattern)
	}
	if rule.Strategy == QueueWrite && len(rule.Kinds) == 0 {
		return cr, fmt.Errorf("%w: queue-write rule needs kinds", ErrInvalidRule)
	}
	if rule.Source == "" {
		rule.Source = SourceCache
	}
	if rule.Source == SourceCache && (rule.Strategy == CacheFirst || rule.Strategy == NetworkFirst) && rule.Namespace == "" {
		return cr, fmt.Errorf("%w: cached rule needs a namespace", ErrInvalidRule)
	}

	methods := slices.Clone(rule.Methods)
	if len(methods) == 0 {
		methods = defaultMethods(rule.Strategy)
	}
	for i, m := range methods {
		methods[i] = strings.ToUpper(m)
	}
	rule.Methods = methods

	// chi panics on malformed patterns.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidRule, p)
		}
	}()

	mux := chi.NewRouter()
	for _, m := range methods {
		mux.Method(m, rule.Pattern, http.NotFoundHandler())
	}
	return compiledRule{rule: rule, mux: mux}, nil
}

func defaultMethods(s Strategy) []string {
	switch s {
	case CacheFirst, NetworkFirst:
		return []string{http.MethodGet, http.MethodHead}
	case QueueWrite:
		return []string{http.MethodPost}
	default:
		return []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		}
	}
}

// Idempotent reports whether method is a safe read.
func Idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Route classifies a request. Evaluation order:
//  1. flagged or never-cache table match: NeverCache
//  2. write to a whitelisted kind: QueueWrite
//  3. read on the critical allowlist: CacheFirst
//  4. read on a dynamic route: NetworkFirst
//  5. otherwise NetworkOnly
func (r *Router) Route(req Request) Decision {
	method := strings.ToUpper(req.Method)

	if req.NeverCache {
		return Decision{Strategy: NeverCache}
	}

	for _, strategy := range precedence {
		switch strategy {
		case QueueWrite:
			if Idempotent(method) {
				continue
			}
		case CacheFirst, NetworkFirst:
			if !Idempotent(method) || method == http.MethodOptions {
				continue
			}
		}

		for i := range r.groups[strategy] {
			cr := &r.groups[strategy][i]
			rctx := chi.NewRouteContext()
			if !cr.mux.Match(rctx, method, req.Path) {
				continue
			}
			d := Decision{
				Strategy: strategy,
				Rule:     &cr.rule,
				Kind:     rctx.URLParam("kind"),
				Key:      rctx.URLParam("key"),
			}
			if strategy == QueueWrite && !slices.Contains(cr.rule.Kinds, d.Kind) {
				continue
			}
			return d
		}
	}

	for i := range r.groups[NetworkOnly] {
		cr := &r.groups[NetworkOnly][i]
		rctx := chi.NewRouteContext()
		if cr.mux.Match(rctx, method, req.Path) {
			return Decision{Strategy: NetworkOnly, Rule: &cr.rule, Kind: rctx.URLParam("kind"), Key: rctx.URLParam("key")}
		}
	}
	return Decision{Strategy: NetworkOnly}
}
