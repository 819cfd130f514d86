// Package netstatus tracks connectivity and connection quality.
//
// Raw observations come from the host application (Report) and from periodic
// HTTP probes (Run, Observe). Transitions are debounced: a change is published
// only once the new state has held for the debounce window, so a flapping
// link does not cause redundant drains. Quality is a hint derived from a
// latency moving average and is never used as a correctness gate.
package netstatus

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wolfeidau/progress-sync/telemetry"
)

// Quality is an approximate classification of the connection.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityPoor    Quality = "poor"
)

const (
	// ewmaWeight is the weight of the newest latency sample.
	ewmaWeight = 0.3

	subscriberBuffer = 8
)

// Event is a published connectivity transition.
type Event struct {
	Online  bool
	Quality Quality
	At      time.Time
}

// Config configures a Monitor.
type Config struct {
	// ProbeURL is requested periodically by Run. Any HTTP response counts as
	// online; transport errors and timeouts count as offline.
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Debounce is how long a new state must hold before it is published.
	Debounce time.Duration

	// PoorLatency is the average probe latency above which quality is poor.
	PoorLatency time.Duration

	// InitiallyOnline is the state before the first transition.
	InitiallyOnline bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Monitor publishes debounced connectivity transitions.
type Monitor struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu       sync.Mutex
	online   bool // published state
	observed bool // latest raw observation
	gen      uint64
	timer    *time.Timer
	ewma     time.Duration
	samples  int
	subs     map[int]chan Event
	nextSub  int
	closed   bool
}

// New creates a Monitor. Zero config values are replaced with defaults.
func New(cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.PoorLatency <= 0 {
		cfg.PoorLatency = 1500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "probe")}
	}

	return &Monitor{
		cfg:      cfg,
		client:   client,
		logger:   cfg.Logger.With("component", "netstatus"),
		online:   cfg.InitiallyOnline,
		observed: cfg.InitiallyOnline,
		subs:     make(map[int]chan Event),
	}
}

// Online returns the published connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Quality returns the current quality hint.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality()
}

// quality must be called with mu held.
func (m *Monitor) quality() Quality {
	switch {
	case !m.online || m.samples == 0:
		return QualityUnknown
	case m.ewma > m.cfg.PoorLatency:
		return QualityPoor
	default:
		return QualityGood
	}
}

// Report records a raw connectivity observation from the host application.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.observed = online
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	// Flapped back to the published state inside the window.
	if online == m.online {
		return
	}

	if m.cfg.Debounce <= 0 {
		m.publish()
		return
	}

	gen := m.gen
	m.timer = time.AfterFunc(m.cfg.Debounce, func() {
		m.settle(gen)
	})
}

// Observe records a probe sample. A nil error is an online observation
// whose latency feeds the quality average.
func (m *Monitor) Observe(latency time.Duration, err error) {
	if err != nil {
		m.Report(false)
		return
	}

	m.mu.Lock()
	if m.samples == 0 {
		m.ewma = latency
	} else {
		m.ewma = time.Duration(ewmaWeight*float64(latency) + (1-ewmaWeight)*float64(m.ewma))
	}
	m.samples++
	m.mu.Unlock()

	m.Report(true)
}

func (m *Monitor) settle(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.closed {
		return
	}
	m.timer = nil
	if m.observed != m.online {
		m.publish()
	}
}

// publish must be called with mu held.
func (m *Monitor) publish() {
	m.online = m.observed
	ev := Event{Online: m.online, Quality: m.quality(), At: time.Now()}

	m.logger.Info("connectivity changed", "online", ev.Online, "quality", ev.Quality)
	telemetry.RecordConnectivityTransition(context.Background(), ev.Online)

	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// Drop the oldest so the latest state always arrives.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
}

// Run probes ProbeURL every ProbeInterval until ctx is cancelled. It does
// nothing when no ProbeURL is configured.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.ProbeURL == "" {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.logger.Debug("probe started", "url", m.cfg.ProbeURL, "interval", m.cfg.ProbeInterval)

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("probe stopped")
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe performs one probe request and records the sample.
func (m *Monitor) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.cfg.ProbeURL, nil)
	if err != nil {
		m.logger.Error("invalid probe request", "url", m.cfg.ProbeURL, "error", err)
		return
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		// Shutting down is not an offline observation.
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		m.logger.Debug("probe failed", "error", err)
		m.Observe(latency, err)
		return
	}
	_ = resp.Body.Close()

	m.Observe(latency, nil)
}

// Close stops any pending debounce timer. Further reports are ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
