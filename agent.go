// Package metrics monitors media playback and reports it to a collection
// backend.
//
// An Agent owns the connection and the sessions of one page:
//
//	agent := metrics.NewAgent(page)
//	agent.Configure(apiKey, "wss://collector.example.com/socket")
//	m := agent.New(metrics.Selector("#video"), metrics.WithMetadata(meta)).Monitor()
//	defer m.Demonitor()
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/mave-metrics/agent/internal/collector"
	"github.com/mave-metrics/agent/internal/config"
	"github.com/mave-metrics/agent/internal/ident"
	"github.com/mave-metrics/agent/internal/logging"
	delivery "github.com/mave-metrics/agent/internal/metrics"
	"github.com/mave-metrics/agent/internal/session"
	"github.com/mave-metrics/agent/media"
)

var (
	// ErrTargetUnresolved is logged when Monitor cannot find a media element.
	ErrTargetUnresolved = errors.New("target is not a valid reference to a media element")
	// ErrInvalidArguments is returned by Err for an instance that cannot monitor.
	ErrInvalidArguments = errors.New("metrics requires a target and an identifier or metadata")
)

type agentOptions struct {
	cfg       *config.Config
	transport session.Transport
	gen       ident.Generator
	reg       prometheus.Registerer
	logger    *zerolog.Logger
}

type AgentOption func(*agentOptions)

// WithConfig replaces config.Default().
func WithConfig(cfg *config.Config) AgentOption {
	return func(o *agentOptions) { o.cfg = cfg }
}

// WithTransport opens session channels on t instead of the collector
// connection. Configure has no effect then.
func WithTransport(t session.Transport) AgentOption {
	return func(o *agentOptions) { o.transport = t }
}

func WithIDGenerator(gen ident.Generator) AgentOption {
	return func(o *agentOptions) { o.gen = gen }
}

// WithRegisterer exports delivery metrics on reg.
func WithRegisterer(reg prometheus.Registerer) AgentOption {
	return func(o *agentOptions) { o.reg = reg }
}

func WithLogger(l zerolog.Logger) AgentOption {
	return func(o *agentOptions) { o.logger = &l }
}

// Agent monitors the media of one page over a single shared connection.
type Agent struct {
	page     media.Page
	cfg      *config.Config
	log      zerolog.Logger
	client   *collector.Client
	registry *session.Registry

	mu       sync.Mutex
	monitors map[string]*Metrics // keyed by element id
}

func NewAgent(page media.Page, opts ...AgentOption) *Agent {
	o := agentOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}

	a := &Agent{
		page:     page,
		cfg:      o.cfg,
		monitors: make(map[string]*Metrics),
	}
	if o.logger != nil {
		a.log = *o.logger
	} else {
		a.log = logging.Component("agent")
	}

	transport := o.transport
	if transport == nil {
		var sourceURL string
		if page != nil {
			sourceURL = page.Location()
		}
		a.client = collector.New(o.cfg.Collector,
			collector.WithSourceURL(sourceURL),
			collector.WithDelivery(delivery.New(o.reg)),
			collector.WithLogger(a.log.With().Str("component", "collector").Logger()),
		)
		transport = a.client
	}
	a.registry = session.NewRegistry(transport, o.gen)
	return a
}

// Configure sets the collector API key and socket path. It must be called
// before the first Monitor; later calls are ignored with a warning.
func (a *Agent) Configure(apiKey, socketPath string) {
	if a.client == nil {
		a.log.Warn().Msg("custom transport in use, configuration ignored")
		return
	}
	a.client.Configure(apiKey, socketPath)
}

// apiKey is sent as the key of every session join.
func (a *Agent) apiKey() string {
	if a.client != nil {
		return a.client.APIKey()
	}
	return a.cfg.Collector.APIKey
}

// Sessions returns the number of open sessions.
func (a *Agent) Sessions() int {
	return a.registry.Len()
}

// Close stops every monitor and disconnects.
func (a *Agent) Close() {
	a.mu.Lock()
	active := make([]*Metrics, 0, len(a.monitors))
	for _, m := range a.monitors {
		active = append(active, m)
	}
	a.mu.Unlock()

	for _, m := range active {
		m.Demonitor()
	}
	if a.client != nil {
		a.client.Close()
	}
}

// claim records m as the monitor of key. It reports false if another
// instance already monitors it.
func (a *Agent) claim(key string, m *Metrics) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if other, ok := a.monitors[key]; ok && other != m {
		return false
	}
	a.monitors[key] = m
	return true
}

func (a *Agent) release(key string, m *Metrics) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.monitors[key] == m {
		delete(a.monitors, key)
	}
}
