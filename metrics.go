package metrics

import (
	"fmt"
	"sync"

	"github.com/mave-metrics/agent/internal/monitor"
	"github.com/mave-metrics/agent/internal/session"
)

// Metrics monitors one target. The zero value is not usable; create it
// with Agent.New.
type Metrics struct {
	agent    *Agent
	target   Target
	identity Identity
	err      error

	mu   sync.Mutex
	key  string
	sess *session.Session
	norm *monitor.Normalizer
}

// New prepares monitoring of target. Invalid arguments are logged and
// yield an instance whose Monitor does nothing.
func (a *Agent) New(target Target, identity Identity) *Metrics {
	m := &Metrics{agent: a, target: target, identity: identity}
	switch {
	case target == nil, identity.empty():
		m.err = ErrInvalidArguments
	case a.page == nil:
		m.err = fmt.Errorf("%w: agent has no page", ErrInvalidArguments)
	}
	if m.err != nil {
		a.log.Error().Err(m.err).Msg("metrics not created")
	}
	return m
}

// Err reports why the instance is inert, if it is.
func (m *Metrics) Err() error { return m.err }

// Monitor resolves the target, opens its session and starts reporting.
// Failures are logged. Calling it while monitoring does nothing.
func (m *Metrics) Monitor() *Metrics {
	if m.err != nil {
		m.agent.log.Error().Err(m.err).Msg("monitor ignored")
		return m
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.norm != nil {
		return m
	}

	a := m.agent
	el, eng := m.target.resolve(a.page)
	if el == nil {
		a.log.Error().Err(ErrTargetUnresolved).Msgf("%s is not a valid reference to a media element", m.target)
		return m
	}

	key := el.ID()
	if !a.claim(key, m) {
		a.log.Warn().Str("element", key).Msg("element already monitored")
		return m
	}

	sess := a.registry.Start(key, session.JoinParams{
		Identifier:  m.identity.Identifier,
		Metadata:    m.identity.Metadata,
		SessionData: m.identity.SessionData,
		SourceURL:   a.page.Location(),
		Key:         a.apiKey(),
	})

	opts := monitor.FromConfig(a.cfg.Normalizer, a.cfg.Collector.PushTimeout)
	logger := a.log.With().Str("component", "normalizer").Str("session", sess.ID).Logger()
	opts.Logger = &logger
	norm := monitor.NewNormalizer(sess.Channel, a.page, opts)
	if err := norm.Attach(el, eng); err != nil {
		a.registry.Stop(key)
		a.release(key, m)
		return m
	}

	m.key = key
	m.sess = sess
	m.norm = norm
	a.log.Info().Str("session", sess.ID).Str("target", m.target.String()).Msg("monitoring started")
	return m
}

// Demonitor stops reporting and closes the session. Monitor may be called
// again afterwards, which opens a new session.
func (m *Metrics) Demonitor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.norm == nil {
		return
	}

	m.norm.Detach()
	m.agent.registry.Stop(m.key)
	m.agent.release(m.key, m)
	m.agent.log.Info().Str("session", m.sess.ID).Msg("monitoring stopped")

	m.norm = nil
	m.sess = nil
	m.key = ""
}

func (m *Metrics) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.norm != nil
}

// SessionID is empty when not monitoring.
func (m *Metrics) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.ID
}
