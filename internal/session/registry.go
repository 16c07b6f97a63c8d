package session

import (
	"sync"
	"time"

	"github.com/mave-metrics/agent/internal/ident"
)

// Channel is a joinable sub-channel on the shared transport connection.
// Push must not block on delivery.
type Channel interface {
	Topic() string
	Join()
	Leave()
	Push(event string, payload any, timeout time.Duration)
}

// Transport opens sub-channels. Opening the same topic twice returns the
// same channel.
type Transport interface {
	Channel(topic string, params map[string]any) Channel
}

// JoinParams is what a session announces when joining its channel.
type JoinParams struct {
	Identifier  string
	Metadata    map[string]any
	SessionData map[string]any
	SourceURL   string
	Key         string
}

func (p JoinParams) payload() map[string]any {
	return map[string]any{
		"identifier":   p.Identifier,
		"metadata":     p.Metadata,
		"session_data": p.SessionData,
		"source_url":   p.SourceURL,
		"key":          p.Key,
	}
}

// Session is one monitored playback instance and its sub-channel.
type Session struct {
	ID          string
	Identifier  string
	Metadata    map[string]any
	SessionData map[string]any
	SourceURL   string
	CreatedAt   time.Time
	Channel     Channel
}

func (s *Session) Topic() string {
	return ident.Topic(s.ID)
}

// Registry keeps at most one session per element key.
type Registry struct {
	transport Transport
	newID     ident.Generator

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(t Transport, gen ident.Generator) *Registry {
	if gen == nil {
		gen = ident.New
	}
	return &Registry{
		transport: t,
		newID:     gen,
		sessions:  make(map[string]*Session),
	}
}

// Start returns the session for key, opening and joining a new channel if
// there is none yet. The join is not awaited.
func (r *Registry) Start(key string, join JoinParams) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s
	}

	s := &Session{
		ID:          r.newID(),
		Identifier:  join.Identifier,
		Metadata:    join.Metadata,
		SessionData: join.SessionData,
		SourceURL:   join.SourceURL,
		CreatedAt:   time.Now(),
	}
	s.Channel = r.transport.Channel(s.Topic(), join.payload())
	r.sessions[key] = s
	s.Channel.Join()
	return s
}

// Stop leaves and forgets the session for key. It reports whether there was
// one.
func (r *Registry) Stop(key string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()

	if ok {
		s.Channel.Leave()
	}
	return ok
}

func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
