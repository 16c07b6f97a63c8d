// Package sessiontest provides in-memory channels and transports for tests.
package sessiontest

import (
	"sync"
	"time"

	"github.com/mave-metrics/agent/internal/session"
)

// Push is one recorded push.
type Push struct {
	Event   string
	Payload any
	Timeout time.Duration
}

// Channel records joins, leaves and pushes.
type Channel struct {
	topic  string
	Params map[string]any

	mu     sync.Mutex
	joins  int
	leaves int
	pushes []Push
}

func NewChannel(topic string, params map[string]any) *Channel {
	return &Channel{topic: topic, Params: params}
}

func (c *Channel) Topic() string { return c.topic }

func (c *Channel) Join() {
	c.mu.Lock()
	c.joins++
	c.mu.Unlock()
}

func (c *Channel) Leave() {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
}

func (c *Channel) Push(event string, payload any, timeout time.Duration) {
	c.mu.Lock()
	c.pushes = append(c.pushes, Push{Event: event, Payload: payload, Timeout: timeout})
	c.mu.Unlock()
}

func (c *Channel) Joins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

func (c *Channel) Leaves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaves
}

func (c *Channel) Pushes() []Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Push(nil), c.pushes...)
}

// Events returns the pushed normalized events in order.
func (c *Channel) Events() []session.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]session.Event, 0, len(c.pushes))
	for _, p := range c.pushes {
		if ev, ok := p.Payload.(session.Event); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Names returns the names of the pushed events in order.
func (c *Channel) Names() []session.EventName {
	events := c.Events()
	names := make([]session.EventName, len(events))
	for i, ev := range events {
		names[i] = ev.Name
	}
	return names
}

// Reset forgets recorded pushes.
func (c *Channel) Reset() {
	c.mu.Lock()
	c.pushes = nil
	c.mu.Unlock()
}

// Transport hands out recording channels, one per topic.
type Transport struct {
	mu       sync.Mutex
	channels map[string]*Channel
	order    []string
}

func NewTransport() *Transport {
	return &Transport{channels: make(map[string]*Channel)}
}

func (t *Transport) Channel(topic string, params map[string]any) session.Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.channels[topic]; ok {
		return ch
	}
	ch := NewChannel(topic, params)
	t.channels[topic] = ch
	t.order = append(t.order, topic)
	return ch
}

// Lookup returns the channel opened for topic.
func (t *Transport) Lookup(topic string) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[topic]
	return ch, ok
}

// Opened returns the topics in the order they were opened.
func (t *Transport) Opened() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.order...)
}
