// Package phoenix is a client for Phoenix channels (serializer v2) over a
// gorilla websocket: one Socket multiplexes any number of joinable
// Channels, each pushing events that the server acknowledges with replies.
package phoenix

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// Version is the serializer version announced in the endpoint URL.
const Version = "2.0.0"

// Reserved events and topics.
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventError     = "phx_error"
	EventClose     = "phx_close"
	EventHeartbeat = "heartbeat"

	TopicPhoenix = "phoenix"
)

// Status is the outcome of a push.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
	// StatusDropped means the push never reached the wire: it was evicted
	// from the pending buffer, the write queue was full or the channel was
	// left.
	StatusDropped Status = "dropped"
)

var (
	ErrTimeout  = errors.New("phoenix: push timed out")
	ErrRejected = errors.New("phoenix: push rejected")
	ErrDropped  = errors.New("phoenix: push dropped")
)

// Message is one frame: [join_ref, ref, topic, event, payload].
// Empty refs are encoded as null.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload json.RawMessage
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{nullable(m.JoinRef), nullable(m.Ref), m.Topic, m.Event, payload})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	if len(parts) != 5 {
		return fmt.Errorf("decode frame: want 5 elements, got %d", len(parts))
	}
	var joinRef, ref *string
	if err := json.Unmarshal(parts[0], &joinRef); err != nil {
		return fmt.Errorf("decode join_ref: %w", err)
	}
	if err := json.Unmarshal(parts[1], &ref); err != nil {
		return fmt.Errorf("decode ref: %w", err)
	}
	if err := json.Unmarshal(parts[2], &m.Topic); err != nil {
		return fmt.Errorf("decode topic: %w", err)
	}
	if err := json.Unmarshal(parts[3], &m.Event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	m.JoinRef, m.Ref = "", ""
	if joinRef != nil {
		m.JoinRef = *joinRef
	}
	if ref != nil {
		m.Ref = *ref
	}
	m.Payload = parts[4]
	return nil
}

// Encode builds a frame with payload marshalled to JSON.
func Encode(joinRef, ref, topic, event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Message{JoinRef: joinRef, Ref: ref, Topic: topic, Event: event, Payload: raw})
}

// Reply is the payload of a phx_reply frame.
type Reply struct {
	Status   Status          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// EndpointURL turns a socket path such as ws://host/socket into the
// websocket transport URL with params and the serializer version.
func EndpointURL(socketPath string, params map[string]string) (string, error) {
	u, err := url.Parse(socketPath)
	if err != nil {
		return "", fmt.Errorf("parse socket path: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("socket path %q: unsupported scheme %q", socketPath, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/websocket"

	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vsn", Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
