package collector

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mave-metrics/agent/internal/config"
	"github.com/mave-metrics/agent/internal/logging"
	"github.com/mave-metrics/agent/internal/metrics"
	"github.com/mave-metrics/agent/internal/phoenix"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

// endpoint acknowledges every frame except the events in silent.
type endpoint struct {
	srv    *httptest.Server
	silent map[string]bool

	mu      sync.Mutex
	queries []url.Values
	frames  []phoenix.Message
}

func newEndpoint(t *testing.T, silent ...string) *endpoint {
	t.Helper()
	e := &endpoint{silent: make(map[string]bool)}
	for _, ev := range silent {
		e.silent[ev] = true
	}
	upgrader := websocket.Upgrader{}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		e.mu.Lock()
		e.queries = append(e.queries, r.URL.Query())
		e.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg phoenix.Message
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			e.mu.Lock()
			e.frames = append(e.frames, msg)
			e.mu.Unlock()
			if e.silent[msg.Event] {
				continue
			}
			reply, _ := phoenix.Encode(msg.JoinRef, msg.Ref, msg.Topic, phoenix.EventReply,
				phoenix.Reply{Status: phoenix.StatusOK, Response: json.RawMessage(`{}`)})
			if conn.WriteMessage(websocket.TextMessage, reply) != nil {
				return
			}
		}
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) socketPath() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/socket"
}

func (e *endpoint) events(event string) []phoenix.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []phoenix.Message
	for _, m := range e.frames {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() config.Collector {
	cfg := config.Default().Collector
	cfg.RetrySchedule = []time.Duration{10 * time.Millisecond}
	cfg.RetryCeiling = 10 * time.Millisecond
	return cfg
}

func fixedPlatform() string { return "mave-metrics-go (test)" }

func TestConnectWarnsOnceForMissingConfig(t *testing.T) {
	buf := &syncBuffer{}
	cfg := testConfig()
	cfg.RetrySchedule = []time.Duration{time.Hour}
	c := New(cfg, WithLogger(logging.NewTestLogger(buf)), WithPlatform(fixedPlatform))
	defer c.Close()

	s := c.Connect()
	if c.Connect() != s {
		t.Error("Connect should return the same socket")
	}
	c.Channel("session:a", nil)

	if n := buf.count("apiKey not set"); n != 1 {
		t.Errorf("apiKey warnings = %d, want 1", n)
	}
	if n := buf.count("socketPath not set"); n != 1 {
		t.Errorf("socketPath warnings = %d, want 1", n)
	}
}

func TestMissingConfigWarningsSurviveClose(t *testing.T) {
	buf := &syncBuffer{}
	cfg := testConfig()
	cfg.RetrySchedule = []time.Duration{time.Hour}
	c := New(cfg, WithLogger(logging.NewTestLogger(buf)), WithPlatform(fixedPlatform))

	c.Channel("session:a", nil)
	c.Close()
	c.Channel("session:b", nil)
	c.Close()

	if n := buf.count("apiKey not set"); n != 1 {
		t.Errorf("apiKey warnings = %d, want 1", n)
	}
	if n := buf.count("socketPath not set"); n != 1 {
		t.Errorf("socketPath warnings = %d, want 1", n)
	}
}

func TestAPIKey(t *testing.T) {
	c := New(testConfig(), WithLogger(logging.NewTestLogger(&syncBuffer{})), WithPlatform(fixedPlatform))
	if c.APIKey() != "" {
		t.Errorf("APIKey = %q, want empty", c.APIKey())
	}
	c.Configure("api-secret", "ws://localhost:1/socket")
	if c.APIKey() != "api-secret" {
		t.Errorf("APIKey = %q, want api-secret", c.APIKey())
	}
}

func TestConfigureAfterConnectIsIgnored(t *testing.T) {
	e := newEndpoint(t)
	buf := &syncBuffer{}
	c := New(testConfig(), WithLogger(logging.NewTestLogger(buf)), WithPlatform(fixedPlatform))
	defer c.Close()

	c.Configure("key-1", e.socketPath())
	s := c.Connect()
	c.Configure("key-2", "ws://elsewhere/socket")

	if buf.count("configuration ignored") != 1 {
		t.Error("late Configure should warn")
	}
	waitFor(t, "connection", s.Connected)

	e.mu.Lock()
	q := e.queries[0]
	e.mu.Unlock()
	if q.Get("key") != "key-1" {
		t.Errorf("key = %q, want key-1", q.Get("key"))
	}
}

func TestChannelJoinAndPush(t *testing.T) {
	e := newEndpoint(t)
	reg := prometheus.NewRegistry()
	d := metrics.New(reg)
	c := New(testConfig(),
		WithSourceURL("https://example.com/video"),
		WithDelivery(d),
		WithPlatform(fixedPlatform),
		WithLogger(logging.NewTestLogger(&syncBuffer{})),
	)
	defer c.Close()
	c.Configure("abc", e.socketPath())

	ch := c.Channel("session:1", map[string]any{"key": "el-1"})
	if c.Channel("session:1", nil) != ch {
		t.Error("same topic should yield the same channel")
	}
	ch.Join()
	ch.Push("event", map[string]any{"name": "play", "from": 0}, 0)

	waitFor(t, "event frame", func() bool { return len(e.events("event")) == 1 })

	e.mu.Lock()
	q := e.queries[0]
	e.mu.Unlock()
	want := map[string]string{
		"key":        "abc",
		"source_url": "https://example.com/video",
		"agent":      "mave-metrics-go (test)",
		"vsn":        phoenix.Version,
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
		}
	}

	waitFor(t, "ok push counted", func() bool {
		return pushCount(t, reg, "ok") == 1
	})
	if got := c.Status(); got != StatusHealthy {
		t.Errorf("Status = %q, want healthy", got)
	}

	ch.Leave()
	waitFor(t, "leave frame", func() bool { return len(e.events(phoenix.EventLeave)) == 1 })
	if c.Channel("session:1", nil) == ch {
		t.Error("a left topic should get a new channel")
	}
}

func TestRepeatedTimeoutsDegradeHealth(t *testing.T) {
	e := newEndpoint(t, "event")
	buf := &syncBuffer{}
	cfg := testConfig()
	cfg.HealthThreshold = 2
	c := New(cfg, WithLogger(logging.NewTestLogger(buf)), WithPlatform(fixedPlatform))
	defer c.Close()
	c.Configure("abc", e.socketPath())

	ch := c.Channel("session:t", nil)
	ch.Join()
	ch.Push("event", map[string]any{"name": "play"}, 30*time.Millisecond)
	ch.Push("event", map[string]any{"name": "pause"}, 30*time.Millisecond)

	waitFor(t, "degraded", func() bool { return c.Status() == StatusDegraded })
	waitFor(t, "health change log", func() bool { return buf.count("delivery health changed") == 1 })

	ch.Leave()
	if got := c.Status(); got != StatusHealthy {
		t.Errorf("Status after leave = %q, want healthy", got)
	}
}

func TestCloseLeavesChannels(t *testing.T) {
	e := newEndpoint(t)
	c := New(testConfig(), WithPlatform(fixedPlatform), WithLogger(logging.NewTestLogger(&syncBuffer{})))
	c.Configure("abc", e.socketPath())

	ch := c.Channel("session:c", nil)
	ch.Join()
	s := c.Connect()
	waitFor(t, "join", func() bool { return len(e.events(phoenix.EventJoin)) == 1 })

	c.Close()
	if s.Connected() {
		t.Error("socket still connected after Close")
	}
	if s.Channels() != 0 {
		t.Errorf("Channels() = %d after Close, want 0", s.Channels())
	}
}

// pushCount sums mave_metrics_pushes_total for status.
func pushCount(t *testing.T, reg *prometheus.Registry, status string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != "mave_metrics_pushes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "status" && lp.GetValue() == status {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}
