// Package collector owns the agent's single connection to the collection
// backend and hands out session channels on it.
package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/mave-metrics/agent/internal/config"
	"github.com/mave-metrics/agent/internal/logging"
	"github.com/mave-metrics/agent/internal/metrics"
	"github.com/mave-metrics/agent/internal/phoenix"
	"github.com/mave-metrics/agent/internal/session"
)

// AgentName prefixes the agent string sent when connecting.
const AgentName = "mave-metrics-go"

type Option func(*Client)

// WithSourceURL sets the page URL announced when connecting.
func WithSourceURL(u string) Option {
	return func(c *Client) { c.sourceURL = u }
}

func WithDelivery(d *metrics.Delivery) Option {
	return func(c *Client) { c.delivery = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithPlatform overrides how the agent string is built.
func WithPlatform(fn func() string) Option {
	return func(c *Client) { c.platform = fn }
}

// Client lazily opens one socket and multiplexes session channels on it.
type Client struct {
	cfg       config.Collector
	sourceURL string
	log       zerolog.Logger
	delivery  *metrics.Delivery
	dialer    *websocket.Dialer
	platform  func() string
	health    *deliveryHealth

	mu         sync.Mutex
	socket     *phoenix.Socket
	channels   map[string]*channel
	warnedKey  bool
	warnedPath bool
}

func New(cfg config.Collector, opts ...Option) *Client {
	c := &Client{
		cfg:      cfg,
		log:      logging.Component("collector"),
		platform: hostPlatform,
		health:   newDeliveryHealth(),
		channels: make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// hostPlatform describes the host, e.g. "mave-metrics-go (linux; ubuntu 22.04)".
// Empty if the host cannot be inspected.
func hostPlatform() string {
	info, err := host.Info()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s (%s; %s %s)", AgentName, info.OS, info.Platform, info.PlatformVersion)
}

// Configure sets the API key and socket path. It only has an effect before
// the first connection.
func (c *Client) Configure(apiKey, socketPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socket != nil {
		c.log.Warn().Msg("collector already connected, configuration ignored")
		return
	}
	c.cfg.APIKey = apiKey
	c.cfg.SocketPath = socketPath
}

// APIKey returns the configured API key, empty if none was given.
func (c *Client) APIKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.APIKey
}

// Connect returns the shared socket, creating and connecting it on first
// use. Missing configuration is replaced by defaults and reported once per
// Client, even across Close.
func (c *Client) Connect() *phoenix.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() *phoenix.Socket {
	if c.socket != nil {
		return c.socket
	}

	if c.cfg.APIKey == "" && !c.warnedKey {
		c.warnedKey = true
		c.log.Warn().Msg("apiKey not set, call Configure before monitoring")
	}
	socketPath := c.cfg.SocketPath
	if socketPath == "" {
		if !c.warnedPath {
			c.warnedPath = true
			c.log.Warn().Str("default", config.DefaultSocketPath).Msg("socketPath not set, using default")
		}
		socketPath = config.DefaultSocketPath
	}

	params := map[string]string{
		"source_url": c.sourceURL,
		"key":        c.cfg.APIKey,
	}
	if agent := c.platform(); agent != "" {
		params["agent"] = agent
	}

	opts := []phoenix.Option{
		phoenix.WithParams(params),
		phoenix.WithReconnectAfter(c.cfg.RetryAfter),
		phoenix.WithRejoinAfter(c.cfg.RetryAfter),
		phoenix.WithHeartbeat(c.cfg.HeartbeatInterval),
		phoenix.WithJoinTimeout(c.cfg.JoinTimeout),
		phoenix.WithMaxPending(c.cfg.MaxPendingPushes),
		phoenix.WithLogger(c.log),
		phoenix.WithPushObserver(c.onPush),
		phoenix.WithOnOpen(c.onOpen),
		phoenix.WithOnDialError(c.onDialError),
	}
	if c.dialer != nil {
		opts = append(opts, phoenix.WithDialer(c.dialer))
	}

	c.socket = phoenix.NewSocket(socketPath, opts...)
	if err := c.socket.Connect(); err != nil {
		c.log.Error().Err(err).Str("socket_path", socketPath).Msg("collector connect failed")
	}
	return c.socket
}

// Channel returns the session channel for topic, connecting first if
// needed. The same topic yields the same channel until it is left.
func (c *Client) Channel(topic string, params map[string]any) session.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[topic]; ok {
		return ch
	}
	s := c.connectLocked()
	ch := &channel{client: c, ch: s.Channel(topic, params), timeout: c.cfg.PushTimeout}
	c.channels[topic] = ch
	return ch
}

// Status reports the current delivery health.
func (c *Client) Status() Status {
	return c.health.status(c.threshold())
}

// Close disconnects. A later Connect opens a new socket.
func (c *Client) Close() {
	c.mu.Lock()
	s := c.socket
	c.socket = nil
	chans := c.channels
	c.channels = make(map[string]*channel)
	c.mu.Unlock()

	for _, ch := range chans {
		ch.Leave()
	}
	if s != nil {
		s.Disconnect()
	}
}

func (c *Client) forget(ch *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.Topic()] == ch {
		delete(c.channels, ch.Topic())
	}
}

func (c *Client) threshold() int {
	if c.cfg.HealthThreshold <= 0 {
		return 1
	}
	return c.cfg.HealthThreshold
}

func (c *Client) onPush(r phoenix.PushResult) {
	c.delivery.RecordPush(r.Event, string(r.Status), r.Elapsed)
	switch r.Status {
	case phoenix.StatusOK:
		c.health.recordAck(r.Topic)
	case phoenix.StatusTimeout:
		c.log.Debug().Str("topic", r.Topic).Str("event", r.Event).Dur("elapsed", r.Elapsed).Msg("push timed out")
		c.health.recordTimeout(r.Topic)
	case phoenix.StatusDropped:
		c.log.Debug().Str("topic", r.Topic).Str("event", r.Event).Msg("push dropped")
	}
	c.checkHealth()
}

func (c *Client) onOpen(connects int) {
	c.delivery.RecordConnect()
	c.health.recordConnectSuccess()
	if connects > 1 {
		c.log.Info().Int("connects", connects).Msg("collector reconnected")
	}
	c.checkHealth()
}

func (c *Client) onDialError(err error) {
	c.delivery.RecordConnectFailure()
	c.health.recordConnectFailure(err)
	c.checkHealth()
}

// checkHealth logs once per status change.
func (c *Client) checkHealth() {
	status, degraded, lastErr, changed := c.health.snapshotAndEmit(c.threshold())
	c.delivery.SetDegradedChannels(degraded)
	if !changed {
		return
	}
	var ev *zerolog.Event
	if status == StatusHealthy {
		ev = c.log.Info()
	} else {
		ev = c.log.Warn()
	}
	ev = ev.Str("status", string(status)).Int("degraded_channels", degraded)
	if lastErr != "" {
		ev = ev.Str("last_error", lastErr)
	}
	ev.Msg("collector delivery health changed")
}

// channel adapts a phoenix channel to session.Channel.
type channel struct {
	client  *Client
	ch      *phoenix.Channel
	timeout time.Duration

	mu     sync.Mutex
	joined bool
}

func (c *channel) Topic() string { return c.ch.Topic() }

func (c *channel) Join() {
	c.mu.Lock()
	if !c.joined {
		c.joined = true
		c.client.delivery.ChannelOpened()
	}
	c.mu.Unlock()
	c.ch.Join()
}

func (c *channel) Leave() {
	c.mu.Lock()
	if c.joined {
		c.joined = false
		c.client.delivery.ChannelClosed()
	}
	c.mu.Unlock()
	c.ch.Leave()
	c.client.health.removeTopic(c.Topic())
	c.client.forget(c)
}

// Push does not wait for the acknowledgement; its outcome reaches the
// client's push observer. Zero timeout uses the configured push timeout.
func (c *channel) Push(event string, payload any, timeout time.Duration) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.ch.Push(event, payload, timeout)
}
