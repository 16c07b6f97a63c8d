package phoenix

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256

	defaultHeartbeat   = 30 * time.Second
	defaultJoinTimeout = 10 * time.Second
)

// defaultRetry mirrors the collector schedule: 1s, 5s, 10s, then 25s.
func defaultRetry(tries int) time.Duration {
	schedule := []time.Duration{time.Second, 5 * time.Second, 10 * time.Second}
	if tries >= 1 && tries <= len(schedule) {
		return schedule[tries-1]
	}
	return 25 * time.Second
}

type Option func(*Socket)

// WithParams sets the query params sent when connecting.
func WithParams(params map[string]string) Option {
	return func(s *Socket) { s.params = params }
}

// WithReconnectAfter sets the delay before reconnect attempt n (1-based).
func WithReconnectAfter(fn func(tries int) time.Duration) Option {
	return func(s *Socket) { s.reconnectAfter = fn }
}

// WithRejoinAfter sets the delay before rejoin attempt n (1-based).
func WithRejoinAfter(fn func(tries int) time.Duration) Option {
	return func(s *Socket) { s.rejoinAfter = fn }
}

func WithHeartbeat(interval time.Duration) Option {
	return func(s *Socket) { s.heartbeat = interval }
}

func WithJoinTimeout(d time.Duration) Option {
	return func(s *Socket) { s.joinTimeout = d }
}

// WithMaxPending bounds the per-channel buffer of pushes waiting for a
// join. Zero means unbounded.
func WithMaxPending(n int) Option {
	return func(s *Socket) { s.maxPending = n }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Socket) { s.dialer = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Socket) { s.log = l }
}

// WithPushObserver receives the outcome of every non-control push.
func WithPushObserver(fn func(PushResult)) Option {
	return func(s *Socket) { s.observer = fn }
}

// WithOnOpen is called after every successful (re)connect with the number
// of connections made so far.
func WithOnOpen(fn func(connects int)) Option {
	return func(s *Socket) { s.onOpen = fn }
}

// WithOnDialError is called for every failed connection attempt.
func WithOnDialError(fn func(error)) Option {
	return func(s *Socket) { s.onDialError = fn }
}

// Socket owns one websocket connection and the channels multiplexed on it.
type Socket struct {
	socketPath     string
	params         map[string]string
	dialer         *websocket.Dialer
	reconnectAfter func(int) time.Duration
	rejoinAfter    func(int) time.Duration
	heartbeat      time.Duration
	joinTimeout    time.Duration
	maxPending     int
	log            zerolog.Logger
	observer       func(PushResult)
	onOpen         func(int)
	onDialError    func(error)

	ref      atomic.Uint64
	connects int

	mu               sync.Mutex
	started          bool
	cancel           context.CancelFunc
	done             chan struct{}
	conn             *websocket.Conn
	out              chan []byte
	pendingHeartbeat string
	channels         map[string]*Channel
}

func NewSocket(socketPath string, opts ...Option) *Socket {
	s := &Socket{
		socketPath:     socketPath,
		dialer:         websocket.DefaultDialer,
		reconnectAfter: defaultRetry,
		rejoinAfter:    defaultRetry,
		heartbeat:      defaultHeartbeat,
		joinTimeout:    defaultJoinTimeout,
		log:            zerolog.Nop(),
		channels:       make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect starts connecting in the background and keeps the connection up,
// reconnecting on the configured schedule, until Disconnect. Calling it
// again while running is a no-op.
func (s *Socket) Connect() error {
	endpoint, err := EndpointURL(s.socketPath, s.params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, endpoint, s.done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. It returns once
// the connection goroutines have exited.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
	done := s.done
	s.mu.Unlock()
	<-done
}

// Channel returns the channel for topic, creating it with params if it
// does not exist yet.
func (s *Socket) Channel(topic string, params map[string]any) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	ch := newChannel(s, topic, params)
	s.channels[topic] = ch
	return ch
}

// Channels returns the number of channels on the socket.
func (s *Socket) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Socket) remove(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
}

func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connected reports whether the socket currently has a live connection.
func (s *Socket) Connected() bool {
	return s.isConnected()
}

// send queues a frame for the writer. It reports false when there is no
// connection or the write queue is full.
func (s *Socket) send(frame []byte) bool {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- frame:
		return true
	default:
		s.log.Warn().Msg("write queue full, dropping frame")
		return false
	}
}

func (s *Socket) observe(r PushResult) {
	if s.observer != nil {
		s.observer(r)
	}
}

func (s *Socket) snapshotChannels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	return chans
}

func (s *Socket) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer close(done)
	for {
		conn, err := s.dial(ctx, endpoint)
		if err != nil {
			return
		}
		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		s.log.Info().Msg("collector connection lost, reconnecting")
	}
}

// schedule adapts a tries → delay function to backoff.BackOff.
type schedule struct {
	after func(int) time.Duration
	tries int
}

func (b *schedule) NextBackOff() time.Duration {
	b.tries++
	return b.after(b.tries)
}

func (b *schedule) Reset() { b.tries = 0 }

func (s *Socket) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	var conn *websocket.Conn
	op := func() error {
		c, _, err := s.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", next).Msg("collector connection failed")
		if s.onDialError != nil {
			s.onDialError(err)
		}
	}
	b := backoff.WithContext(&schedule{after: s.reconnectAfter}, ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, sendBuffer)
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.out = out
	s.pendingHeartbeat = ""
	s.connects++
	connects := s.connects
	s.mu.Unlock()

	s.log.Debug().Int("connects", connects).Msg("collector connected")
	if s.onOpen != nil {
		s.onOpen(connects)
	}

	go s.writePump(connCtx, conn, out)
	go s.heartbeatLoop(connCtx, conn)

	for _, ch := range s.snapshotChannels() {
		ch.socketOpened()
	}

	s.readLoop(conn)

	cancel()
	conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.out = nil
	}
	s.mu.Unlock()

	for _, ch := range s.snapshotChannels() {
		ch.socketClosed()
	}
}

func (s *Socket) writePump(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				conn.Close()
				return
			}
		}
	}
}

// heartbeatLoop sends a heartbeat every interval. A heartbeat still
// unacknowledged at the next tick closes the connection.
func (s *Socket) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			if s.pendingHeartbeat != "" {
				s.pendingHeartbeat = ""
				s.mu.Unlock()
				s.log.Warn().Msg("heartbeat timeout, closing connection")
				conn.Close()
				return
			}
			ref := s.makeRef()
			s.pendingHeartbeat = ref
			s.mu.Unlock()

			frame, err := Encode("", ref, TopicPhoenix, EventHeartbeat, struct{}{})
			if err == nil {
				s.send(frame)
			}
		}
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}

		if msg.Topic == TopicPhoenix {
			s.mu.Lock()
			if msg.Ref != "" && msg.Ref == s.pendingHeartbeat {
				s.pendingHeartbeat = ""
			}
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		ch := s.channels[msg.Topic]
		s.mu.Unlock()
		if ch != nil {
			ch.handle(msg)
		}
	}
}
