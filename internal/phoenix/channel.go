package phoenix

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
)

type channelState int

const (
	stateClosed channelState = iota
	stateErrored
	stateJoined
	stateJoining
	stateLeaving
)

var channelStateNames = map[channelState]string{
	stateClosed:  "closed",
	stateErrored: "errored",
	stateJoined:  "joined",
	stateJoining: "joining",
	stateLeaving: "leaving",
}

func (s channelState) String() string {
	if n, ok := channelStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Channel is one topic multiplexed over a Socket.
type Channel struct {
	socket *Socket
	topic  string
	params map[string]any

	mu          sync.Mutex
	state       channelState
	joinRef     string
	joinPush    *Push
	pending     []*Push          // waiting for the join to be acknowledged
	inflight    map[string]*Push // sent, keyed by ref
	handlers    map[string][]func(json.RawMessage)
	rejoinTries int
	rejoinTimer *time.Timer
}

func newChannel(s *Socket, topic string, params map[string]any) *Channel {
	return &Channel{
		socket:   s,
		topic:    topic,
		params:   params,
		inflight: make(map[string]*Push),
		handlers: make(map[string][]func(json.RawMessage)),
	}
}

func (c *Channel) Topic() string { return c.topic }

// Joined reports whether the server has acknowledged the join.
func (c *Channel) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateJoined
}

func (c *Channel) stateName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// On registers fn for server-sent events on this channel.
func (c *Channel) On(event string, fn func(payload json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// Join asks the server to join the topic. It does not wait for the reply;
// failures are retried on the socket's rejoin schedule. Joining an already
// joined or joining channel is a no-op.
func (c *Channel) Join() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateJoined || c.state == stateJoining {
		return
	}
	c.rejoinTries = 0
	c.sendJoinLocked()
}

func (c *Channel) sendJoinLocked() {
	c.state = stateJoining
	c.stopRejoinLocked()
	if c.joinPush != nil {
		c.cancelJoinLocked()
	}
	if !c.socket.isConnected() {
		// Sent from socketOpened.
		return
	}

	p := newPush(c, EventJoin, c.params, c.socket.joinTimeout)
	p.control = true
	ref := c.socket.makeRef()
	p.ref = ref
	c.joinRef = ref
	c.joinPush = p
	c.inflight[ref] = p
	p.startTimeout(c.joinTimedOut)

	data, err := Encode(ref, ref, c.topic, EventJoin, c.params)
	if err != nil {
		c.socket.log.Error().Err(err).Str("topic", c.topic).Msg("encode join failed")
		c.joinFailedLocked(p, StatusError)
		return
	}
	if !c.socket.send(data) {
		c.joinFailedLocked(p, StatusDropped)
	}
}

func (c *Channel) cancelJoinLocked() {
	p := c.joinPush
	c.joinPush = nil
	delete(c.inflight, p.ref)
	p.complete(StatusDropped, nil)
}

func (c *Channel) joinTimedOut(p *Push) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinPush != p {
		return
	}
	c.socket.log.Warn().Str("topic", c.topic).Dur("timeout", p.timeout).Msg("channel join timed out")
	c.joinFailedLocked(p, StatusTimeout)
}

func (c *Channel) joinFailedLocked(p *Push, status Status) {
	delete(c.inflight, p.ref)
	c.joinPush = nil
	p.complete(status, nil)
	if c.state == stateJoining {
		c.state = stateErrored
		c.scheduleRejoinLocked()
	}
}

func (c *Channel) scheduleRejoinLocked() {
	c.stopRejoinLocked()
	c.rejoinTries++
	delay := c.socket.rejoinAfter(c.rejoinTries)
	c.rejoinTimer = time.AfterFunc(delay, c.rejoin)
}

func (c *Channel) stopRejoinLocked() {
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
}

func (c *Channel) rejoin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateErrored || !c.socket.isConnected() {
		return
	}
	c.sendJoinLocked()
}

// Push sends event with payload once the channel is joined. It never
// blocks: before the join is acknowledged the push waits in a bounded
// buffer (oldest evicted first). The timeout runs from the moment of the
// call; an unacknowledged push completes with StatusTimeout.
func (c *Channel) Push(event string, payload any, timeout time.Duration) *Push {
	p := newPush(c, event, payload, timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed, stateLeaving:
		p.complete(StatusDropped, nil)
		return p
	}

	p.startTimeout(c.pushTimedOut)
	if c.state == stateJoined && c.socket.isConnected() {
		c.sendLocked(p)
		return p
	}

	if limit := c.socket.maxPending; limit > 0 && len(c.pending) >= limit {
		oldest := c.pending[0]
		c.pending = c.pending[1:]
		oldest.complete(StatusDropped, nil)
	}
	c.pending = append(c.pending, p)
	return p
}

func (c *Channel) sendLocked(p *Push) {
	ref := c.socket.makeRef()
	p.ref = ref
	data, err := Encode(c.joinRef, ref, c.topic, p.event, p.payload)
	if err != nil {
		c.socket.log.Error().Err(err).Str("topic", c.topic).Str("event", p.event).Msg("encode push failed")
		p.complete(StatusError, nil)
		return
	}
	c.inflight[ref] = p
	if !c.socket.send(data) {
		delete(c.inflight, ref)
		p.complete(StatusDropped, nil)
	}
}

func (c *Channel) pushTimedOut(p *Push) {
	c.mu.Lock()
	if p.ref != "" {
		delete(c.inflight, p.ref)
	}
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	p.complete(StatusTimeout, nil)
}

// Leave tells the server the channel is no longer needed and detaches it
// from the socket. Pending pushes are dropped. The leave is not awaited.
func (c *Channel) Leave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed || c.state == stateLeaving {
		return
	}
	wasMember := c.state == stateJoined || c.state == stateJoining
	c.state = stateLeaving
	c.stopRejoinLocked()
	if c.joinPush != nil {
		c.cancelJoinLocked()
	}
	for _, p := range c.pending {
		p.complete(StatusDropped, nil)
	}
	c.pending = nil

	if wasMember && c.socket.isConnected() {
		ref := c.socket.makeRef()
		if data, err := Encode(c.joinRef, ref, c.topic, EventLeave, struct{}{}); err == nil {
			c.socket.send(data)
		}
	}
	c.state = stateClosed
	c.socket.remove(c)
}

// socketOpened rejoins channels that were joining or errored while the
// socket was down.
func (c *Channel) socketOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if (c.state == stateJoining && c.joinPush == nil) || c.state == stateErrored {
		c.rejoinTries = 0
		c.sendJoinLocked()
	}
}

func (c *Channel) socketClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateJoined || c.state == stateJoining {
		c.state = stateErrored
	}
	c.stopRejoinLocked()
	if c.joinPush != nil {
		c.cancelJoinLocked()
	}
}

func (c *Channel) handle(msg Message) {
	c.mu.Lock()

	if msg.JoinRef != "" && msg.JoinRef != c.joinRef && msg.Event != EventReply {
		c.mu.Unlock()
		return
	}

	switch msg.Event {
	case EventReply:
		c.handleReplyLocked(msg)
		c.mu.Unlock()
	case EventError:
		if c.state == stateJoined || c.state == stateJoining {
			c.socket.log.Warn().Str("topic", c.topic).Msg("channel errored")
			c.state = stateErrored
			if c.joinPush != nil {
				c.cancelJoinLocked()
			}
			c.scheduleRejoinLocked()
		}
		c.mu.Unlock()
	case EventClose:
		c.state = stateClosed
		c.stopRejoinLocked()
		c.mu.Unlock()
		c.socket.remove(c)
	default:
		handlers := append([]func(json.RawMessage){}, c.handlers[msg.Event]...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.Payload)
		}
	}
}

func (c *Channel) handleReplyLocked(msg Message) {
	p, ok := c.inflight[msg.Ref]
	if !ok {
		return
	}
	delete(c.inflight, msg.Ref)

	var reply Reply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		c.socket.log.Debug().Err(err).Str("topic", c.topic).Msg("malformed reply")
		reply.Status = StatusError
	}

	if p != c.joinPush {
		p.complete(reply.Status, reply.Response)
		return
	}

	c.joinPush = nil
	p.complete(reply.Status, reply.Response)
	if reply.Status != StatusOK {
		c.socket.log.Warn().Str("topic", c.topic).RawJSON("response", nonEmpty(reply.Response)).Msg("channel join rejected")
		c.state = stateErrored
		c.scheduleRejoinLocked()
		return
	}

	c.state = stateJoined
	c.rejoinTries = 0
	pending := c.pending
	c.pending = nil
	for _, q := range pending {
		c.sendLocked(q)
	}
}

func nonEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
