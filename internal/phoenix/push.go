package phoenix

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// PushResult reports the outcome of a push to the socket's observer.
type PushResult struct {
	Topic   string
	Event   string
	Status  Status
	Elapsed time.Duration
}

// Push is a message sent on a channel, awaiting the server's reply.
type Push struct {
	channel *Channel
	event   string
	payload any
	timeout time.Duration
	// control pushes (joins) are not reported to the observer.
	control bool
	created time.Time

	ref string // guarded by channel.mu

	once     sync.Once
	done     chan struct{}
	mu       sync.Mutex
	status   Status
	response json.RawMessage
	timer    *time.Timer
}

func newPush(ch *Channel, event string, payload any, timeout time.Duration) *Push {
	return &Push{
		channel: ch,
		event:   event,
		payload: payload,
		timeout: timeout,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

func (p *Push) Event() string { return p.event }

// Done is closed once the push has an outcome.
func (p *Push) Done() <-chan struct{} { return p.done }

// Status is empty until Done is closed.
func (p *Push) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Response is the server's reply body, if any.
func (p *Push) Response() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.response
}

// Wait blocks until the push has an outcome or ctx is done. A non-ok
// outcome is returned as ErrTimeout, ErrRejected or ErrDropped.
func (p *Push) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
	}
	switch p.Status() {
	case StatusOK:
		return p.Response(), nil
	case StatusTimeout:
		return nil, ErrTimeout
	case StatusDropped:
		return nil, ErrDropped
	default:
		return p.Response(), ErrRejected
	}
}

func (p *Push) startTimeout(onTimeout func(*Push)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout <= 0 || p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.timeout, func() { onTimeout(p) })
}

// complete records the outcome once. It reports whether this call set it.
func (p *Push) complete(status Status, response json.RawMessage) bool {
	first := false
	p.once.Do(func() {
		first = true
		p.mu.Lock()
		p.status = status
		p.response = response
		if p.timer != nil {
			p.timer.Stop()
		}
		p.mu.Unlock()
		close(p.done)
	})
	if first && !p.control {
		p.channel.socket.observe(PushResult{
			Topic:   p.channel.topic,
			Event:   p.event,
			Status:  status,
			Elapsed: time.Since(p.created),
		})
	}
	return first
}
