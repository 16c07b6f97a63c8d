package collector

import (
	"sync"
	"time"
)

// Status summarizes delivery health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// deliveryHealth tracks consecutive failures of the connection and of each
// channel's pushes. Pushes complete on timer and socket goroutines, so all
// fields are guarded by mu.
type deliveryHealth struct {
	mu                sync.Mutex
	connectFailures   int
	lastConnectErr    string
	lastConnectFail   time.Time
	timeouts          map[string]int // consecutive push timeouts keyed by topic
	lastTimeout       time.Time
	lastEmittedStatus Status
	lastEmittedAt     time.Time
}

func newDeliveryHealth() *deliveryHealth {
	return &deliveryHealth{
		timeouts:          make(map[string]int),
		lastEmittedStatus: StatusHealthy,
	}
}

func (h *deliveryHealth) recordConnectSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectFailures = 0
	h.lastConnectErr = ""
}

func (h *deliveryHealth) recordConnectFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectFailures++
	h.lastConnectErr = err.Error()
	h.lastConnectFail = time.Now()
}

// recordAck resets the topic's timeout streak.
func (h *deliveryHealth) recordAck(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.timeouts, topic)
}

func (h *deliveryHealth) recordTimeout(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeouts[topic]++
	h.lastTimeout = time.Now()
}

// removeTopic forgets a channel that was left.
func (h *deliveryHealth) removeTopic(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.timeouts, topic)
}

// snapshotAndEmit returns the current status and degraded channel count,
// and whether the status changed since the last emission.
func (h *deliveryHealth) snapshotAndEmit(threshold int) (status Status, degraded int, lastErr string, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status = h.statusLocked(threshold)
	changed = status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = status
		h.lastEmittedAt = time.Now()
	}
	degraded = h.degradedCountLocked(threshold)
	lastErr = h.lastConnectErr
	return
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *deliveryHealth) statusLocked(threshold int) Status {
	if h.connectFailures >= threshold {
		return StatusFailed
	}
	if h.degradedCountLocked(threshold) > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *deliveryHealth) status(threshold int) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}

func (h *deliveryHealth) degradedCountLocked(threshold int) int {
	count := 0
	for _, n := range h.timeouts {
		if n >= threshold {
			count++
		}
	}
	return count
}
