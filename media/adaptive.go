package media

import "sync"

// Adaptive is an in-process Engine. It reports level switches to its
// subscribers and exposes the element it is attached to.
type Adaptive struct {
	mu       sync.RWMutex
	media    Element
	nextID   uint64
	handlers map[uint64]func(Level)
	order    []uint64
}

func NewAdaptive() *Adaptive {
	return &Adaptive{handlers: make(map[uint64]func(Level))}
}

// AttachMedia binds the engine to el. Passing nil detaches it.
func (a *Adaptive) AttachMedia(el Element) {
	a.mu.Lock()
	a.media = el
	a.mu.Unlock()
}

func (a *Adaptive) Media() Element {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.media
}

func (a *Adaptive) OnLevelSwitching(fn func(Level)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.handlers[id] = fn
	a.order = append(a.order, id)
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.handlers, id)
		for i, v := range a.order {
			if v == id {
				a.order = append(a.order[:i:i], a.order[i+1:]...)
				break
			}
		}
	}
}

// SubscriberCount reports the number of level-switch subscribers.
func (a *Adaptive) SubscriberCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.handlers)
}

// SwitchLevel announces that the engine is switching to l.
func (a *Adaptive) SwitchLevel(l Level) {
	a.mu.RLock()
	fns := make([]func(Level), 0, len(a.handlers))
	for _, id := range a.order {
		if fn, ok := a.handlers[id]; ok {
			fns = append(fns, fn)
		}
	}
	a.mu.RUnlock()

	for _, fn := range fns {
		fn(l)
	}
}
