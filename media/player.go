package media

import (
	"sync"

	"github.com/google/uuid"
)

type listenerEntry struct {
	id uint64
	fn Listener
}

// listeners is a registration-ordered listener set keyed by event type.
type listeners struct {
	mu     sync.Mutex
	nextID uint64
	byType map[EventType][]listenerEntry
}

func (l *listeners) add(t EventType, fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byType == nil {
		l.byType = make(map[EventType][]listenerEntry)
	}
	l.nextID++
	id := l.nextID
	l.byType[t] = append(l.byType[t], listenerEntry{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(t, id) })
	}
}

func (l *listeners) remove(t EventType, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byType[t]
	for i, e := range entries {
		if e.id == id {
			l.byType[t] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(l.byType[t]) == 0 {
		delete(l.byType, t)
	}
}

func (l *listeners) snapshot(t EventType) []Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.byType[t]
	fns := make([]Listener, len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	return fns
}

func (l *listeners) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entries := range l.byType {
		n += len(entries)
	}
	return n
}

// Player is an in-process media element whose state is set programmatically.
// It backs the replay tool and tests. All methods are safe for concurrent use.
type Player struct {
	id string

	mu          sync.RWMutex
	currentTime float64
	paused      bool
	seeking     bool
	rate        float64
	readyState  ReadyState
	src         string

	listeners listeners
}

// NewPlayer returns a paused player with no source.
func NewPlayer() *Player {
	return &Player{
		id:     uuid.NewString(),
		paused: true,
		rate:   1,
	}
}

func (p *Player) ID() string { return p.id }

func (p *Player) CurrentTime() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentTime
}

func (p *Player) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *Player) Seeking() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.seeking
}

func (p *Player) PlaybackRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rate
}

func (p *Player) ReadyState() ReadyState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readyState
}

func (p *Player) CurrentSrc() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.src
}

func (p *Player) On(t EventType, fn Listener) func() {
	return p.listeners.add(t, fn)
}

// ListenerCount reports the number of registered listeners.
func (p *Player) ListenerCount() int {
	return p.listeners.count()
}

func (p *Player) SetCurrentTime(t float64) {
	p.mu.Lock()
	p.currentTime = t
	p.mu.Unlock()
}

func (p *Player) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

func (p *Player) SetSeeking(seeking bool) {
	p.mu.Lock()
	p.seeking = seeking
	p.mu.Unlock()
}

func (p *Player) SetPlaybackRate(rate float64) {
	p.mu.Lock()
	p.rate = rate
	p.mu.Unlock()
}

func (p *Player) SetReadyState(rs ReadyState) {
	p.mu.Lock()
	p.readyState = rs
	p.mu.Unlock()
}

// SetSrc changes the source attribute. A changed value is reported to
// EventSrcChange listeners, like an attribute mutation observer would.
func (p *Player) SetSrc(src string) {
	p.mu.Lock()
	changed := p.src != src
	p.src = src
	p.mu.Unlock()
	if changed {
		p.Dispatch(EventSrcChange)
	}
}

// Dispatch delivers t to its listeners on the calling goroutine.
func (p *Player) Dispatch(t EventType) {
	p.emit(Event{Type: t})
}

// DispatchCue reports a cue change on one of the element's text tracks.
// A nil cue means the track has no active cues.
func (p *Player) DispatchCue(cue *Cue) {
	p.emit(Event{Type: EventCueChange, Cue: cue})
}

func (p *Player) emit(ev Event) {
	for _, fn := range p.listeners.snapshot(ev.Type) {
		fn(ev)
	}
}
