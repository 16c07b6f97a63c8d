// Package monitor turns the native events of a media element into the
// normalized playback events pushed on a session channel.
package monitor

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mave-metrics/agent/internal/logging"
	"github.com/mave-metrics/agent/internal/session"
	"github.com/mave-metrics/agent/media"
)

// ErrNoElement is returned by Attach when given a nil element.
var ErrNoElement = errors.New("monitor: no media element to attach to")

// Pusher is where normalized events go. Push must not block on delivery.
type Pusher interface {
	Push(event string, payload any, timeout time.Duration)
}

// samples holds the most recent positions, newest first.
type samples struct {
	pos [3]float64
	n   int
}

func (s *samples) push(p float64) {
	s.pos[2], s.pos[1], s.pos[0] = s.pos[1], s.pos[0], p
	if s.n < len(s.pos) {
		s.n++
	}
}

func (s *samples) seed(p float64) {
	s.pos = [3]float64{p, p, p}
	s.n = len(s.pos)
}

func (s *samples) newest() (float64, bool) {
	return s.pos[0], s.n > 0
}

// oldest returns the earliest sample still held.
func (s *samples) oldest() (float64, bool) {
	if s.n == 0 {
		return 0, false
	}
	return s.pos[s.n-1], true
}

func (s *samples) reset() { *s = samples{} }

type probe struct {
	gen  uint64
	stop chan struct{}
	done chan struct{}
}

// Normalizer watches one media element. Handlers may run on any goroutine;
// they are serialized, so events are pushed in the order they were
// observed.
type Normalizer struct {
	ch   Pusher
	view media.Viewport
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	attached bool
	el       media.Element
	eng      media.Engine
	offs     []func()

	state      session.PlaybackState
	samples    samples
	seekFrom   float64
	seekActive bool
	sinceAt    time.Time
	sincePos   float64
	hasSince   bool
	fullscreen bool
	language   string
	source     string

	probe     *probe
	probeGen  uint64
	probeLast float64
	newTicker func(time.Duration) (<-chan time.Time, func())
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func NewNormalizer(ch Pusher, view media.Viewport, opts Options) *Normalizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	n := &Normalizer{ch: ch, view: view, opts: opts, newTicker: realTicker}
	if opts.Logger != nil {
		n.log = *opts.Logger
	} else {
		n.log = logging.Component("normalizer")
	}
	return n
}

// State reports the current playback state.
func (n *Normalizer) State() session.PlaybackState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Attach starts listening to el and, if eng is set, to its level switches.
// Attaching an already attached normalizer does nothing.
func (n *Normalizer) Attach(el media.Element, eng media.Engine) error {
	if el == nil {
		n.log.Error().Err(ErrNoElement).Msg("attach failed")
		return ErrNoElement
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.attached {
		return nil
	}
	n.attached = true
	n.el = el
	n.eng = eng
	n.resetLocked()
	n.fullscreen = false
	n.language = ""
	n.source = ""

	for _, t := range media.NativeEvents {
		if t == media.EventSeeking && !n.opts.ListenSeeking {
			continue
		}
		n.offs = append(n.offs, el.On(t, n.handle))
	}
	n.offs = append(n.offs,
		el.On(media.EventCueChange, n.handle),
		el.On(media.EventSrcChange, n.handle),
		el.On(media.EventResize, n.handle),
	)

	if eng != nil {
		n.offs = append(n.offs, eng.OnLevelSwitching(n.onLevel))
	} else {
		n.sourceLocked()
	}

	n.log.Debug().Str("element", el.ID()).Bool("engine", eng != nil).Msg("attached")
	return nil
}

// Detach removes every listener and stops the buffering probe. When it
// returns no further events are pushed.
func (n *Normalizer) Detach() {
	n.mu.Lock()
	if !n.attached {
		n.mu.Unlock()
		return
	}
	n.attached = false
	offs := n.offs
	n.offs = nil
	done := n.stopProbeLocked()
	el := n.el
	n.el = nil
	n.eng = nil
	n.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if done != nil {
		<-done
	}
	n.log.Debug().Str("element", el.ID()).Msg("detached")
}

func (n *Normalizer) handle(ev media.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.attached {
		return
	}

	switch ev.Type {
	case media.EventPlay, media.EventPlaying:
		n.onPlayLocked()
	case media.EventPause:
		n.onPauseLocked()
	case media.EventSeeking:
		n.onSeekingLocked()
	case media.EventSeeked:
		n.onSeekedLocked()
	case media.EventTimeUpdate:
		n.onTimeUpdateLocked()
	case media.EventEnded:
		n.onEndedLocked()
	case media.EventError:
		n.emitLocked(session.NewEvent(session.EventPlaybackFailure, n.opts.Now()))
	case media.EventResize:
		n.onResizeLocked()
	case media.EventCueChange:
		n.onCueLocked(ev.Cue)
	case media.EventSrcChange, media.EventLoadedMetadata, media.EventDurationChange:
		if n.eng == nil {
			n.sourceLocked()
		}
	}
}

func (n *Normalizer) playing() bool {
	return n.state.Active()
}

func (n *Normalizer) onPlayLocked() {
	if n.playing() {
		return
	}
	n.emitPlayLocked(n.el.CurrentTime())
}

func (n *Normalizer) emitPlayLocked(pos float64) {
	from := pos
	if math.Abs(from) < n.opts.ZeroThreshold {
		from = 0
	}
	n.emitLocked(session.NewEvent(session.EventPlay, n.opts.Now()).WithFrom(from))
	n.state = session.Playing
	n.sinceAt = n.opts.Now()
	n.sincePos = pos
	n.hasSince = true
	n.samples.seed(pos)
	n.startProbeLocked(pos)
}

func (n *Normalizer) onPauseLocked() {
	if !n.playing() {
		return
	}
	if rs := n.el.ReadyState(); rs < n.opts.MinPauseReadyState {
		n.log.Debug().Stringer("ready_state", rs).Msg("pause ignored, not enough data")
		return
	}
	n.emitPauseLocked(n.pausePositionLocked())
}

// pausePositionLocked is the current position, or while scrubbing, where
// playback would be had it continued since the last play.
func (n *Normalizer) pausePositionLocked() float64 {
	if n.el.Seeking() && n.hasSince {
		elapsed := n.opts.Now().Sub(n.sinceAt).Seconds()
		return n.sincePos + elapsed*n.el.PlaybackRate()
	}
	return n.el.CurrentTime()
}

func (n *Normalizer) emitPauseLocked(to float64) {
	if n.state == session.Buffering {
		n.emitLocked(session.NewEvent(session.EventRebufferingEnd, n.opts.Now()))
	}
	n.emitLocked(session.NewEvent(session.EventPause, n.opts.Now()).WithTo(to))
	n.state = session.Paused
	n.hasSince = false
	n.stopProbeLocked()
}

func (n *Normalizer) onSeekingLocked() {
	pre, ok := n.samples.newest()
	if !ok {
		pre = n.el.CurrentTime()
	}
	n.seekFrom = pre
	n.seekActive = true
}

func (n *Normalizer) onSeekedLocked() {
	post := n.el.CurrentTime()
	pre, ok := n.seekFrom, n.seekActive
	if !ok {
		pre, ok = n.samples.oldest()
	}
	n.seekActive = false
	n.probeLast = post

	if !n.playing() {
		return
	}
	if ok && math.Abs(pre-post) > n.opts.SeekThreshold {
		n.emitPauseLocked(pre)
		n.emitPlayLocked(post)
		return
	}
	// A small jump keeps the session playing but moves the anchor used to
	// rebuild a pause position.
	n.sinceAt = n.opts.Now()
	n.sincePos = post
	n.hasSince = true
}

func (n *Normalizer) onTimeUpdateLocked() {
	pos := n.el.CurrentTime()
	prev, hasPrev := n.samples.newest()
	n.samples.push(pos)

	if !n.playing() || n.seekActive || n.el.Seeking() {
		return
	}
	if n.el.Paused() && n.el.ReadyState() >= n.opts.MinPauseReadyState {
		n.emitPauseLocked(pos)
		return
	}
	if hasPrev && prev-pos > n.opts.SeekThreshold {
		n.emitPauseLocked(prev)
		n.emitPlayLocked(pos)
	}
}

func (n *Normalizer) onEndedLocked() {
	if n.playing() {
		n.emitPauseLocked(n.el.CurrentTime())
	}
	n.stopProbeLocked()
	n.resetLocked()
	n.state = session.Ended
}

func (n *Normalizer) resetLocked() {
	n.state = session.Idle
	n.samples.reset()
	n.seekActive = false
	n.seekFrom = 0
	n.hasSince = false
	n.probeLast = 0
}

func (n *Normalizer) onResizeLocked() {
	full := n.view.InnerHeight() == n.view.ScreenHeight()
	if full == n.fullscreen {
		return
	}
	n.fullscreen = full
	name := session.EventFullscreenExit
	if full {
		name = session.EventFullscreenEnter
	}
	n.emitLocked(session.NewEvent(name, n.opts.Now()))
}

func (n *Normalizer) onCueLocked(cue *media.Cue) {
	if cue == nil || cue.Language == "" || cue.Language == n.language {
		return
	}
	n.language = cue.Language
	ev := session.NewEvent(session.EventTrackSet, n.opts.Now())
	ev.Language = cue.Language
	n.emitLocked(ev)
}

func (n *Normalizer) sourceLocked() {
	src := n.el.CurrentSrc()
	if src == "" || src == n.source {
		return
	}
	n.source = src
	ev := session.NewEvent(session.EventSourceSet, n.opts.Now())
	ev.SourceURL = src
	n.emitLocked(ev)
}

func (n *Normalizer) onLevel(l media.Level) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.attached {
		return
	}
	ev := session.NewEvent(session.EventSourceSet, n.opts.Now())
	ev.Width = l.Width
	ev.Height = l.Height
	ev.Bitrate = l.Bitrate
	ev.Codec = l.VideoCodec
	ev.SourceURL = l.URI
	n.emitLocked(ev)
}

func (n *Normalizer) emitLocked(ev session.Event) {
	n.log.Debug().Str("event", string(ev.Name)).Stringer("state", n.state).Msg("push")
	n.ch.Push(session.PushEvent, ev, n.opts.PushTimeout)
}

// startProbeLocked replaces any running probe with a new one whose first
// comparison is against pos.
func (n *Normalizer) startProbeLocked(pos float64) {
	n.stopProbeLocked()
	n.probeGen++
	n.probeLast = pos
	p := &probe{gen: n.probeGen, stop: make(chan struct{}), done: make(chan struct{})}
	n.probe = p
	go n.runProbe(p)
}

// stopProbeLocked signals the probe to stop and returns a channel closed
// once its goroutine has exited, or nil if none was running.
func (n *Normalizer) stopProbeLocked() <-chan struct{} {
	p := n.probe
	if p == nil {
		return nil
	}
	n.probe = nil
	close(p.stop)
	return p.done
}

func (n *Normalizer) runProbe(p *probe) {
	defer close(p.done)
	ticks, stop := n.newTicker(n.opts.ProbeInterval)
	defer stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticks:
			n.probeTick(p.gen)
		}
	}
}

// probeTick compares the position against the previous tick. A position
// that did not advance by the tolerance while not paused is a stall.
func (n *Normalizer) probeTick(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.attached || n.probe == nil || n.probe.gen != gen {
		return
	}

	pos := n.el.CurrentTime()
	last := n.probeLast
	n.probeLast = pos

	rate := n.el.PlaybackRate()
	if n.el.Paused() || rate <= 0 {
		return
	}
	stalled := pos < last+n.opts.tolerance()*rate

	switch {
	case stalled && n.state == session.Playing:
		n.state = session.Buffering
		n.emitLocked(session.NewEvent(session.EventRebufferingStart, n.opts.Now()))
	case !stalled && n.state == session.Buffering:
		n.state = session.Playing
		n.emitLocked(session.NewEvent(session.EventRebufferingEnd, n.opts.Now()))
	}
}
