package monitor

import (
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mave-metrics/agent/internal/logging"
	"github.com/mave-metrics/agent/internal/session"
	"github.com/mave-metrics/agent/internal/session/sessiontest"
	"github.com/mave-metrics/agent/media"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	t     *testing.T
	ch    *sessiontest.Channel
	el    *media.Player
	win   *media.Window
	clock *fakeClock
	n     *Normalizer
}

// newFixture builds an attached normalizer whose probe never ticks on its
// own; tests drive it with tick.
func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	logger := logging.NewTestLogger(io.Discard)

	opts := DefaultOptions()
	opts.Now = clock.Now
	opts.Logger = &logger
	for _, m := range mutate {
		m(&opts)
	}

	f := &fixture{
		t:     t,
		ch:    sessiontest.NewChannel("session:test", nil),
		el:    media.NewPlayer(),
		win:   media.NewWindow("https://example.com/watch", 800, 1080),
		clock: clock,
	}
	f.el.SetReadyState(media.HaveEnoughData)
	f.n = NewNormalizer(f.ch, f.win, opts)
	f.n.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return make(chan time.Time), func() {}
	}
	return f
}

func (f *fixture) attach() *fixture {
	f.t.Helper()
	if err := f.n.Attach(f.el, nil); err != nil {
		f.t.Fatalf("Attach error: %v", err)
	}
	f.t.Cleanup(f.n.Detach)
	return f
}

func (f *fixture) play(pos float64) {
	f.el.SetCurrentTime(pos)
	f.el.SetPaused(false)
	f.el.Dispatch(media.EventPlay)
	f.el.Dispatch(media.EventPlaying)
}

func (f *fixture) pause(pos float64) {
	f.el.SetCurrentTime(pos)
	f.el.SetPaused(true)
	f.el.Dispatch(media.EventPause)
}

func (f *fixture) timeupdate(pos float64) {
	f.el.SetCurrentTime(pos)
	f.el.Dispatch(media.EventTimeUpdate)
}

func (f *fixture) tick() {
	f.n.mu.Lock()
	gen := f.n.probeGen
	f.n.mu.Unlock()
	f.n.probeTick(gen)
}

func (f *fixture) expectNames(want ...session.EventName) {
	f.t.Helper()
	got := f.ch.Names()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		f.t.Errorf("events = %v, want %v", got, want)
	}
}

func (f *fixture) expectState(want session.PlaybackState) {
	f.t.Helper()
	if got := f.n.State(); got != want {
		f.t.Errorf("State() = %v, want %v", got, want)
	}
}

func ptr(v float64) *float64 { return &v }

func TestPlayThenPlayingEmitsOnePlay(t *testing.T) {
	f := newFixture(t).attach()

	f.play(0)
	f.el.Dispatch(media.EventPlaying)

	f.expectNames(session.EventPlay)
	f.expectState(session.Playing)
}

func TestPlayPauseScenario(t *testing.T) {
	f := newFixture(t).attach()

	f.play(0.0)
	f.pause(12.3)

	events := f.ch.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %v", len(events), f.ch.Names())
	}
	if events[0].Name != session.EventPlay || events[0].From == nil || *events[0].From != 0 {
		t.Errorf("first event = %+v, want play from 0", events[0])
	}
	if events[1].Name != session.EventPause || events[1].To == nil || *events[1].To != 12.3 {
		t.Errorf("second event = %+v, want pause to 12.3", events[1])
	}
	f.expectState(session.Paused)
}

func TestPlayFromNearZero(t *testing.T) {
	tests := []struct {
		name string
		pos  float64
		want float64
	}{
		{"zero", 0, 0},
		{"within threshold", 0.05, 0},
		{"beyond threshold", 0.2, 0.2},
		{"mid stream", 42.5, 42.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t).attach()
			f.play(tt.pos)

			events := f.ch.Events()
			if len(events) != 1 || *events[0].From != tt.want {
				t.Errorf("events = %+v, want one play from %v", events, tt.want)
			}
		})
	}
}

func TestPauseGatedByReadyState(t *testing.T) {
	tests := []struct {
		ready     media.ReadyState
		wantPause bool
	}{
		{media.HaveNothing, false},
		{media.HaveMetadata, false},
		{media.HaveCurrentData, false},
		{media.HaveFutureData, true},
		{media.HaveEnoughData, true},
	}
	for _, tt := range tests {
		t.Run(tt.ready.String(), func(t *testing.T) {
			f := newFixture(t).attach()
			f.play(1)
			f.ch.Reset()

			f.el.SetReadyState(tt.ready)
			f.pause(5)

			if tt.wantPause {
				f.expectNames(session.EventPause)
				f.expectState(session.Paused)
			} else {
				f.expectNames()
				f.expectState(session.Playing)
			}
		})
	}
}

func TestRepeatedPauseEmitsOnce(t *testing.T) {
	f := newFixture(t).attach()
	f.play(1)
	f.pause(2)
	f.pause(2)

	f.expectNames(session.EventPlay, session.EventPause)
}

func TestPauseBeforePlayIsIgnored(t *testing.T) {
	f := newFixture(t).attach()
	f.pause(0)
	f.expectNames()
	f.expectState(session.Idle)
}

func TestPauseWhileSeekingReconstructsPosition(t *testing.T) {
	f := newFixture(t).attach()
	f.play(10)

	f.clock.Advance(4 * time.Second)
	f.el.SetSeeking(true)
	f.pause(50)

	events := f.ch.Events()
	if len(events) != 2 || events[1].Name != session.EventPause {
		t.Fatalf("events = %v, want play, pause", f.ch.Names())
	}
	if got := *events[1].To; got != 14 {
		t.Errorf("pause to = %v, want 14", got)
	}
}

func TestSmallSeekMovesPauseAnchor(t *testing.T) {
	f := newFixture(t).attach()
	f.play(10)

	f.clock.Advance(2 * time.Second)
	f.timeupdate(12)
	f.el.SetSeeking(true)
	f.el.Dispatch(media.EventSeeking)
	f.el.SetCurrentTime(12.25)
	f.el.SetSeeking(false)
	f.el.Dispatch(media.EventSeeked)
	f.expectNames(session.EventPlay)

	f.clock.Advance(3 * time.Second)
	f.el.SetSeeking(true)
	f.el.Dispatch(media.EventSeeking)
	f.pause(50)

	events := f.ch.Events()
	if len(events) != 2 || events[1].Name != session.EventPause {
		t.Fatalf("events = %v, want play, pause", f.ch.Names())
	}
	if got := *events[1].To; got != 15.25 {
		t.Errorf("pause to = %v, want 15.25", got)
	}
}

func TestSeekedThreshold(t *testing.T) {
	tests := []struct {
		name string
		post float64
		pair bool
	}{
		{"small forward", 10.55, false},
		{"exactly threshold", 10.75, false},
		{"small backward", 10.0, false},
		{"just over", 10.76, true},
		{"large forward", 60, true},
		{"large backward", 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t).attach()
			f.play(10)
			f.timeupdate(10.25)
			f.ch.Reset()

			f.el.SetSeeking(true)
			f.el.SetCurrentTime(tt.post)
			f.el.Dispatch(media.EventSeeking)
			f.el.SetSeeking(false)
			f.el.Dispatch(media.EventTimeUpdate)
			f.el.Dispatch(media.EventSeeked)

			if !tt.pair {
				f.expectNames()
				return
			}
			events := f.ch.Events()
			if len(events) != 2 {
				t.Fatalf("events = %v, want pause, play", f.ch.Names())
			}
			if events[0].Name != session.EventPause || *events[0].To != 10.25 {
				t.Errorf("first = %+v, want pause to 10.25", events[0])
			}
			if events[1].Name != session.EventPlay || *events[1].From != tt.post {
				t.Errorf("second = %+v, want play from %v", events[1], tt.post)
			}
			f.expectState(session.Playing)
		})
	}
}

func TestSeekedWhilePausedIsIgnored(t *testing.T) {
	f := newFixture(t).attach()
	f.play(10)
	f.pause(11)
	f.ch.Reset()

	f.el.Dispatch(media.EventSeeking)
	f.el.SetCurrentTime(100)
	f.el.Dispatch(media.EventSeeked)

	f.expectNames()
}

func TestSeekedWithoutSeekingListenerUsesLookback(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ListenSeeking = false }).attach()
	f.play(10)
	f.timeupdate(10.25)
	f.timeupdate(10.5)
	f.ch.Reset()

	f.timeupdate(40)
	f.el.Dispatch(media.EventSeeked)

	events := f.ch.Events()
	if len(events) != 2 || *events[0].To != 10.25 || *events[1].From != 40 {
		t.Errorf("events = %+v, want pause to 10.25 then play from 40", events)
	}
}

func TestSeekingListenerIsOptional(t *testing.T) {
	with := newFixture(t).attach()
	without := newFixture(t, func(o *Options) { o.ListenSeeking = false }).attach()

	if diff := with.el.ListenerCount() - without.el.ListenerCount(); diff != 1 {
		t.Errorf("listener difference = %d, want 1", diff)
	}
}

func TestBackwardJumpOnTimeUpdate(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.ListenSeeking = false }).attach()
	f.play(20)
	f.timeupdate(20.2)
	f.ch.Reset()

	f.timeupdate(5)
	f.el.Dispatch(media.EventSeeked)

	events := f.ch.Events()
	if len(events) != 2 {
		t.Fatalf("events = %v, want pause, play", f.ch.Names())
	}
	if events[0].Name != session.EventPause || *events[0].To != 20.2 {
		t.Errorf("first = %+v, want pause to 20.2", events[0])
	}
	if events[1].Name != session.EventPlay || *events[1].From != 5 {
		t.Errorf("second = %+v, want play from 5", events[1])
	}
}

func TestImplicitPauseOnTimeUpdate(t *testing.T) {
	f := newFixture(t).attach()
	f.play(3)
	f.ch.Reset()

	f.el.SetPaused(true)
	f.timeupdate(7)
	f.timeupdate(7)
	f.el.Dispatch(media.EventPause)

	events := f.ch.Events()
	if len(events) != 1 || events[0].Name != session.EventPause || *events[0].To != 7 {
		t.Errorf("events = %+v, want a single pause to 7", events)
	}
}

func TestBufferingProbe(t *testing.T) {
	f := newFixture(t).attach()
	f.play(1)
	f.ch.Reset()

	f.tick() // stalled at 1
	f.expectState(session.Buffering)
	f.tick()
	f.tick()
	f.expectNames(session.EventRebufferingStart)

	f.el.SetCurrentTime(1.05)
	f.tick()
	f.expectState(session.Playing)
	f.el.SetCurrentTime(1.10)
	f.tick()
	f.el.SetCurrentTime(1.15)
	f.tick()
	f.expectNames(session.EventRebufferingStart, session.EventRebufferingEnd)
}

func TestProbeTolerance(t *testing.T) {
	tests := []struct {
		name    string
		margin  time.Duration
		advance float64
		stalled bool
	}{
		{"tracker margin, slow", TrackerProbeMargin, 0.02, true},
		{"tracker margin, normal", TrackerProbeMargin, 0.05, false},
		{"client margin, slow", ClientProbeMargin, 0.005, true},
		{"client margin, small advance", ClientProbeMargin, 0.02, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(o *Options) { o.ProbeMargin = tt.margin }).attach()
			f.play(10)
			f.el.SetCurrentTime(10 + tt.advance)
			f.tick()

			if got := f.n.State() == session.Buffering; got != tt.stalled {
				t.Errorf("stalled = %v, want %v", got, tt.stalled)
			}
		})
	}
}

func TestProbeIgnoresPausedElement(t *testing.T) {
	f := newFixture(t).attach()
	f.play(1)
	f.el.SetReadyState(media.HaveCurrentData)
	f.pause(1) // gated: the probe keeps running
	f.ch.Reset()

	f.tick()
	f.tick()
	f.expectNames()
	f.expectState(session.Playing)
}

func TestStaleProbeTickIsIgnored(t *testing.T) {
	f := newFixture(t).attach()
	f.play(1)
	f.n.mu.Lock()
	stale := f.n.probeGen
	f.n.mu.Unlock()

	f.pause(2)
	f.play(2)
	f.ch.Reset()

	f.n.probeTick(stale)
	f.expectNames()
}

func TestPauseWhileBufferingEndsRebuffering(t *testing.T) {
	f := newFixture(t).attach()
	f.play(1)
	f.tick()
	f.ch.Reset()

	f.pause(1)

	f.expectNames(session.EventRebufferingEnd, session.EventPause)
	f.expectState(session.Paused)
}

func TestEndedResetsState(t *testing.T) {
	f := newFixture(t).attach()
	f.play(0)
	f.timeupdate(30)
	f.ch.Reset()

	f.el.SetCurrentTime(30)
	f.el.Dispatch(media.EventEnded)
	f.expectNames(session.EventPause)
	f.expectState(session.Ended)

	f.n.mu.Lock()
	running := f.n.probe != nil
	f.n.mu.Unlock()
	if running {
		t.Error("probe should stop on ended")
	}

	f.ch.Reset()
	f.play(0)
	f.expectNames(session.EventPlay)
	f.expectState(session.Playing)
}

func TestEndedAfterPause(t *testing.T) {
	f := newFixture(t).attach()
	f.play(0)
	f.pause(30)
	f.el.Dispatch(media.EventEnded)

	f.expectNames(session.EventPlay, session.EventPause)
	f.expectState(session.Ended)
}

func TestAttachTwiceRegistersOnce(t *testing.T) {
	f := newFixture(t).attach()
	count := f.el.ListenerCount()

	if err := f.n.Attach(f.el, nil); err != nil {
		t.Fatalf("second Attach error: %v", err)
	}
	if got := f.el.ListenerCount(); got != count {
		t.Errorf("ListenerCount = %d after second attach, want %d", got, count)
	}

	f.el.Dispatch(media.EventError)
	f.expectNames(session.EventPlaybackFailure)
}

func TestDetachRemovesListeners(t *testing.T) {
	f := newFixture(t).attach()
	f.play(1)
	f.n.Detach()

	if got := f.el.ListenerCount(); got != 0 {
		t.Errorf("ListenerCount = %d after Detach, want 0", got)
	}
	f.ch.Reset()

	f.pause(3)
	f.el.Dispatch(media.EventError)
	f.win.SetInnerHeight(1080)
	f.el.Dispatch(media.EventResize)
	f.tick()
	f.expectNames()

	f.n.Detach()
}

func TestDetachWithoutAttach(t *testing.T) {
	f := newFixture(t)
	f.n.Detach()
	f.n.Detach()
}

func TestDetachStopsProbeGoroutine(t *testing.T) {
	f := newFixture(t)
	f.n.newTicker = realTicker
	f.attach()
	f.play(1)

	f.n.mu.Lock()
	done := f.n.probe.done
	f.n.mu.Unlock()

	f.n.Detach()
	select {
	case <-done:
	default:
		t.Fatal("probe goroutine still running after Detach")
	}
}

func TestAttachNilElement(t *testing.T) {
	f := newFixture(t)
	if err := f.n.Attach(nil, nil); !errors.Is(err, ErrNoElement) {
		t.Errorf("Attach(nil) = %v, want ErrNoElement", err)
	}
	f.n.Detach()
}

func TestFullscreen(t *testing.T) {
	f := newFixture(t).attach()

	f.el.Dispatch(media.EventResize) // 800 != 1080
	f.win.SetInnerHeight(1080)
	f.el.Dispatch(media.EventResize)
	f.el.Dispatch(media.EventResize)
	f.win.SetInnerHeight(800)
	f.el.Dispatch(media.EventResize)
	f.el.Dispatch(media.EventResize)

	f.expectNames(session.EventFullscreenEnter, session.EventFullscreenExit)
}

func TestTrackSet(t *testing.T) {
	f := newFixture(t).attach()

	f.el.DispatchCue(&media.Cue{Text: "Hello", Language: "en"})
	f.el.DispatchCue(&media.Cue{Text: "Bonjour", Language: "fr"})
	f.el.DispatchCue(&media.Cue{Text: "Salut", Language: "fr"})
	f.el.DispatchCue(nil)

	events := f.ch.Events()
	if len(events) != 2 {
		t.Fatalf("events = %v, want two track_set", f.ch.Names())
	}
	if events[0].Language != "en" || events[1].Language != "fr" {
		t.Errorf("languages = %q, %q, want en, fr", events[0].Language, events[1].Language)
	}
}

func TestPlaybackFailureIsUnconditional(t *testing.T) {
	f := newFixture(t).attach()

	f.el.Dispatch(media.EventError)
	f.el.Dispatch(media.EventError)

	f.expectNames(session.EventPlaybackFailure, session.EventPlaybackFailure)
}

func TestSourceSet(t *testing.T) {
	f := newFixture(t)
	f.el.SetSrc("https://cdn.example.com/a.mp4")
	f.attach()

	f.el.Dispatch(media.EventLoadedMetadata)
	f.el.SetSrc("https://cdn.example.com/b.mp4")
	f.el.Dispatch(media.EventDurationChange)
	f.el.SetSrc("")

	events := f.ch.Events()
	if len(events) != 2 {
		t.Fatalf("events = %v, want two source_set", f.ch.Names())
	}
	if events[0].SourceURL != "https://cdn.example.com/a.mp4" || events[1].SourceURL != "https://cdn.example.com/b.mp4" {
		t.Errorf("sources = %q, %q", events[0].SourceURL, events[1].SourceURL)
	}
}

func TestSourceSetSkipsEmptySource(t *testing.T) {
	f := newFixture(t).attach()
	f.el.Dispatch(media.EventLoadedMetadata)
	f.expectNames()
}

func TestEngineLevelSwitching(t *testing.T) {
	f := newFixture(t)
	f.el.SetSrc("blob:https://example.com/1")
	eng := media.NewAdaptive()
	eng.AttachMedia(f.el)
	if err := f.n.Attach(eng.Media(), eng); err != nil {
		t.Fatal(err)
	}
	defer f.n.Detach()

	level := media.Level{Width: 1920, Height: 1080, Bitrate: 5000000, VideoCodec: "avc1.640028", URI: "https://cdn.example.com/1080p.m3u8"}
	eng.SwitchLevel(level)
	eng.SwitchLevel(level)
	f.el.SetSrc("blob:https://example.com/2")

	events := f.ch.Events()
	if len(events) != 2 {
		t.Fatalf("events = %v, want two source_set", f.ch.Names())
	}
	want := session.NewEvent(session.EventSourceSet, f.clock.Now())
	want.Width, want.Height, want.Bitrate = 1920, 1080, 5000000
	want.Codec = "avc1.640028"
	want.SourceURL = "https://cdn.example.com/1080p.m3u8"
	if !reflect.DeepEqual(events[0], want) {
		t.Errorf("event = %+v, want %+v", events[0], want)
	}

	f.n.Detach()
	if eng.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after Detach, want 0", eng.SubscriberCount())
	}
}

func TestPushesUseEventAndTimeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.PushTimeout = 3 * time.Second }).attach()
	f.play(0)

	pushes := f.ch.Pushes()
	if len(pushes) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pushes))
	}
	if pushes[0].Event != session.PushEvent || pushes[0].Timeout != 3*time.Second {
		t.Errorf("push = %+v, want event %q with 3s timeout", pushes[0], session.PushEvent)
	}
	ev := pushes[0].Payload.(session.Event)
	if ev.Timestamp != f.clock.Now().UnixMilli() {
		t.Errorf("timestamp = %d, want %d", ev.Timestamp, f.clock.Now().UnixMilli())
	}
	if !reflect.DeepEqual(ev.From, ptr(0)) {
		t.Errorf("from = %v, want 0", ev.From)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	f := newFixture(t).attach()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.el.Dispatch(media.EventError)
				f.el.Dispatch(media.EventTimeUpdate)
			}
		}()
	}
	wg.Wait()

	if got := len(f.ch.Events()); got != 400 {
		t.Errorf("events = %d, want 400", got)
	}
}
