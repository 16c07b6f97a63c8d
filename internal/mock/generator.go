// Package mock generates synthetic playback scripts for the replay tool.
package mock

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/mave-metrics/agent/internal/replay"
	"github.com/mave-metrics/agent/media"
)

const (
	timeUpdateMS = 250
	jitterMS     = 15
	mediaURL     = "https://cdn.example.com/mock/big-buck-bunny.mp4"
)

var levels = []media.Level{
	{Width: 640, Height: 360, Bitrate: 800000, VideoCodec: "avc1.4d401e", URI: "https://cdn.example.com/mock/360p.m3u8"},
	{Width: 1280, Height: 720, Bitrate: 2800000, VideoCodec: "avc1.4d401f", URI: "https://cdn.example.com/mock/720p.m3u8"},
	{Width: 1920, Height: 1080, Bitrate: 5000000, VideoCodec: "avc1.640028", URI: "https://cdn.example.com/mock/1080p.m3u8"},
}

var scenarios = map[string]func(*builder){
	"steady": func(b *builder) {
		b.start()
		b.playFor(10)
		b.pause()
		b.wait(1000)
		b.play()
		b.playFor(5)
		b.pause()
	},
	"stall": func(b *builder) {
		b.start()
		b.playFor(4)
		b.stall(1500)
		b.playFor(4)
		b.pause()
	},
	"seek": func(b *builder) {
		b.start()
		b.playFor(5)
		b.seek(b.pos + 60)
		b.playFor(3)
		b.seek(10)
		b.playFor(2)
		b.pause()
	},
	"fullscreen": func(b *builder) {
		b.start()
		b.playFor(2)
		b.resize(1080)
		b.playFor(3)
		b.resize(800)
		b.playFor(1)
		b.pause()
	},
	"captions": func(b *builder) {
		b.start()
		b.cue("Hello there", "en")
		b.playFor(2)
		b.cue("General Kenobi", "en")
		b.playFor(2)
		b.cue("Bonjour", "fr")
		b.playFor(2)
		b.pause()
	},
	"failure": func(b *builder) {
		b.start()
		b.playFor(2)
		b.add(replay.Step{Event: media.EventError})
		b.wait(100)
		b.add(replay.Step{Event: media.EventError})
	},
	"abr": func(b *builder) {
		b.level(levels[0])
		b.start()
		b.playFor(3)
		b.level(levels[1])
		b.playFor(3)
		b.level(levels[2])
		b.playFor(3)
		b.pause()
	},
	"ended": func(b *builder) {
		b.start()
		b.playFor(6)
		b.end()
	},
}

// Scenarios lists the available scenario names.
func Scenarios() []string {
	names := make([]string, 0, len(scenarios))
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate builds the named scenario. The seed only varies event jitter.
func Generate(name string, seed int64) ([]replay.Step, error) {
	fn, ok := scenarios[name]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q (have %v)", name, Scenarios())
	}
	b := &builder{rng: rand.New(rand.NewSource(seed))}
	fn(b)
	return b.steps, nil
}

type builder struct {
	rng   *rand.Rand
	steps []replay.Step
	at    int64
	pos   float64
}

func (b *builder) add(s replay.Step) {
	s.AtMS = b.at
	b.steps = append(b.steps, s)
}

func (b *builder) wait(ms int64) { b.at += ms }

func (b *builder) start() {
	src := mediaURL
	ready := media.HaveEnoughData
	b.add(replay.Step{Src: &src, Ready: &ready, Event: media.EventLoadedMetadata})
	b.wait(20)
	b.play()
}

func (b *builder) play() {
	paused := false
	b.add(replay.Step{Paused: &paused, Event: media.EventPlay})
	b.wait(10)
	b.add(replay.Step{Event: media.EventPlaying})
}

// playFor advances the position with timeupdates every ~250ms.
func (b *builder) playFor(seconds float64) {
	elapsed := 0.0
	for elapsed < seconds {
		step := timeUpdateMS + b.rng.Int63n(2*jitterMS+1) - jitterMS
		b.wait(step)
		elapsed += float64(step) / 1000
		b.pos += float64(step) / 1000
		pos := b.pos
		b.add(replay.Step{Time: &pos, Event: media.EventTimeUpdate})
	}
}

func (b *builder) pause() {
	pos, paused := b.pos, true
	b.wait(50)
	b.add(replay.Step{Time: &pos, Paused: &paused, Event: media.EventPause})
}

// stall holds the position while playing, starved of data.
func (b *builder) stall(ms int64) {
	low, high := media.HaveCurrentData, media.HaveEnoughData
	b.add(replay.Step{Ready: &low, Event: media.EventTimeUpdate})
	b.wait(ms)
	b.add(replay.Step{Ready: &high, Event: media.EventCanPlayThrough})
}

func (b *builder) seek(to float64) {
	seeking, done := true, false
	b.add(replay.Step{Time: &to, Seeking: &seeking, Event: media.EventSeeking})
	b.wait(120)
	b.add(replay.Step{Seeking: &done, Event: media.EventTimeUpdate})
	b.add(replay.Step{Event: media.EventSeeked})
	b.pos = to
}

func (b *builder) resize(innerHeight int) {
	h := innerHeight
	b.add(replay.Step{InnerHeight: &h})
	b.wait(30)
}

func (b *builder) cue(text, lang string) {
	b.add(replay.Step{Cue: &media.Cue{Text: text, Language: lang}})
}

func (b *builder) level(l media.Level) {
	l2 := l
	b.add(replay.Step{Level: &l2})
	b.wait(40)
}

func (b *builder) end() {
	pos, paused := b.pos, true
	b.wait(50)
	b.add(replay.Step{Time: &pos, Paused: &paused, Event: media.EventPause})
	b.add(replay.Step{Event: media.EventEnded})
}
