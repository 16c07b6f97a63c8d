package monitor

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/mave-metrics/agent/internal/config"
	"github.com/mave-metrics/agent/media"
)

// Probe margins. The tolerance a probe tick allows is the probe interval
// minus the margin.
const (
	TrackerProbeMargin = 20 * time.Millisecond
	ClientProbeMargin  = 40 * time.Millisecond
)

// Options tune the normalizer. Zero values are not defaults: build them
// with DefaultOptions or FromConfig.
type Options struct {
	ProbeInterval time.Duration
	ProbeMargin   time.Duration
	// SeekThreshold is in seconds. Larger position jumps while playing are
	// reported as a pause followed by a play.
	SeekThreshold float64
	// ZeroThreshold is in seconds. Play positions closer to zero are
	// reported as 0.
	ZeroThreshold      float64
	MinPauseReadyState media.ReadyState
	ListenSeeking      bool
	PushTimeout        time.Duration

	Now    func() time.Time
	Logger *zerolog.Logger
}

func DefaultOptions() Options {
	cfg := config.Default()
	return FromConfig(cfg.Normalizer, cfg.Collector.PushTimeout)
}

func FromConfig(n config.Normalizer, pushTimeout time.Duration) Options {
	return Options{
		ProbeInterval:      n.ProbeInterval,
		ProbeMargin:        n.ProbeMargin,
		SeekThreshold:      n.SeekThreshold,
		ZeroThreshold:      n.ZeroThreshold,
		MinPauseReadyState: media.ReadyState(n.MinPauseReadyState),
		ListenSeeking:      n.ListenSeeking,
		PushTimeout:        pushTimeout,
	}
}

// tolerance is the minimum advance, in seconds, expected between two probe
// ticks at normal rate.
func (o Options) tolerance() float64 {
	return (o.ProbeInterval - o.ProbeMargin).Seconds()
}
