package replay

import (
	"context"
	"time"

	"github.com/mave-metrics/agent/internal/logging"
	"github.com/mave-metrics/agent/media"
)

// Runner applies steps to a player, its window and optionally an engine.
type Runner struct {
	Player *media.Player
	Window *media.Window
	Engine *media.Adaptive

	// Speed scales playback of offsets; 2 plays twice as fast. Zero means 1.
	Speed float64

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(p *media.Player, w *media.Window, eng *media.Adaptive) *Runner {
	return &Runner{Player: p, Window: w, Engine: eng, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run applies steps at their offsets. It stops early when ctx is done.
func (r *Runner) Run(ctx context.Context, steps []Step) error {
	speed := r.Speed
	if speed <= 0 {
		speed = 1
	}
	log := logging.Component("replay")
	start := time.Now()
	for i, step := range steps {
		due := time.Duration(float64(step.At()) / speed)
		if err := r.sleep(ctx, due-time.Since(start)); err != nil {
			log.Info().Int("applied", i).Int("total", len(steps)).Msg("replay interrupted")
			return err
		}
		r.Apply(step)
	}
	log.Debug().Int("steps", len(steps)).Dur("elapsed", time.Since(start)).Msg("replay finished")
	return nil
}

// Apply sets the step's state and dispatches its event.
func (r *Runner) Apply(s Step) {
	p := r.Player
	if s.Time != nil {
		p.SetCurrentTime(*s.Time)
	}
	if s.Paused != nil {
		p.SetPaused(*s.Paused)
	}
	if s.Seeking != nil {
		p.SetSeeking(*s.Seeking)
	}
	if s.Rate != nil {
		p.SetPlaybackRate(*s.Rate)
	}
	if s.Ready != nil {
		p.SetReadyState(*s.Ready)
	}
	if s.Src != nil {
		p.SetSrc(*s.Src)
	}
	if s.InnerHeight != nil && r.Window != nil {
		r.Window.SetInnerHeight(*s.InnerHeight)
		p.Dispatch(media.EventResize)
	}
	if s.Cue != nil {
		p.DispatchCue(s.Cue)
	}
	if s.Level != nil && r.Engine != nil {
		r.Engine.SwitchLevel(*s.Level)
	}

	switch s.Event {
	case "":
	case media.EventCueChange:
		if s.Cue == nil {
			p.DispatchCue(nil)
		}
	case media.EventResize:
		if s.InnerHeight == nil {
			p.Dispatch(media.EventResize)
		}
	default:
		p.Dispatch(s.Event)
	}
}
