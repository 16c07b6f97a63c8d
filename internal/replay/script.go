// Package replay reads recorded playback scripts and plays them back
// against in-process media.
//
// A script is JSON Lines, one Step per line. Blank lines and lines
// starting with # are skipped:
//
//	{"at_ms":0,"src":"https://cdn.example.com/a.mp4","event":"loadedmetadata","ready":4}
//	{"at_ms":20,"paused":false,"event":"play"}
//	{"at_ms":270,"time":0.25,"event":"timeupdate"}
//	{"at_ms":5000,"time":4.98,"paused":true,"event":"pause"}
package replay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/mave-metrics/agent/media"
)

// Step sets element and page state, then optionally dispatches an event.
// Offsets are relative to the start of the script.
type Step struct {
	AtMS int64 `json:"at_ms"`

	Time    *float64          `json:"time,omitempty"`
	Paused  *bool             `json:"paused,omitempty"`
	Seeking *bool             `json:"seeking,omitempty"`
	Rate    *float64          `json:"rate,omitempty"`
	Ready   *media.ReadyState `json:"ready,omitempty"`
	Src     *string           `json:"src,omitempty"`

	// InnerHeight resizes the viewport and dispatches resize.
	InnerHeight *int `json:"inner_height,omitempty"`
	// Cue dispatches cuechange with the cue as the first active cue.
	Cue *media.Cue `json:"cue,omitempty"`
	// Level announces an engine level switch.
	Level *media.Level `json:"level,omitempty"`

	Event media.EventType `json:"event,omitempty"`
}

func (s Step) At() time.Duration {
	return time.Duration(s.AtMS) * time.Millisecond
}

// ParseScript reads steps from r. Offsets must not decrease.
func ParseScript(r io.Reader) ([]Step, error) {
	var steps []Step
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	var last int64
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var step Step
		if err := json.Unmarshal(line, &step); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if step.Event != "" && !known(step.Event) {
			return nil, fmt.Errorf("line %d: unknown event %q", lineNo, step.Event)
		}
		if step.AtMS < last {
			return nil, fmt.Errorf("line %d: at_ms %d before previous step at %d", lineNo, step.AtMS, last)
		}
		last = step.AtMS
		steps = append(steps, step)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return steps, nil
}

func LoadScript(path string) ([]Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	steps, err := ParseScript(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return steps, nil
}

// WriteScript encodes steps as JSON Lines.
func WriteScript(w io.Writer, steps []Step) error {
	enc := json.NewEncoder(w)
	for _, s := range steps {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

// UsesEngine reports whether any step needs an adaptive engine.
func UsesEngine(steps []Step) bool {
	for _, s := range steps {
		if s.Level != nil {
			return true
		}
	}
	return false
}

func known(t media.EventType) bool {
	switch t {
	case media.EventCueChange, media.EventSrcChange, media.EventResize:
		return true
	}
	for _, n := range media.NativeEvents {
		if n == t {
			return true
		}
	}
	return false
}
