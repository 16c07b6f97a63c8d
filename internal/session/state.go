package session

import (
	"github.com/goccy/go-json"
)

// PlaybackState is the normalizer's view of a monitored element.
type PlaybackState int

const (
	Idle PlaybackState = iota
	Playing
	Paused
	Buffering
	Ended
)

var stateNames = map[PlaybackState]string{
	Idle:      "idle",
	Playing:   "playing",
	Paused:    "paused",
	Buffering: "buffering",
	Ended:     "ended",
}

var stateFromName = map[string]PlaybackState{
	"idle":      Idle,
	"playing":   Playing,
	"paused":    Paused,
	"buffering": Buffering,
	"ended":     Ended,
}

func (s PlaybackState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s PlaybackState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *PlaybackState) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Active reports whether the element is in a play cycle (including stalls).
func (s PlaybackState) Active() bool {
	return s == Playing || s == Buffering
}
