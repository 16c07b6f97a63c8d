package session

import "time"

// EventName is the closed set of normalized event names.
type EventName string

const (
	EventPlay             EventName = "play"
	EventPause            EventName = "pause"
	EventSourceSet        EventName = "source_set"
	EventTrackSet         EventName = "track_set"
	EventRebufferingStart EventName = "rebuffering_start"
	EventRebufferingEnd   EventName = "rebuffering_end"
	EventFullscreenEnter  EventName = "fullscreen_enter"
	EventFullscreenExit   EventName = "fullscreen_exit"
	EventPlaybackFailure  EventName = "playback_failure"
)

// PushEvent is the channel event every normalized event is pushed under.
const PushEvent = "event"

// Event is one outbound telemetry record. From and To are pointers so a
// zero position is still sent.
type Event struct {
	Name      EventName `json:"name"`
	Timestamp int64     `json:"timestamp"` // ms since epoch
	From      *float64  `json:"from,omitempty"`
	To        *float64  `json:"to,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Bitrate   int       `json:"bitrate,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Language  string    `json:"language,omitempty"`
}

func NewEvent(name EventName, at time.Time) Event {
	return Event{Name: name, Timestamp: at.UnixMilli()}
}

func (e Event) WithFrom(pos float64) Event {
	e.From = &pos
	return e
}

func (e Event) WithTo(pos float64) Event {
	e.To = &pos
	return e
}
