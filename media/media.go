// Package media describes the host side of a monitored playback: the media
// element, the page hosting it and the optional adaptive-streaming engine
// driving it. Hosts implement these interfaces and dispatch native events;
// Player, Window and Adaptive are in-process implementations.
package media

// EventType names a native or derived media signal.
type EventType string

// Native media element events.
const (
	EventDurationChange EventType = "durationchange"
	EventLoadedMetadata EventType = "loadedmetadata"
	EventTimeUpdate     EventType = "timeupdate"
	EventLoadedData     EventType = "loadeddata"
	EventCanPlay        EventType = "canplay"
	EventCanPlayThrough EventType = "canplaythrough"
	EventSeeking        EventType = "seeking"
	EventSeeked         EventType = "seeked"
	EventRateChange     EventType = "ratechange"
	EventVolumeChange   EventType = "volumechange"
	EventPlaying        EventType = "playing"
	EventEnded          EventType = "ended"
	EventPlay           EventType = "play"
	EventPause          EventType = "pause"
	EventError          EventType = "error"
)

// Derived signals: text-track cue changes, source attribute mutations and
// element resizes.
const (
	EventCueChange EventType = "cuechange"
	EventSrcChange EventType = "srcchange"
	EventResize    EventType = "resize"
)

// NativeEvents lists the element events a monitor subscribes to, in
// registration order.
var NativeEvents = []EventType{
	EventDurationChange,
	EventLoadedMetadata,
	EventTimeUpdate,
	EventLoadedData,
	EventCanPlay,
	EventCanPlayThrough,
	EventSeeking,
	EventSeeked,
	EventRateChange,
	EventVolumeChange,
	EventPlaying,
	EventEnded,
	EventPlay,
	EventPause,
	EventError,
}

// ReadyState mirrors HTMLMediaElement.readyState.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

var readyStateNames = map[ReadyState]string{
	HaveNothing:     "have_nothing",
	HaveMetadata:    "have_metadata",
	HaveCurrentData: "have_current_data",
	HaveFutureData:  "have_future_data",
	HaveEnoughData:  "have_enough_data",
}

func (r ReadyState) String() string {
	if s, ok := readyStateNames[r]; ok {
		return s
	}
	return "unknown"
}

// Cue is the first active cue of a text track at cue-change time.
type Cue struct {
	Text     string `json:"text,omitempty"`
	Language string `json:"language"`
}

// Event is one signal delivered to a Listener.
type Event struct {
	Type EventType
	// Cue is set for EventCueChange when the track has an active cue.
	Cue *Cue
}

// Listener receives element signals. Listeners run on the dispatching
// goroutine.
type Listener func(Event)

// Element is a media element under observation.
type Element interface {
	// ID is stable for the lifetime of the element and keys its session.
	ID() string
	CurrentTime() float64
	Paused() bool
	Seeking() bool
	PlaybackRate() float64
	ReadyState() ReadyState
	CurrentSrc() string
	// On registers fn for t and returns a func that removes it.
	On(t EventType, fn Listener) (off func())
}

// Viewport exposes the layout sizes used for fullscreen detection.
type Viewport interface {
	InnerHeight() int
	ScreenHeight() int
}

// Page is the document hosting media elements.
type Page interface {
	Viewport
	Location() string
	// QuerySelector returns nil when nothing matches.
	QuerySelector(selector string) Element
}

// Level describes an adaptive-streaming quality level.
type Level struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Bitrate    int    `json:"bitrate"`
	VideoCodec string `json:"video_codec"`
	URI        string `json:"uri"`
}

// Engine is an adaptive-streaming engine bound to a media element.
type Engine interface {
	// Media returns nil until the engine has attached to an element.
	Media() Element
	OnLevelSwitching(fn func(Level)) (off func())
}
