package metrics

import "github.com/mave-metrics/agent/media"

// Target names what to monitor: a selector on the agent's page, an element,
// or an adaptive streaming engine whose media element is used.
type Target interface {
	resolve(page media.Page) (media.Element, media.Engine)
	String() string
}

type selectorTarget string

// Selector targets the element the page finds for sel.
func Selector(sel string) Target { return selectorTarget(sel) }

func (s selectorTarget) resolve(page media.Page) (media.Element, media.Engine) {
	return page.QuerySelector(string(s)), nil
}

func (s selectorTarget) String() string { return string(s) }

type elementTarget struct{ el media.Element }

func ElementRef(el media.Element) Target { return elementTarget{el: el} }

func (e elementTarget) resolve(media.Page) (media.Element, media.Engine) {
	return e.el, nil
}

func (e elementTarget) String() string {
	if e.el == nil {
		return "<nil element>"
	}
	return "element " + e.el.ID()
}

type engineTarget struct{ eng media.Engine }

// EngineRef targets the media element eng is attached to. Source changes
// are then reported from the engine's level switches.
func EngineRef(eng media.Engine) Target { return engineTarget{eng: eng} }

func (e engineTarget) resolve(media.Page) (media.Element, media.Engine) {
	if e.eng == nil {
		return nil, nil
	}
	el := e.eng.Media()
	if el == nil {
		return nil, nil
	}
	return el, e.eng
}

func (e engineTarget) String() string { return "engine" }

// Identity is what a session reports about the content being played.
type Identity struct {
	// Identifier is the legacy caller-supplied session identifier.
	Identifier  string
	Metadata    map[string]any
	SessionData map[string]any
}

// WithIdentifier is the identifier, metadata and session data shape.
func WithIdentifier(identifier string, metadata, sessionData map[string]any) Identity {
	return Identity{Identifier: identifier, Metadata: metadata, SessionData: sessionData}
}

// WithMetadata is the metadata-only shape.
func WithMetadata(metadata map[string]any) Identity {
	return Identity{Metadata: metadata}
}

func (i Identity) empty() bool {
	return i.Identifier == "" && i.Metadata == nil && i.SessionData == nil
}
