package media

import "sync"

// Window is an in-process Page. Elements are found by exact selector match.
type Window struct {
	mu           sync.RWMutex
	location     string
	innerHeight  int
	screenHeight int
	elements     map[string]Element
}

func NewWindow(location string, innerHeight, screenHeight int) *Window {
	return &Window{
		location:     location,
		innerHeight:  innerHeight,
		screenHeight: screenHeight,
		elements:     make(map[string]Element),
	}
}

func (w *Window) Location() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.location
}

func (w *Window) InnerHeight() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.innerHeight
}

func (w *Window) ScreenHeight() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.screenHeight
}

func (w *Window) SetInnerHeight(h int) {
	w.mu.Lock()
	w.innerHeight = h
	w.mu.Unlock()
}

// Mount makes el reachable through selector.
func (w *Window) Mount(selector string, el Element) {
	w.mu.Lock()
	w.elements[selector] = el
	w.mu.Unlock()
}

func (w *Window) Unmount(selector string) {
	w.mu.Lock()
	delete(w.elements, selector)
	w.mu.Unlock()
}

func (w *Window) QuerySelector(selector string) Element {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if el, ok := w.elements[selector]; ok {
		return el
	}
	return nil
}
