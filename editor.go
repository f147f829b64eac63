package copilot

import (
	"sync"
)

// SurfaceID is the stable identity of one editable document view.
type SurfaceID string

// WindowID is the stable identity of one editor window.
type WindowID string

// Region is a begin/end character-offset span. For a caret with no
// selection, Begin == End.
type Region struct {
	Begin int
	End   int
}

// SurfaceKind classifies a surface for eligibility checks.
type SurfaceKind int

const (
	// SurfaceKindText is a regular editable document view.
	SurfaceKindText SurfaceKind = iota
	// SurfaceKindWidget is an input widget (search field, prompt).
	SurfaceKindWidget
	// SurfaceKindPanel is an output or tool panel.
	SurfaceKindPanel
)

// Surface is the host editor's view of one editable document. The host
// exposes raw facts; eligibility decisions stay in this package.
type Surface interface {
	ID() SurfaceID
	WindowID() WindowID
	Kind() SurfaceKind
	ReadOnly() bool
	Selections() []Region
	Document() Document
}

// Window is the host editor's view of one window.
type Window interface {
	ID() WindowID
	ActiveSurface() (Surface, bool)
}

// Registry maps stable surface/window identities to live host objects.
//
// The host attaches a surface when it is opened and detaches it when it
// closes. Sessions keyed by SurfaceID or WindowID look up their host object
// here on every access instead of holding a reference, so a detached surface
// naturally makes in-flight responses stale.
type Registry struct {
	mu       sync.RWMutex
	surfaces map[SurfaceID]Surface
	windows  map[WindowID]Window
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		surfaces: make(map[SurfaceID]Surface),
		windows:  make(map[WindowID]Window),
	}
}

// AttachSurface registers or replaces a surface.
func (r *Registry) AttachSurface(s Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surfaces[s.ID()] = s
}

// DetachSurface removes a surface.
func (r *Registry) DetachSurface(id SurfaceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.surfaces, id)
}

// Surface looks up a surface by ID.
func (r *Registry) Surface(id SurfaceID) (Surface, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.surfaces[id]
	return s, ok
}

// AttachWindow registers or replaces a window.
func (r *Registry) AttachWindow(w Window) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows[w.ID()] = w
}

// DetachWindow removes a window.
func (r *Registry) DetachWindow(id WindowID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, id)
}

// Window looks up a window by ID.
func (r *Registry) Window(id WindowID) (Window, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.windows[id]
	return w, ok
}

// eligibleSurface checks whether a surface may issue completion requests.
// Returns a typed skip error distinct from a transport failure.
func eligibleSurface(s Surface) error {
	if s.Kind() != SurfaceKindText {
		return &ErrSurfaceIneligible{Surface: s.ID(), Reason: "not a text surface"}
	}
	if s.ReadOnly() {
		return &ErrSurfaceIneligible{Surface: s.ID(), Reason: "read-only"}
	}
	if len(s.Selections()) != 1 {
		return &ErrSurfaceIneligible{Surface: s.ID(), Reason: "multiple selections"}
	}
	return nil
}
