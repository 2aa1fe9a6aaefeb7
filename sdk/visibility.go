package decisra

import "sync"

// Visibility reports whether the consuming context is currently visible
// to the user. While hidden, reconnect backoff is pinned to a long
// interval; regaining visibility forces an immediate reconnect.
type Visibility interface {
	Hidden() bool
	// Visible returns a channel that receives a value whenever the
	// context transitions from hidden to visible.
	Visible() <-chan struct{}
}

// AlwaysVisible is the default Visibility for headless consumers.
type AlwaysVisible struct{}

func (AlwaysVisible) Hidden() bool             { return false }
func (AlwaysVisible) Visible() <-chan struct{} { return nil }

// VisibilityState is a mutable Visibility for embedders that track
// focus/background state (and for tests).
type VisibilityState struct {
	mu      sync.Mutex
	hidden  bool
	visible chan struct{}
}

// NewVisibilityState creates a visible VisibilityState.
func NewVisibilityState() *VisibilityState {
	return &VisibilityState{visible: make(chan struct{}, 1)}
}

func (v *VisibilityState) Hidden() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hidden
}

func (v *VisibilityState) Visible() <-chan struct{} {
	return v.visible
}

// SetHidden updates the state. A hidden-to-visible transition signals
// the Visible channel.
func (v *VisibilityState) SetHidden(hidden bool) {
	v.mu.Lock()
	wasHidden := v.hidden
	v.hidden = hidden
	v.mu.Unlock()

	if wasHidden && !hidden {
		select {
		case v.visible <- struct{}{}:
		default:
		}
	}
}
