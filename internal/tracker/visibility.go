package tracker

import (
	"context"
	"sync"

	"github.com/fakeyudi/pulse/internal/event"
)

// VisibilityTracker reports foreground/background transitions. Going hidden
// runs OnHidden, which typically performs the teardown send; becoming
// visible counts as activity.
type VisibilityTracker struct {
	Emitter  Emitter
	Session  Toucher
	OnHidden func()

	mu      sync.Mutex
	visible bool
	known   bool
}

func (vt *VisibilityTracker) Start(context.Context) error { return nil }
func (vt *VisibilityTracker) Stop() error                 { return nil }

// SetVisible records the visibility state. Repeated calls with the same
// state emit nothing.
func (vt *VisibilityTracker) SetVisible(visible bool) {
	vt.mu.Lock()
	if vt.known && vt.visible == visible {
		vt.mu.Unlock()
		return
	}
	vt.visible, vt.known = visible, true
	vt.mu.Unlock()

	vt.Emitter.Emit(event.NewVisibilityChange(visible))
	if visible {
		if vt.Session != nil {
			vt.Session.Touch()
		}
		return
	}
	if vt.OnHidden != nil {
		vt.OnHidden()
	}
}

// Visible reports the last recorded state; it is true before any call.
func (vt *VisibilityTracker) Visible() bool {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	return !vt.known || vt.visible
}
