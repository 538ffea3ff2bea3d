package tracker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/event"
)

// DefaultPointerInterval is the minimum spacing of pointer-move activity.
const DefaultPointerInterval = time.Second

// Toucher records user activity on the session.
type Toucher interface {
	Touch()
}

// ActivityTracker keeps the session alive while the user is active. Clicks,
// scrolls, form submits and becoming visible count as activity, as do key
// presses and throttled pointer movement. Events pass through to Next.
type ActivityTracker struct {
	next    Emitter
	session Toucher
	clk     clock.Clock
	limiter *rate.Limiter
}

// NewActivityTracker returns an ActivityTracker forwarding to next. A
// non-positive pointerInterval uses DefaultPointerInterval.
func NewActivityTracker(next Emitter, session Toucher, clk clock.Clock, pointerInterval time.Duration) *ActivityTracker {
	if pointerInterval <= 0 {
		pointerInterval = DefaultPointerInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ActivityTracker{
		next:    next,
		session: session,
		clk:     clk,
		limiter: rate.NewLimiter(rate.Every(pointerInterval), 1),
	}
}

func (a *ActivityTracker) Start(context.Context) error { return nil }
func (a *ActivityTracker) Stop() error                 { return nil }

// Emit touches the session for activity events and forwards ev.
func (a *ActivityTracker) Emit(ev event.TrackingEvent) {
	switch ev.Type {
	case event.TypeClick, event.TypeScroll, event.TypeFormSubmit:
		a.session.Touch()
	case event.TypeVisibilityChange:
		if ev.Visible != nil && *ev.Visible {
			a.session.Touch()
		}
	}
	a.next.Emit(ev)
}

// KeyDown records a key press.
func (a *ActivityTracker) KeyDown() { a.session.Touch() }

// PointerMove records pointer movement, at most once per pointer interval.
// It reports whether the movement counted.
func (a *ActivityTracker) PointerMove() bool {
	if !a.limiter.AllowN(a.clk.Now(), 1) {
		return false
	}
	a.session.Touch()
	return true
}
