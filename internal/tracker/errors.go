package tracker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/fakeyudi/pulse/internal/event"
)

// ErrorTracker reports errors and panics as error events.
type ErrorTracker struct {
	Emitter Emitter
	// Source labels the events, for example the component name.
	Source string
}

func (et *ErrorTracker) Start(context.Context) error { return nil }
func (et *ErrorTracker) Stop() error                 { return nil }

// Capture emits err. A nil err is ignored.
func (et *ErrorTracker) Capture(err error) {
	if err == nil {
		return
	}
	et.Emitter.Emit(event.NewError(err.Error(), "", et.Source, 0, 0))
}

// Recover reports a panic and re-panics. Use it as a deferred call:
//
//	defer errs.Recover()
func (et *ErrorTracker) Recover() {
	r := recover()
	if r == nil {
		return
	}
	et.Emitter.Emit(event.NewError(fmt.Sprint(r), string(debug.Stack()), et.Source, 0, 0))
	panic(r)
}
