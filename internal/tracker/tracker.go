// Package tracker turns host activity into tracking events.
//
// Trackers share no base type. Each one holds an Emitter and calls Emit with
// partially filled events; the BatchEmitter completes the envelope and hands
// them to the batcher.
package tracker

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/event"
)

// Emitter accepts partially filled events.
type Emitter interface {
	Emit(ev event.TrackingEvent)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev event.TrackingEvent)

func (f EmitterFunc) Emit(ev event.TrackingEvent) { f(ev) }

// Tracker is a source of events with a lifecycle.
type Tracker interface {
	Start(ctx context.Context) error
	Stop() error
}

// Adder is the batcher side of a BatchEmitter.
type Adder interface {
	Add(ev event.TrackingEvent)
}

// BatchEmitter stamps the timestamp and page URL on events that lack them,
// drops invalid events, and forwards the rest.
type BatchEmitter struct {
	adder Adder
	clk   clock.Clock
	page  func() string
	log   zerolog.Logger
}

// NewBatchEmitter returns a BatchEmitter. page may be nil.
func NewBatchEmitter(adder Adder, clk clock.Clock, page func() string, log zerolog.Logger) *BatchEmitter {
	if clk == nil {
		clk = clock.Real()
	}
	return &BatchEmitter{adder: adder, clk: clk, page: page, log: log}
}

func (e *BatchEmitter) Emit(ev event.TrackingEvent) {
	if ev.Timestamp == 0 {
		ev.Timestamp = e.clk.Now().UnixMilli()
	}
	if ev.URL == "" && e.page != nil {
		ev.URL = e.page()
	}
	if err := ev.Validate(); err != nil {
		e.log.Debug().Err(err).Str("type", string(ev.Type)).Msg("event dropped")
		return
	}
	e.adder.Add(ev)
}
