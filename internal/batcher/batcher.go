// Package batcher queues tracking events and delivers them to the collector
// in ordered batches.
//
// A batch is flushed when the queue reaches BatchSize or when the periodic
// timer fires with work pending. At most one flush is in flight; events added
// meanwhile wait for the next one. A failed batch moves to a bounded retry
// queue and is sent ahead of newer events on the next flush.
package batcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/event"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
)

// retryFactor bounds the retry queue at retryFactor*BatchSize events.
const retryFactor = 3

// ErrDestroyed is returned by Flush after Destroy.
var ErrDestroyed = errors.New("batcher destroyed")

// Sender delivers a batch, including any immediate retries.
type Sender interface {
	SendEvents(ctx context.Context, batch *event.EventBatch) error
}

// Beaconer delivers a batch on the teardown path without waiting.
type Beaconer interface {
	BeaconEvents(batch *event.EventBatch)
}

// Identity supplies the ids and session metadata stamped on each batch.
type Identity interface {
	SessionID() string
	VisitorID() string
	UserID() string
	IsFirstBatchForSession() bool
	MarkFirstBatchSent()
	SessionMetadata() event.SessionMetadata
}

// Options configures a Batcher.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	// FlushTimeout bounds flushes started by the timer or by Add.
	FlushTimeout time.Duration
	Beaconer     Beaconer
	OnError      func(err error, events []event.TrackingEvent)
	OnFlush      func(events []event.TrackingEvent)
	Logger       zerolog.Logger
}

// Batcher is safe for concurrent use.
type Batcher struct {
	mu        sync.Mutex
	queue     []event.TrackingEvent
	retry     []event.TrackingEvent
	flushing  bool
	destroyed bool
	dropped   int

	// idle is closed when the in-flight flush finishes; nil when none is.
	idle chan struct{}

	sender Sender
	ident  Identity
	clk    clock.Clock
	opts   Options
	log    zerolog.Logger
	timer  clock.Stopper

	// dispatch runs flushes triggered by Add.
	dispatch func(func())
}

// New starts a Batcher with its periodic flush timer running.
func New(sender Sender, ident Identity, clk clock.Clock, opts Options) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	b := &Batcher{
		sender:   sender,
		ident:    ident,
		clk:      clk,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "batcher").Logger(),
		dispatch: func(fn func()) { go fn() },
	}
	b.timer = clk.Every(opts.FlushInterval, b.tick)
	return b
}

func (b *Batcher) tick() {
	b.mu.Lock()
	pending := len(b.queue) > 0 || len(b.retry) > 0
	b.mu.Unlock()
	if pending {
		b.backgroundFlush()
	}
}

func (b *Batcher) backgroundFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
	defer cancel()
	_ = b.Flush(ctx)
}

// Add queues ev. Reaching BatchSize starts a flush without waiting for it.
// Events added after Destroy are dropped.
func (b *Batcher) Add(ev event.TrackingEvent) {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	full := len(b.queue) >= b.opts.BatchSize && !b.flushing
	b.mu.Unlock()

	if full {
		b.dispatch(b.backgroundFlush)
	}
}

// Flush sends everything queued as one batch, retry events first. It returns
// nil immediately when there is nothing to send or another flush is running.
// A delivery failure is returned after the events have been moved to the
// retry queue and OnError has run.
func (b *Batcher) Flush(ctx context.Context) error {
	return b.flush(ctx, false)
}

// Drain is Flush for callers that need the outcome: it first waits for an
// in-flight flush, so its result covers every event queued before the call.
func (b *Batcher) Drain(ctx context.Context) error {
	return b.flush(ctx, true)
}

func (b *Batcher) flush(ctx context.Context, wait bool) error {
	b.mu.Lock()
	for wait && b.idle != nil {
		idle := b.idle
		b.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	if b.flushing || (len(b.queue) == 0 && len(b.retry) == 0) {
		b.mu.Unlock()
		return nil
	}
	b.flushing = true
	b.idle = make(chan struct{})
	events := make([]event.TrackingEvent, 0, len(b.retry)+len(b.queue))
	events = append(events, b.retry...)
	events = append(events, b.queue...)
	b.retry, b.queue = nil, nil
	b.mu.Unlock()

	batch := b.build(events)
	err := b.sender.SendEvents(ctx, batch)

	b.mu.Lock()
	b.flushing = false
	close(b.idle)
	b.idle = nil
	// A batch that fails after Destroy has missed the teardown send.
	late := err != nil && b.destroyed
	if err != nil && !late {
		b.requeue(events)
	}
	b.mu.Unlock()

	if late {
		b.beacon(events)
	}
	if err != nil {
		b.log.Warn().Err(err).Int("events", len(events)).Msg("flush failed, events deferred to next flush")
		if b.opts.OnError != nil {
			b.opts.OnError(err, events)
		}
		return err
	}
	if batch.Session != nil {
		b.ident.MarkFirstBatchSent()
	}
	b.log.Debug().Int("events", len(events)).Str("session_id", batch.SessionID).Msg("flushed")
	if b.opts.OnFlush != nil {
		b.opts.OnFlush(events)
	}
	return nil
}

// requeue stores a failed batch for the next flush, keeping the oldest events
// when it exceeds the retry bound. b.mu must be held.
func (b *Batcher) requeue(events []event.TrackingEvent) {
	limit := retryFactor * b.opts.BatchSize
	if len(events) > limit {
		lost := len(events) - limit
		b.dropped += lost
		b.log.Warn().Int("dropped", lost).Int("limit", limit).Msg("retry queue full")
		events = events[:limit]
	}
	b.retry = events
}

func (b *Batcher) build(events []event.TrackingEvent) *event.EventBatch {
	batch := &event.EventBatch{
		SessionID:      b.ident.SessionID(),
		VisitorID:      b.ident.VisitorID(),
		UserIdentifier: b.ident.UserID(),
		Events:         events,
	}
	if b.ident.IsFirstBatchForSession() {
		md := b.ident.SessionMetadata()
		batch.Session = &md
	}
	return batch
}

// Teardown hands everything queued to the Beaconer and empties the queues.
// It does not retry and does not wait. Without a Beaconer the events are
// discarded.
func (b *Batcher) Teardown() {
	b.mu.Lock()
	events := make([]event.TrackingEvent, 0, len(b.retry)+len(b.queue))
	events = append(events, b.retry...)
	events = append(events, b.queue...)
	b.retry, b.queue = nil, nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}
	b.beacon(events)
}

func (b *Batcher) beacon(events []event.TrackingEvent) {
	if b.opts.Beaconer == nil {
		b.log.Debug().Int("events", len(events)).Msg("no teardown transport, events discarded")
		return
	}
	b.opts.Beaconer.BeaconEvents(b.build(events))
	b.log.Debug().Int("events", len(events)).Msg("teardown send")
}

// Destroy stops the timer, performs the teardown send and drops later adds.
// A flush still in flight that fails afterwards goes to the Beaconer too.
func (b *Batcher) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.mu.Unlock()

	b.timer.Stop()
	b.Teardown()
}

// QueueSize returns the number of events waiting for the next flush,
// excluding the retry queue.
func (b *Batcher) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// RetrySize returns the number of events held from failed flushes.
func (b *Batcher) RetrySize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.retry)
}

// Dropped returns how many events were discarded because the retry queue
// was full.
func (b *Batcher) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
