// Package recorder buffers UI-replay events and uploads them as compressed,
// sequentially indexed chunks.
//
// Chunk indices start at 0 for each recorded session and advance only when an
// upload succeeds, so a session's index sequence never has gaps. A failed
// chunk's events go back to the front of the buffer for the next flush.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/event"
)

const (
	DefaultMaxEvents     = 500
	DefaultFlushInterval = 10 * time.Second
	DefaultMaxDuration   = 30 * time.Minute
)

// Uploader delivers a chunk, including any immediate retries.
type Uploader interface {
	SendChunk(ctx context.Context, chunk *event.RecordingChunk) error
}

// Beaconer delivers a chunk on the teardown path without waiting.
type Beaconer interface {
	BeaconChunk(chunk *event.RecordingChunk)
}

// Identity supplies the ids a recording is attributed to.
type Identity interface {
	SessionID() string
	VisitorID() string
}

// EventSource produces replay events. OnEvent registers fn and returns a
// function that unregisters it.
type EventSource interface {
	OnEvent(fn func(event.ReplayEvent)) (cancel func())
}

// Options configures a Recorder.
type Options struct {
	// MaxEvents is the buffer size that forces a flush.
	MaxEvents     int
	FlushInterval time.Duration
	// MaxDuration stops a recording regardless of activity.
	MaxDuration  time.Duration
	FlushTimeout time.Duration
	Compressor   Compressor
	Beaconer     Beaconer
	OnError      func(err error, chunkIndex int)
	Logger       zerolog.Logger
}

type state int

const (
	stopped state = iota
	recording
	destroyed
)

func (s state) String() string {
	switch s {
	case recording:
		return "recording"
	case destroyed:
		return "destroyed"
	default:
		return "stopped"
	}
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	state     state
	buffer    []event.ReplayEvent
	index     int
	sessionID string
	visitorID string
	timers    []clock.Stopper
	detach    []func()

	// pendingLast is set by Stop until the terminal chunk is acknowledged.
	pendingLast bool

	// flushMu serialises uploads. Periodic and cap flushes skip when it is
	// held; the final flush waits for it.
	flushMu sync.Mutex

	uploader Uploader
	ident    Identity
	clk      clock.Clock
	opts     Options
	log      zerolog.Logger
	dispatch func(func())
}

// New returns a stopped Recorder.
func New(uploader Uploader, ident Identity, clk clock.Clock, opts Options) *Recorder {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = time.Minute
	}
	if opts.Compressor == nil {
		opts.Compressor = Snappy{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Recorder{
		uploader: uploader,
		ident:    ident,
		clk:      clk,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "recorder").Logger(),
		dispatch: func(fn func()) { go fn() },
	}
}

// Start begins recording for the current session. Restarting within the
// same session continues its chunk sequence; a new session starts at 0.
func (r *Recorder) Start() {
	sessionID, visitorID := r.ident.SessionID(), r.ident.VisitorID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stopped {
		return
	}
	if sessionID != r.sessionID {
		if len(r.buffer) > 0 {
			r.log.Warn().Str("session_id", r.sessionID).Int("dropped", len(r.buffer)).
				Msg("discarding undelivered replay events from previous session")
		}
		r.sessionID = sessionID
		r.index = 0
		r.buffer = nil
	}
	r.visitorID = visitorID
	r.pendingLast = false
	r.state = recording
	r.timers = append(r.timers,
		r.clk.Every(r.opts.FlushInterval, r.tick),
		r.clk.AfterFunc(r.opts.MaxDuration, r.expire),
	)
	r.log.Info().Str("session_id", sessionID).Int("chunk_index", r.index).Msg("recording started")
}

func (r *Recorder) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
	defer cancel()
	_ = r.Flush(ctx, false)
}

func (r *Recorder) expire() {
	r.log.Info().Dur("max_duration", r.opts.MaxDuration).Msg("maximum recording duration reached")
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
	defer cancel()
	_ = r.Stop(ctx)
}

// Record appends ev to the buffer. It is a no-op unless recording. Reaching
// MaxEvents starts a flush without waiting for it.
func (r *Recorder) Record(ev event.ReplayEvent) {
	r.mu.Lock()
	if r.state != recording {
		r.mu.Unlock()
		return
	}
	r.buffer = append(r.buffer, ev)
	full := len(r.buffer) >= r.opts.MaxEvents
	r.mu.Unlock()

	if full {
		r.dispatch(r.tick)
	}
}

// Attach subscribes the recorder to src until Destroy.
func (r *Recorder) Attach(src EventSource) {
	cancel := src.OnEvent(r.Record)
	r.mu.Lock()
	r.detach = append(r.detach, cancel)
	r.mu.Unlock()
}

// Flush uploads the buffer as the next chunk. Empty buffers are skipped
// unless isLast is set, in which case an empty terminal chunk closes the
// sequence. On failure the events are returned to the front of the buffer
// and the index is unchanged.
func (r *Recorder) Flush(ctx context.Context, isLast bool) error {
	if isLast {
		r.flushMu.Lock()
	} else if !r.flushMu.TryLock() {
		return nil
	}
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.state == destroyed || (len(r.buffer) == 0 && !isLast) {
		r.mu.Unlock()
		return nil
	}
	events := r.buffer
	r.buffer = nil
	index := r.index
	sessionID, visitorID := r.sessionID, r.visitorID
	r.mu.Unlock()

	chunk, err := r.chunk(r.opts.Compressor, sessionID, visitorID, index, events, isLast)
	if err == nil {
		err = r.uploader.SendChunk(ctx, chunk)
	}

	r.mu.Lock()
	if err != nil {
		r.buffer = append(events, r.buffer...)
	} else if r.sessionID == sessionID {
		r.index++
		if isLast {
			r.pendingLast = false
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn().Err(err).Int("chunk_index", index).Int("events", len(events)).Msg("chunk upload failed, events kept for next flush")
		if r.opts.OnError != nil {
			r.opts.OnError(err, index)
		}
		return err
	}
	r.log.Debug().Int("chunk_index", index).Int("events", len(events)).Bool("is_last", isLast).Msg("chunk uploaded")
	return nil
}

func (r *Recorder) chunk(c Compressor, sessionID, visitorID string, index int, events []event.ReplayEvent, isLast bool) (*event.RecordingChunk, error) {
	payload, err := c.Compress(events)
	if err != nil {
		return nil, err
	}
	chunk := &event.RecordingChunk{
		SessionID:  sessionID,
		VisitorID:  visitorID,
		ChunkIndex: index,
		Events:     payload,
		Encoding:   c.Encoding(),
		EventCount: len(events),
		IsLast:     isLast,
	}
	if len(events) > 0 {
		chunk.StartTime = events[0].Timestamp
		chunk.EndTime = events[len(events)-1].Timestamp
	} else {
		now := r.clk.Now().UnixMilli()
		chunk.StartTime, chunk.EndTime = now, now
	}
	return chunk, nil
}

// Stop ends the recording with a final chunk marked isLast. The terminal
// chunk is sent even when the buffer is empty.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != recording {
		r.mu.Unlock()
		return nil
	}
	r.state = stopped
	r.pendingLast = true
	r.stopTimers()
	r.mu.Unlock()

	r.log.Info().Str("session_id", r.currentSession()).Msg("recording stopped")
	return r.Flush(ctx, true)
}

// Destroy stops the recorder for good. A recording in progress, or a stopped
// one whose terminal chunk was never acknowledged, is closed by handing the
// buffer, uncompressed and marked isLast, to the Beaconer.
func (r *Recorder) Destroy() {
	r.mu.Lock()
	if r.state == destroyed {
		r.mu.Unlock()
		return
	}
	open := r.state == recording || r.pendingLast
	r.state = destroyed
	r.pendingLast = false
	r.stopTimers()
	events := r.buffer
	r.buffer = nil
	index := r.index
	sessionID, visitorID := r.sessionID, r.visitorID
	detach := r.detach
	r.detach = nil
	r.mu.Unlock()

	for _, cancel := range detach {
		cancel()
	}
	if !open || r.opts.Beaconer == nil {
		return
	}
	chunk, err := r.chunk(PlainJSON{}, sessionID, visitorID, index, events, true)
	if err != nil {
		r.log.Debug().Err(err).Msg("teardown chunk dropped")
		return
	}
	r.opts.Beaconer.BeaconChunk(chunk)
}

// stopTimers cancels the flush and duration timers. r.mu must be held.
func (r *Recorder) stopTimers() {
	for _, t := range r.timers {
		t.Stop()
	}
	r.timers = nil
}

func (r *Recorder) currentSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// ChunkIndex returns the index the next chunk will carry.
func (r *Recorder) ChunkIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// IsRecording reports whether the recorder is accepting events.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == recording
}

// Buffered returns the number of events waiting to be uploaded.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// State returns "stopped", "recording" or "destroyed".
func (r *Recorder) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.String()
}
