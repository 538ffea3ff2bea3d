package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakeyudi/pulse/internal/clock"
	"github.com/fakeyudi/pulse/internal/event"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// sink collects emitted or added events.
type sink struct {
	mu     sync.Mutex
	events []event.TrackingEvent
}

func (s *sink) Emit(ev event.TrackingEvent) { s.Add(ev) }

func (s *sink) Add(ev event.TrackingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) all() []event.TrackingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event.TrackingEvent(nil), s.events...)
}

type touchCounter struct {
	mu sync.Mutex
	n  int
}

func (c *touchCounter) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *touchCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestBatchEmitterStampsEnvelope(t *testing.T) {
	s := &sink{}
	e := NewBatchEmitter(s, clock.NewFake(epoch), func() string { return "https://shop.example/cart" }, zerolog.Nop())

	e.Emit(event.NewClick("#buy", "Buy", 10, 20))
	pinned := event.NewCustom("signup", nil)
	pinned.Timestamp = 42
	pinned.URL = "https://other.example/"
	e.Emit(pinned)

	got := s.all()
	require.Len(t, got, 2)
	assert.Equal(t, epoch.UnixMilli(), got[0].Timestamp)
	assert.Equal(t, "https://shop.example/cart", got[0].URL)
	assert.Equal(t, int64(42), got[1].Timestamp)
	assert.Equal(t, "https://other.example/", got[1].URL)
}

func TestBatchEmitterDropsInvalid(t *testing.T) {
	s := &sink{}
	e := NewBatchEmitter(s, clock.NewFake(epoch), nil, zerolog.Nop())
	e.Emit(event.TrackingEvent{Type: "hover"})
	e.Emit(event.NewCustom("", nil))
	assert.Empty(t, s.all())
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"scroll","timestamp":1700000000000,"url":"https://a.example","depth":75}`))
	require.NoError(t, err)
	assert.Equal(t, event.TypeScroll, ev.Type)
	assert.Equal(t, 75, ev.Depth)

	_, err = ParseEvent([]byte(`{"type":"hover"}`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`{not json`))
	assert.Error(t, err)
}

func TestFileTrackerFollowsAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"custom","name":"existing"}`+"\n"), 0o644))

	s := &sink{}
	ft := &FileTracker{Path: path, Emitter: s}
	require.NoError(t, ft.Start(context.Background()))
	defer ft.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"custom","name":"first"}` + "\n" + `{"type":"click","selector":"#a"`)
	require.NoError(t, err)
	_, err = f.WriteString("}\nnot json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(s.all()) == 3 }, 5*time.Second, 10*time.Millisecond)
	got := s.all()
	assert.Equal(t, "first", got[0].Name)
	assert.Equal(t, "#a", got[1].Selector)
	assert.Equal(t, event.TypeError, got[2].Type)
	assert.Equal(t, path, got[2].Source)
	assert.Equal(t, 3, got[2].Line)
}

func TestFileTrackerFromStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"custom","name":"existing"}`+"\n"), 0o644))

	s := &sink{}
	ft := &FileTracker{Path: path, Emitter: s, FromStart: true}
	require.NoError(t, ft.Start(context.Background()))
	require.NoError(t, ft.Stop())

	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, "existing", got[0].Name)
	assert.NoError(t, ft.Stop(), "second stop is a no-op")
}

func TestFileTrackerMissingDirectory(t *testing.T) {
	ft := &FileTracker{Path: filepath.Join(t.TempDir(), "missing", "events.ndjson"), Emitter: &sink{}}
	assert.Error(t, ft.Start(context.Background()))
}

func TestErrorTrackerCapture(t *testing.T) {
	s := &sink{}
	et := &ErrorTracker{Emitter: s, Source: "checkout"}
	et.Capture(nil)
	et.Capture(errors.New("payment declined"))

	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, event.TypeError, got[0].Type)
	assert.Equal(t, "payment declined", got[0].Message)
	assert.Equal(t, "checkout", got[0].Source)
}

func TestErrorTrackerRecoverRepanics(t *testing.T) {
	s := &sink{}
	et := &ErrorTracker{Emitter: s}

	assert.PanicsWithValue(t, "boom", func() {
		defer et.Recover()
		panic("boom")
	})
	got := s.all()
	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Message)
	assert.NotEmpty(t, got[0].Stack)
}

func TestActivityTrackerTouches(t *testing.T) {
	s := &sink{}
	touches := &touchCounter{}
	a := NewActivityTracker(s, touches, clock.NewFake(epoch), time.Second)

	a.Emit(event.NewClick("#a", "", 0, 0))
	a.Emit(event.NewScroll(50))
	a.Emit(event.NewCustom("noop", nil))
	a.Emit(event.NewVisibilityChange(false))
	a.Emit(event.NewVisibilityChange(true))
	a.KeyDown()

	assert.Equal(t, 4, touches.count())
	assert.Len(t, s.all(), 5)
}

func TestActivityTrackerThrottlesPointerMoves(t *testing.T) {
	clk := clock.NewFake(epoch)
	touches := &touchCounter{}
	a := NewActivityTracker(&sink{}, touches, clk, time.Second)

	assert.True(t, a.PointerMove())
	for i := 0; i < 10; i++ {
		clk.Advance(50 * time.Millisecond)
		a.PointerMove()
	}
	assert.Equal(t, 1, touches.count())

	clk.Advance(time.Second)
	assert.True(t, a.PointerMove())
	assert.Equal(t, 2, touches.count())
}

func TestTeardownTrackerRunsHookOnce(t *testing.T) {
	runs := 0
	tt := &TeardownTracker{Hook: func() { runs++ }}
	assert.False(t, tt.Fired())
	tt.Trigger()
	tt.Trigger()
	assert.Equal(t, 1, runs)
	assert.True(t, tt.Fired())
}

func TestTeardownTrackerOnSignal(t *testing.T) {
	fired := make(chan struct{})
	tt := &TeardownTracker{Hook: func() { close(fired) }, Signals: []os.Signal{syscall.SIGUSR1}}
	require.NoError(t, tt.Start(context.Background()))
	defer tt.Stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("hook not run on signal")
	}
}

func TestVisibilityTracker(t *testing.T) {
	s := &sink{}
	touches := &touchCounter{}
	hidden := 0
	vt := &VisibilityTracker{Emitter: s, Session: touches, OnHidden: func() { hidden++ }}
	assert.True(t, vt.Visible())

	vt.SetVisible(false)
	vt.SetVisible(false)
	vt.SetVisible(true)

	got := s.all()
	require.Len(t, got, 2)
	assert.False(t, *got[0].Visible)
	assert.True(t, *got[1].Visible)
	assert.Equal(t, 1, hidden)
	assert.Equal(t, 1, touches.count())
	assert.True(t, vt.Visible())
}
