package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Callbacks run synchronously on the
// goroutine calling Advance, in due-time order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	seq    int
}

type fakeTimer struct {
	fake    *Fake
	due     time.Time
	period  time.Duration // zero for one-shot timers
	fn      func()
	seq     int
	stopped bool
}

// NewFake returns a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Every(d time.Duration, fn func()) Stopper {
	return f.schedule(d, d, fn)
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Stopper {
	return f.schedule(d, 0, fn)
}

func (f *Fake) schedule(d, period time.Duration, fn func()) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{fake: f, due: f.now.Add(d), period: period, fn: fn, seq: f.seq}
	f.timers = append(f.timers, t)
	return t
}

func (t *fakeTimer) Stop() {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	t.stopped = true
}

// Pending returns the number of live timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Set moves the clock to t without firing timers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = next.due
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			next.stopped = true
		}
		fn := next.fn
		f.mu.Unlock()
		fn()
	}
}

// nextDue returns the earliest live timer due at or before target.
// f.mu must be held.
func (f *Fake) nextDue(target time.Time) *fakeTimer {
	var best *fakeTimer
	live := f.timers[:0]
	for _, t := range f.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if t.due.After(target) {
			continue
		}
		if best == nil || t.due.Before(best.due) || (t.due.Equal(best.due) && t.seq < best.seq) {
			best = t
		}
	}
	f.timers = live
	return best
}
