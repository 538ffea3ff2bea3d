// Package clock abstracts time so that flush timers and session expiry can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Stopper cancels a scheduled callback. Stop is idempotent.
type Stopper interface {
	Stop()
}

// Clock is the time capability consumed by the pipelines.
type Clock interface {
	Now() time.Time
	// Every calls fn every d until the returned Stopper is stopped.
	Every(d time.Duration, fn func()) Stopper
	// AfterFunc calls fn once after d unless stopped first.
	AfterFunc(d time.Duration, fn func()) Stopper
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Stopper {
	return timerStopper{time.AfterFunc(d, fn)}
}

func (realClock) Every(d time.Duration, fn func()) Stopper {
	t := &ticker{ticker: time.NewTicker(d), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-t.ticker.C:
				fn()
			case <-t.done:
				return
			}
		}
	}()
	return t
}

type timerStopper struct{ t *time.Timer }

func (s timerStopper) Stop() { s.t.Stop() }

type ticker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *ticker) Stop() {
	t.once.Do(func() {
		t.ticker.Stop()
		close(t.done)
	})
}
