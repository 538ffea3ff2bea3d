package tracker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// TeardownTracker runs a hook once when the process is asked to terminate.
// It is the process analogue of a page-hide handler: the hook should hand
// pending data to the teardown transport and return quickly.
type TeardownTracker struct {
	Hook    func()
	Signals []os.Signal

	once  sync.Once
	fired atomic.Bool
	mu    sync.Mutex
	ch    chan os.Signal
	done  chan struct{}
}

// Start listens for Signals (SIGINT and SIGTERM by default).
func (tt *TeardownTracker) Start(ctx context.Context) error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.ch != nil {
		return nil
	}
	sigs := tt.Signals
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	tt.ch = make(chan os.Signal, 1)
	tt.done = make(chan struct{})
	signal.Notify(tt.ch, sigs...)

	go func(ch chan os.Signal, done chan struct{}) {
		select {
		case <-ch:
			tt.Trigger()
		case <-ctx.Done():
		case <-done:
		}
	}(tt.ch, tt.done)
	return nil
}

// Trigger runs the hook. Only the first call has an effect.
func (tt *TeardownTracker) Trigger() {
	tt.once.Do(func() {
		tt.fired.Store(true)
		if tt.Hook != nil {
			tt.Hook()
		}
	})
}

// Fired reports whether the hook has run.
func (tt *TeardownTracker) Fired() bool {
	return tt.fired.Load()
}

// Stop stops listening for signals.
func (tt *TeardownTracker) Stop() error {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.ch == nil {
		return nil
	}
	signal.Stop(tt.ch)
	close(tt.done)
	tt.ch, tt.done = nil, nil
	return nil
}
