package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spin-stack/meshbox/internal/mesherr"
)

// loop is the single serialized execution context owning all mutable service
// state. Every external event (daemon callback, host network callback,
// client call) is a function posted onto one channel consumed by one
// goroutine, which preserves ordering and the single-writer invariant.
type loop struct {
	mu     sync.RWMutex
	closed bool

	calls     chan func()
	drained   chan struct{}
	executing atomic.Bool
}

func newLoop() *loop {
	l := &loop{
		calls:   make(chan func(), 128),
		drained: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	for fn := range l.calls {
		l.executing.Store(true)
		fn()
		l.executing.Store(false)
	}
	close(l.drained)
}

// Post queues fn for execution on the loop. Returns false if the loop has
// been closed.
func (l *loop) Post(fn func()) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	l.calls <- fn
	return true
}

// Do runs fn on the loop and waits for it to finish.
func (l *loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return fmt.Errorf("service stopped: %w", mesherr.ErrUnavailable)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued work to drain.
func (l *loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.calls)
	l.mu.Unlock()
	<-l.drained
}

// assertInLoop guards handlers that must only run on the loop goroutine.
// Best-effort: it observes whether the loop is executing, which is exact for
// the loop goroutine itself and catches stray direct calls in tests.
func (l *loop) assertInLoop() {
	if !l.executing.Load() {
		panic("service: handler invoked off the service loop")
	}
}
