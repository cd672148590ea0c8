package service

import (
	"fmt"
	"sync"

	"github.com/spin-stack/meshbox/internal/mesherr"
)

// Registry tracks every in-flight client operation so that daemon death can
// force-resolve them. Registration races with death handling (which runs off
// the daemon disconnect signal), so the set has its own mutex independent of
// the loop discipline.
type Registry struct {
	mu      sync.Mutex
	pending map[*Receiver]struct{}
}

// NewRegistry returns an empty operation registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[*Receiver]struct{})}
}

// Receiver is a one-shot wrapper around a client completion callback: it
// forwards exactly one resolution, whether that comes from the operation's
// own completion or from daemon-death force-resolution.
type Receiver struct {
	registry *Registry
	done     func(error)

	// expectsDaemonDeath inverts death handling: the daemon dying is this
	// operation's success signal, not a failure.
	expectsDaemonDeath bool
}

// NewReceiver registers a pending operation.
func (r *Registry) NewReceiver(done func(error)) *Receiver {
	return r.add(&Receiver{registry: r, done: done})
}

// NewDeathExpectingReceiver registers an operation whose success criterion
// is daemon death, such as a forced stop.
func (r *Registry) NewDeathExpectingReceiver(done func(error)) *Receiver {
	return r.add(&Receiver{registry: r, done: done, expectsDaemonDeath: true})
}

func (r *Registry) add(rc *Receiver) *Receiver {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[rc] = struct{}{}
	return rc
}

// take removes rc from the pending set, reporting whether it was still
// pending. Set membership is what makes resolution exactly-once.
func (r *Registry) take(rc *Receiver) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[rc]; !ok {
		return false
	}
	delete(r.pending, rc)
	return true
}

// FailAllPending force-resolves every pending operation after daemon death:
// Unavailable for ordinary operations, success for those that expected the
// death.
func (r *Registry) FailAllPending() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[*Receiver]struct{})
	r.mu.Unlock()

	for rc := range pending {
		if rc.expectsDaemonDeath {
			rc.done(nil)
		} else {
			rc.done(fmt.Errorf("daemon died: %w", mesherr.ErrUnavailable))
		}
	}
}

// PendingCount reports the number of unresolved operations.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Resolve forwards the outcome to the client callback. Calling Resolve
// after the receiver has already been resolved is a no-op.
func (rc *Receiver) Resolve(err error) {
	if !rc.registry.take(rc) {
		return
	}
	rc.done(err)
}
