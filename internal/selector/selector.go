// Package selector implements a bounded pool of secondary readiness
// selectors that worker goroutines borrow to block on a single socket's
// read or write readiness, decoupled from the main Poller's selector so
// a blocking worker never competes with the event loop.
package selector

import (
	"errors"
	"time"
)

// ErrPoolClosed is returned by Get after Close has run.
var ErrPoolClosed = errors.New("selector: pool closed")

// ErrTimeout is returned by a Selector's Wait methods when the deadline
// elapses with no readiness.
var ErrTimeout = errors.New("selector: wait timed out")

// Selector is a single secondary readiness selector a worker goroutine
// holds for the duration of one blocking wait.
type Selector interface {
	// WaitRead blocks until fd is readable or timeout elapses.
	WaitRead(fd int, timeout time.Duration) error
	// WaitWrite blocks until fd is writable or timeout elapses.
	WaitWrite(fd int, timeout time.Duration) error
	// Close releases the selector's OS resources. Called only when the
	// pool itself is torn down, not on every put/get cycle.
	Close() error
}

// Factory creates one platform Selector; set per-platform in
// selector_linux.go / selector_other.go.
type Factory func() (Selector, error)

// Pool is a bounded selector pool: Get returns a Selector, creating a
// fresh one until cap is reached, after which callers block until one
// is returned. Put returns a Selector for reuse.
type Pool struct {
	factory Factory
	cap     int

	sem   chan struct{}
	stack chan Selector

	closed chan struct{}
}

// NewPool creates a pool bounded to cap concurrently outstanding
// selectors, each produced by factory on first use.
func NewPool(cap int, factory Factory) *Pool {
	return &Pool{
		factory: factory,
		cap:     cap,
		sem:     make(chan struct{}, cap),
		stack:   make(chan Selector, cap),
		closed:  make(chan struct{}),
	}
}

// Get acquires a Selector, creating one if the pool has spare capacity
// and none are idle, else blocking until one is returned or the pool is
// closed.
func (p *Pool) Get() (Selector, error) {
	select {
	case <-p.closed:
		return nil, ErrPoolClosed
	case sel := <-p.stack:
		return sel, nil
	case p.sem <- struct{}{}:
		sel, err := p.factory()
		if err != nil {
			<-p.sem
			return nil, err
		}
		return sel, nil
	}
}

// Put returns a Selector to the pool for reuse by the next Get.
func (p *Pool) Put(sel Selector) {
	select {
	case <-p.closed:
		sel.Close()
		return
	default:
	}
	select {
	case p.stack <- sel:
	default:
		// Pool already has cap idle selectors (shouldn't happen given
		// sem gating) — close the surplus rather than leak it.
		sel.Close()
	}
}

// Close closes every idle selector and prevents further Get calls.
// Selectors currently checked out are closed when their holder Puts
// them back.
func (p *Pool) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	for {
		select {
		case sel := <-p.stack:
			sel.Close()
		default:
			return nil
		}
	}
}
