// Package acceptor implements the accept loop: a single goroutine that
// blocks on accept, configures the accepted socket, binds a Channel
// Wrapper to it, and enqueues a registration event with the Poller.
// Admission control is a connection-count semaphore: at capacity the
// loop stops accepting, letting the kernel's backlog absorb bursts.
package acceptor

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/watt-toolkit/ignis/internal/channel"
	"github.com/watt-toolkit/ignis/internal/sockopt"
)

// Registrar is the Poller surface the Acceptor needs: initial
// registration for itself, plus the re-arm/cancel half
// (channel.Registrar) it hands each Wrapper as its back-reference.
// Kept as an interface so this package never imports poller directly.
type Registrar interface {
	channel.Registrar
	Register(w *channel.Wrapper, ops channel.InterestOp)
}

// WrapperPool lets the Acceptor reuse Channel Wrappers across
// connections instead of allocating one per accept.
type WrapperPool interface {
	Get() *channel.Wrapper
	Put(w *channel.Wrapper)
}

// Config holds the Acceptor's tunables.
type Config struct {
	MaxConnections       int64
	SocketOptions        sockopt.Config
	MaxKeepAliveRequests int
}

// DefaultConfig returns sane Acceptor tunables.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       8192,
		SocketOptions:        sockopt.DefaultConfig(),
		MaxKeepAliveRequests: 100,
	}
}

// Acceptor owns the accept-loop goroutine and its admission-control
// semaphore.
type Acceptor struct {
	cfg       Config
	listener  net.Listener
	sem       *semaphore.Weighted
	registrar Registrar
	pool      WrapperPool

	ctx    context.Context
	cancel context.CancelFunc

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	stopped atomic.Bool
	done    chan struct{}
}

// New binds (or adopts) a listening socket and constructs an Acceptor.
func New(ln net.Listener, cfg Config, registrar Registrar, pool WrapperPool) *Acceptor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Acceptor{
		cfg:       cfg,
		listener:  ln,
		sem:       semaphore.NewWeighted(cfg.MaxConnections),
		registrar: registrar,
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
		resume:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run executes the accept loop until Stop is called. Meant to run on
// its own goroutine for the Endpoint's lifetime.
func (a *Acceptor) Run() {
	defer close(a.done)
	for !a.stopped.Load() {
		a.waitIfPaused()
		if a.stopped.Load() {
			return
		}

		if err := a.sem.Acquire(a.ctx, 1); err != nil {
			return
		}

		conn, err := a.listener.Accept()
		if err != nil {
			a.sem.Release(1)
			if a.stopped.Load() {
				return
			}
			if isTemporary(err) {
				log.Printf("acceptor: temporary accept error: %v", err)
				continue
			}
			log.Printf("acceptor: accept failed: %v", err)
			continue
		}

		if err := a.configure(conn); err != nil {
			log.Printf("acceptor: failed to configure accepted socket: %v", err)
			conn.Close()
			a.sem.Release(1)
			continue
		}

		w := a.pool.Get()
		w.Bind(conn, nil, a.registrar, a.cfg.MaxKeepAliveRequests)
		w.SetReleaser(a)
		a.registrar.Register(w, channel.OpRead)
	}
}

// Release gives back one unit of admission-control capacity. Called by
// a Wrapper's Close, so the semaphore tracks connections currently open
// rather than connections ever accepted.
func (a *Acceptor) Release() { a.sem.Release(1) }

func (a *Acceptor) configure(conn net.Conn) error {
	return sockopt.ApplyConn(conn, a.cfg.SocketOptions)
}

func isTemporary(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Pause blocks the accept loop until Resume is called, without holding
// the admission-control semaphore.
func (a *Acceptor) Pause() {
	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()
	if a.paused {
		return
	}
	a.paused = true
	a.resume = make(chan struct{})
}

// Resume releases a paused accept loop.
func (a *Acceptor) Resume() {
	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()
	if !a.paused {
		return
	}
	a.paused = false
	close(a.resume)
}

func (a *Acceptor) waitIfPaused() {
	a.pauseMu.Lock()
	if !a.paused {
		a.pauseMu.Unlock()
		return
	}
	resume := a.resume
	a.pauseMu.Unlock()
	select {
	case <-resume:
	case <-a.done:
	}
}

// Stop ends the accept loop and unblocks it if paused or blocked on
// accept (by closing the listener).
func (a *Acceptor) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}
	a.Resume()
	a.cancel()
	a.listener.Close()
	<-a.done
}
