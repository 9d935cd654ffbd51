// Package worker implements the Worker Pool and its Socket Processor
// task: a bounded set of goroutines that drive TLS handshake
// completion, invoke the protocol handler, and interpret the resulting
// Socket State to decide whether a channel goes back to the Poller for
// more readiness, stays deregistered for long-running work, or closes.
package worker

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"github.com/watt-toolkit/ignis/internal/bufpool"
	"github.com/watt-toolkit/ignis/internal/channel"
)

// handshakeStepTimeout bounds one handshake attempt;
// crypto/tls.Conn.HandshakeContext is otherwise a synchronous, blocking
// call, so the deadline is what stands in for a would-block signal.
const handshakeStepTimeout = 50 * time.Millisecond

// Handler runs the application protocol over one readiness event and
// reports the resulting Socket State. The HTTP/1.1 processor feeding
// the container pipeline implements this.
type Handler interface {
	Process(w *channel.Wrapper, event channel.SocketEvent) channel.SocketState
}

// task is one unit of Socket Processor work. Task objects are pooled;
// Dispatch and the worker loop pass them through taskPool.
type task struct {
	wrapper *channel.Wrapper
	event   channel.SocketEvent
}

// Config holds the Worker Pool's tunables.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig returns sane Worker Pool tunables.
func DefaultConfig() Config {
	return Config{Workers: 64, QueueSize: 4096}
}

// Pool is the bounded worker pool. It satisfies poller.Dispatcher
// (Dispatch(w, event) bool) without importing the poller package,
// keeping the dependency one-way.
type Pool struct {
	cfg      Config
	handler  Handler
	tasks    chan *task
	taskPool *bufpool.Generic[*task]

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Worker Pool and starts its goroutines.
func New(cfg Config, handler Handler) *Pool {
	p := &Pool{
		cfg:      cfg,
		handler:  handler,
		tasks:    make(chan *task, cfg.QueueSize),
		taskPool: bufpool.NewGeneric(func() *task { return &task{} }),
		closeCh:  make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go func() {
			defer p.wg.Done()
			p.loop()
		}()
	}
	return p
}

// Dispatch enqueues a Socket Processor task for (w, event), returning
// false if the queue is full so the caller can cancel the key instead
// of blocking the Poller.
func (p *Pool) Dispatch(w *channel.Wrapper, event channel.SocketEvent) bool {
	select {
	case <-p.closeCh:
		return false
	default:
	}
	t := p.taskPool.Get()
	t.wrapper = w
	t.event = event
	select {
	case p.tasks <- t:
		return true
	default:
		p.taskPool.Put(t)
		return false
	}
}

func (p *Pool) loop() {
	for {
		select {
		case <-p.closeCh:
			p.drain()
			return
		case t := <-p.tasks:
			p.process(t)
			t.wrapper = nil
			p.taskPool.Put(t)
		}
	}
}

// drain processes whatever tasks are already queued at the moment the
// pool closes, so a task dispatched just before shutdown is still
// served instead of silently dropped.
func (p *Pool) drain() {
	for {
		select {
		case t := <-p.tasks:
			p.process(t)
			t.wrapper = nil
			p.taskPool.Put(t)
		default:
			return
		}
	}
}

// process runs one Socket Processor task: finish the TLS handshake if
// one is pending, then hand the event to the protocol handler and act
// on the state it returns.
func (p *Pool) process(t *task) {
	w := t.wrapper
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: panic processing socket event %v: %v", t.event, r)
			w.Cancel()
		}
	}()

	if w.TLSEnabled() && !w.HandshakeComplete() {
		switch p.handshake(w) {
		case handshakeDone:
			// fall through to protocol processing below
		case handshakeNeedsRead:
			w.Rearm(channel.OpRead)
			return
		case handshakeFailed:
			w.Cancel()
			return
		}
	}

	state := p.handler.Process(w, t.event)
	switch state {
	case channel.StateClosed:
		// Cancellation goes through the Poller so the selector key is
		// removed before the pooled wrapper (or the fd number) can be
		// reused by a new connection.
		w.Cancel()
	case channel.StateOpen:
		w.Rearm(channel.OpRead)
	case channel.StateLong, channel.StateAsyncEnd, channel.StateUpgraded,
		channel.StateUpgrading, channel.StateSuspended:
		// Deregistered: the protocol (or whatever took ownership) will
		// re-arm interest itself when it next needs I/O.
	case channel.StateSendfile:
		w.Rearm(channel.OpWrite)
	}
}

// handshakeResult is the outcome of one TLS handshake step. A pending
// read and a pending write collapse to needs-read here: crypto/tls.Conn
// exposes no partial-record state distinguishing the two.
type handshakeResult uint8

const (
	handshakeDone handshakeResult = iota
	handshakeNeedsRead
	handshakeFailed
)

// handshake drives tls.Conn.HandshakeContext with a short deadline so a
// would-block condition surfaces as a timeout rather than hanging the
// worker goroutine; the caller re-registers interest and the next
// readiness event resumes the handshake from where crypto/tls left it.
func (p *Pool) handshake(w *channel.Wrapper) handshakeResult {
	conn := w.TLSConn()
	if conn == nil {
		return handshakeDone
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeStepTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		if isTimeoutErr(err) {
			return handshakeNeedsRead
		}
		return handshakeFailed
	}
	w.SetHandshakeComplete()
	return handshakeDone
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Close stops accepting new work and returns once every in-flight task
// has drained.
func (p *Pool) Close() {
	close(p.closeCh)
	p.wg.Wait()
}
