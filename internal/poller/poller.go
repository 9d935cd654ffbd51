package poller

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/watt-toolkit/ignis/internal/bufpool"
	"github.com/watt-toolkit/ignis/internal/channel"
	"github.com/watt-toolkit/ignis/internal/sendfile"
)

// eventOp distinguishes a fresh registration, an existing key's
// interest being OR'd in, and a worker-requested cancellation.
type eventOp uint8

const (
	opRegister eventOp = iota
	opRearm
	opClose
)

// Event is a pooled (channel, interestOps) pair handed off from a
// producer to the Poller's single consumer goroutine.
type Event struct {
	Wrapper *channel.Wrapper
	Ops     channel.InterestOp
	Op      eventOp
}

// Dispatcher hands a ready (wrapper, event) pair to the worker pool. The
// poller package depends only on this interface so it never imports the
// worker package, keeping the dependency direction one-way.
type Dispatcher interface {
	Dispatch(w *channel.Wrapper, event channel.SocketEvent) bool
}

// key is the Poller's private bookkeeping for one registered fd,
// mutated only by the Poller's own goroutine.
type key struct {
	fd      int
	wrapper *channel.Wrapper
	ops     channel.InterestOp
}

// Config holds the Poller's tunables.
type Config struct {
	MaxEvents        int
	SelectorTimeout  time.Duration
	TimeoutInterval  time.Duration
	ReadWriteTimeout time.Duration
}

// DefaultConfig returns sane Poller tunables.
func DefaultConfig() Config {
	return Config{
		MaxEvents:        1024,
		SelectorTimeout:  time.Second,
		TimeoutInterval:  time.Second,
		ReadWriteTimeout: 20 * time.Second,
	}
}

// Poller is the event-driven readiness multiplexer: one goroutine
// owning one OS selector, a multi-producer/single-consumer events
// queue, and the idle-timeout sweep over every registered connection.
type Poller struct {
	cfg        Config
	be         backend
	dispatcher Dispatcher

	eventPool *bufpool.Generic[*Event]

	queueMu sync.Mutex
	queue   []*Event

	// wakeCounter implements the wake-up protocol: producers increment
	// after enqueuing; the consumer swaps to -1 before selecting and
	// decides selectNow() vs select(timeout) from the prior value.
	wakeCounter atomic.Int32

	keys      map[int]*key
	keyCount  atomic.Int32 // mirrors len(keys) for cross-goroutine reads
	closeFlag atomic.Bool
	done      chan struct{}

	nextExpiration atomic.Int64 // unix nanos
}

// New constructs a Poller with its platform backend.
func New(cfg Config, dispatcher Dispatcher) (*Poller, error) {
	be, err := newBackend(cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	return &Poller{
		cfg:        cfg,
		be:         be,
		dispatcher: dispatcher,
		eventPool:  bufpool.NewGeneric(func() *Event { return &Event{} }),
		keys:       make(map[int]*key),
		done:       make(chan struct{}),
	}, nil
}

// Register enqueues a REGISTER event for a freshly accepted channel
// (called by the Acceptor).
func (p *Poller) Register(w *channel.Wrapper, ops channel.InterestOp) {
	p.enqueue(w, ops, opRegister)
}

// Rearm enqueues a re-registration of interest for an existing channel
// (called by a worker, or by the Wrapper's own Rearm method — the
// Poller satisfies channel.Registrar).
func (p *Poller) Rearm(w *channel.Wrapper, ops channel.InterestOp) {
	p.enqueue(w, ops, opRearm)
}

// Cancel enqueues a cancellation for a channel a worker has finished
// with: the Poller goroutine removes the selector key and closes the
// wrapper. Workers must use this rather than closing the wrapper
// directly — a direct close would leave the key registered, and the
// pooled wrapper (and eventually the fd number) would be reused by a
// new connection while the stale key still pointed at it.
func (p *Poller) Cancel(w *channel.Wrapper) {
	if p.closeFlag.Load() {
		// The loop is gone; nobody will drain the event. Destroy's own
		// cleanup already dropped the keys, so a direct close is safe.
		w.Close()
		return
	}
	p.enqueue(w, 0, opClose)
}

func (p *Poller) enqueue(w *channel.Wrapper, ops channel.InterestOp, op eventOp) {
	ev := p.eventPool.Get()
	ev.Wrapper = w
	ev.Ops = ops
	ev.Op = op

	p.queueMu.Lock()
	p.queue = append(p.queue, ev)
	p.queueMu.Unlock()

	prior := p.wakeCounter.Add(1) - 1
	if prior == -1 {
		p.be.WakeUp()
	}
}

// Run executes the Poller's main loop until Destroy is called. It is
// meant to run on its own goroutine for the lifetime of the Endpoint.
func (p *Poller) Run() {
	defer close(p.done)
	for !p.closeFlag.Load() {
		hadEvents := p.drainEvents()
		n := p.selectReady()
		p.timeoutSweep(len(p.keys), hadEvents || n > 0)
	}
	p.drainEvents()
	remaining := make([]*key, 0, len(p.keys))
	for _, k := range p.keys {
		remaining = append(remaining, k)
	}
	for _, k := range remaining {
		p.cancelKey(k)
	}
	p.be.Close()
}

// drainEvents applies every queued Event to the selector, returning
// whether any were processed.
func (p *Poller) drainEvents() bool {
	p.queueMu.Lock()
	batch := p.queue
	p.queue = nil
	p.queueMu.Unlock()

	for _, ev := range batch {
		p.applyEvent(ev)
		ev.Wrapper = nil
		p.eventPool.Put(ev)
	}
	return len(batch) > 0
}

func (p *Poller) applyEvent(ev *Event) {
	fd, err := ev.Wrapper.FD()
	if err != nil {
		ev.Wrapper.Close()
		return
	}
	switch ev.Op {
	case opRegister:
		k := &key{fd: fd, wrapper: ev.Wrapper, ops: ev.Ops}
		if err := p.be.Add(fd, ev.Ops); err != nil {
			ev.Wrapper.Close()
			return
		}
		p.keys[fd] = k
		p.keyCount.Store(int32(len(p.keys)))
		k.wrapper.SetInterestOps(k.ops)
	case opRearm:
		k, ok := p.keys[fd]
		if !ok || k.wrapper != ev.Wrapper {
			// No key, or the fd number was already reused by a newer
			// registration: this wrapper has nothing registered.
			ev.Wrapper.Close()
			return
		}
		k.ops |= ev.Ops
		if err := p.be.Mod(fd, k.ops); err != nil {
			p.cancelKey(k)
			return
		}
		k.wrapper.SetInterestOps(k.ops)
	case opClose:
		k, ok := p.keys[fd]
		if !ok || k.wrapper != ev.Wrapper {
			ev.Wrapper.Close()
			return
		}
		p.cancelKey(k)
	}
}

// selectReady runs the wake-up protocol's consumer half, waits for
// readiness, and dispatches every ready key. Returns the number of
// ready keys observed.
func (p *Poller) selectReady() int {
	prior := p.wakeCounter.Swap(-1)
	timeoutMs := int(p.cfg.SelectorTimeout / time.Millisecond)
	if prior > 0 {
		timeoutMs = 0 // other work is already pending; selectNow()
	}
	ready, err := p.be.Wait(timeoutMs)
	p.wakeCounter.Store(0)
	if err != nil {
		return 0
	}
	for _, r := range ready {
		k, ok := p.keys[r.fd]
		if !ok {
			continue
		}
		p.processKey(k, r.ops)
	}
	return len(ready)
}

// processKey clears the ready ops from interest so the worker owns
// read/write for the duration of the dispatch, then hands tasks to the
// worker pool for whichever ops were ready.
func (p *Poller) processKey(k *key, readyOps channel.InterestOp) {
	// Non-TLS sendfile transfers run inline on this goroutine: the
	// zero-copy syscall is a single non-blocking attempt. A TLS
	// channel's sendfile state falls through to the ordinary dispatch
	// below; its write goes through the TLS engine, which can block,
	// so it must run on a worker goroutine instead of this one.
	if sf := k.wrapper.Sendfile(); sf != nil && !k.wrapper.TLSEnabled() {
		p.processSendfile(k, sf)
		return
	}

	k.ops &^= readyOps
	if err := p.be.Mod(k.fd, k.ops); err != nil {
		p.cancelKey(k)
		return
	}
	k.wrapper.SetInterestOps(k.ops)

	closed := false
	if readyOps.Has(channel.OpRead) {
		if !p.dispatcher.Dispatch(k.wrapper, channel.EventOpenRead) {
			closed = true
		}
	}
	if !closed && readyOps.Has(channel.OpWrite) {
		if !p.dispatcher.Dispatch(k.wrapper, channel.EventOpenWrite) {
			closed = true
		}
	}
	if closed {
		p.cancelKey(k)
	}
}

// processSendfile drives one zero-copy transfer attempt for a non-TLS
// channel. On completion, the keep-alive disposition decides what
// happens next: NONE cancels the key, PIPELINED schedules a read (the
// next request is already buffered), OPEN re-registers read interest.
// An incomplete transfer re-registers write interest to try again on
// the next event.
func (p *Poller) processSendfile(k *key, sf *channel.SendfileState) {
	result, err := sendfile.Transfer(k.wrapper, sf)
	if err != nil {
		p.cancelKey(k)
		return
	}
	if result == sendfile.Pending {
		k.ops = channel.OpWrite
		if err := p.be.Mod(k.fd, k.ops); err != nil {
			p.cancelKey(k)
			return
		}
		k.wrapper.SetInterestOps(k.ops)
		return
	}

	k.wrapper.SetSendfile(nil)
	switch sf.Disposition {
	case channel.DispositionNone:
		p.cancelKey(k)
	case channel.DispositionPipelined:
		k.ops = channel.OpRead
		if err := p.be.Mod(k.fd, k.ops); err != nil {
			p.cancelKey(k)
			return
		}
		k.wrapper.SetInterestOps(k.ops)
		if !p.dispatcher.Dispatch(k.wrapper, channel.EventOpenRead) {
			p.cancelKey(k)
		}
	case channel.DispositionOpen:
		k.ops = channel.OpRead
		if err := p.be.Mod(k.fd, k.ops); err != nil {
			p.cancelKey(k)
			return
		}
		k.wrapper.SetInterestOps(k.ops)
	}
}

// cancelKey removes the key from the map and selector before closing
// the wrapper, so the close can never race a concurrent lookup into a
// half-cancelled entry. Only the Poller goroutine calls this; workers
// request cancellation through the Cancel event instead.
func (p *Poller) cancelKey(k *key) {
	delete(p.keys, k.fd)
	p.keyCount.Store(int32(len(p.keys)))
	p.be.Del(k.fd)
	k.wrapper.Close()
}

// registeredCount reports how many keys are currently registered. Safe
// to call from any goroutine; used by tests asserting key cleanup.
func (p *Poller) registeredCount() int {
	return int(p.keyCount.Load())
}

// timeoutSweep walks every registered key looking for connections whose
// read or write interest has been idle past its timeout. Throttled: it
// runs only once nextExpiration has passed, or when select returned
// nothing and no events were processed (an idle pass is a cheap time to
// sweep), or on shutdown.
func (p *Poller) timeoutSweep(keyCount int, hadActivity bool) {
	now := time.Now()
	next := p.nextExpiration.Load()
	shouldRun := p.closeFlag.Load() || now.UnixNano() >= next || !hadActivity
	if !shouldRun {
		return
	}
	p.nextExpiration.Store(now.Add(p.cfg.TimeoutInterval).UnixNano())

	// Snapshot the key set before iterating: a cancelled key must not
	// be visited twice, and applying cancellation while ranging over
	// the live map (which only this goroutine touches) is safe, but a
	// snapshot keeps the sweep's view consistent if cancelKey mutates
	// keys for entries later in iteration order.
	snapshot := make([]*key, 0, len(p.keys))
	for _, k := range p.keys {
		snapshot = append(snapshot, k)
	}

	for _, k := range snapshot {
		if _, ok := p.keys[k.fd]; !ok {
			continue // already cancelled earlier in this sweep
		}
		w := k.wrapper
		var idle, timeout time.Duration
		switch {
		case k.ops.Has(channel.OpRead):
			idle = now.Sub(w.LastRead())
			timeout = w.ReadTimeout()
		case k.ops.Has(channel.OpWrite):
			idle = now.Sub(w.LastWrite())
			timeout = w.WriteTimeout()
		default:
			continue
		}
		if timeout <= 0 {
			timeout = p.cfg.ReadWriteTimeout
		}
		if idle <= timeout {
			continue
		}
		w.SetErr(channel.ErrTimeout)
		k.ops = 0
		w.SetInterestOps(0)
		p.be.Mod(k.fd, 0)
		if !p.dispatcher.Dispatch(w, channel.EventTimeout) {
			p.cancelKey(k)
		}
	}
}

// Destroy signals the loop to stop, wakes the selector, and blocks
// until the loop has exited and the selector closed.
func (p *Poller) Destroy() {
	p.closeFlag.Store(true)
	p.be.WakeUp()
	<-p.done
}
