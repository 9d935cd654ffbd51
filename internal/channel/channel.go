// Package channel implements the per-connection Channel Wrapper: the
// object that owns a connection's raw socket, its application
// read/write buffers, its optional TLS engine, its interest ops, and
// its timeout bookkeeping. Wrappers are pooled and reset (never
// reallocated) between keep-alive requests.
package channel

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"time"
)

// InterestOp is a bitset of the readiness operations a Channel Wrapper
// can be registered for.
type InterestOp uint32

const (
	OpRead InterestOp = 1 << iota
	OpWrite
	// OpRegister is a pseudo-op: it asks the Poller to register the
	// channel for the first time rather than modify an existing key.
	OpRegister
)

func (o InterestOp) Has(flag InterestOp) bool { return o&flag != 0 }

// SocketEvent is the event a Socket Processor task is parameterized by.
type SocketEvent uint8

const (
	EventOpenRead SocketEvent = iota
	EventOpenWrite
	EventError
	EventDisconnect
	EventStop
	EventTimeout
	EventConnectFail
)

// SocketState is what a protocol handler returns after processing an
// event.
type SocketState uint8

const (
	StateOpen SocketState = iota
	StateClosed
	StateLong
	StateAsyncEnd
	StateSendfile
	StateUpgraded
	StateUpgrading
	StateSuspended
)

// KeepAliveDisposition describes how a completed send-file transfer
// should leave the connection.
type KeepAliveDisposition uint8

const (
	DispositionNone KeepAliveDisposition = iota
	DispositionPipelined
	DispositionOpen
)

// SendfileState holds the in-flight zero-copy file transfer attached to
// a Channel Wrapper.
type SendfileState struct {
	File        *os.File
	Pos         int64
	End         int64
	Disposition KeepAliveDisposition
}

// Remaining reports how many bytes are left to transfer.
func (s *SendfileState) Remaining() int64 { return s.End - s.Pos }

// Registrar lets a Channel Wrapper ask its owning Poller to re-arm
// interest or to cancel its registration, without the channel package
// importing the poller package; the wrapper holds a non-owning
// back-reference to its endpoint via this interface. Both calls only
// enqueue events — the Poller goroutine alone touches selector state.
type Registrar interface {
	Rearm(w *Wrapper, ops InterestOp)
	Cancel(w *Wrapper)
}

// Returner lets a Channel Wrapper hand itself back to its pool once
// closed, without the channel package importing bufpool, so the next
// accepted connection can reuse the object.
type Returner interface {
	Put(w *Wrapper)
}

// Releaser lets a Channel Wrapper give back a unit of admission-control
// capacity once closed, so the Acceptor's connection-count semaphore
// tracks connections actually open rather than connections ever
// accepted.
type Releaser interface {
	Release()
}

// ErrTimeout is set on a Wrapper by the Poller's timeout sweep and
// observed by the application on its next read/write.
var ErrTimeout = errors.New("channel: read or write timeout")

// ErrClosed is returned by Read/Write after the Wrapper has been closed.
var ErrClosed = errors.New("channel: closed")

// Wrapper is the per-connection state holder. One Wrapper exists per
// accepted connection; it is pooled and reset between keep-alive
// requests rather than reallocated.
type Wrapper struct {
	Conn    net.Conn
	tlsConn *tls.Conn

	ReadBuf  *Buffer
	WriteBuf *Buffer

	interestOps atomic.Uint32
	readTimeout atomic.Int64 // nanoseconds
	writeTimeout atomic.Int64
	lastRead    atomic.Int64 // unix nanos
	lastWrite   atomic.Int64

	keepAliveLeft atomic.Int32

	sendfile atomic.Pointer[SendfileState]
	errVal   atomic.Pointer[error]

	registrar Registrar
	returner  Returner
	releaser  Releaser

	tlsHandshakeDone atomic.Bool
	closed           atomic.Bool
}

// New allocates a fresh Wrapper with the given buffer sizes. Pools
// should call New once and Reset on every subsequent reuse.
func New(readBufSize, writeBufSize int) *Wrapper {
	return &Wrapper{
		ReadBuf:  NewBuffer(readBufSize),
		WriteBuf: NewBuffer(writeBufSize),
	}
}

// Bind attaches a freshly accepted connection (and optional TLS engine)
// to a (possibly pooled) Wrapper, resetting all per-connection state.
func (w *Wrapper) Bind(conn net.Conn, tlsConn *tls.Conn, registrar Registrar, maxKeepAliveRequests int) {
	w.Conn = conn
	w.tlsConn = tlsConn
	w.registrar = registrar
	w.ReadBuf.Reset()
	w.WriteBuf.Reset()
	w.interestOps.Store(0)
	w.readTimeout.Store(0)
	w.writeTimeout.Store(0)
	now := time.Now().UnixNano()
	w.lastRead.Store(now)
	w.lastWrite.Store(now)
	w.keepAliveLeft.Store(int32(maxKeepAliveRequests))
	w.sendfile.Store(nil)
	w.errVal.Store(nil)
	w.tlsHandshakeDone.Store(tlsConn == nil)
	w.closed.Store(false)
}

// SetReturner attaches the pool this Wrapper returns itself to on
// Close. Set once, at construction, by the pool itself (acceptor.go's
// pool.Get() never changes which pool a Wrapper belongs to).
func (w *Wrapper) SetReturner(r Returner) { w.returner = r }

// SetReleaser attaches the admission-control semaphore this Wrapper
// gives a slot back to on Close. Unlike SetReturner, set anew on every
// accept, by the Acceptor that admitted the connection.
func (w *Wrapper) SetReleaser(r Releaser) { w.releaser = r }

// TLSEnabled reports whether this connection is wrapped in TLS.
func (w *Wrapper) TLSEnabled() bool { return w.tlsConn != nil }

// TLSConn returns the TLS connection, or nil if TLS is not enabled.
func (w *Wrapper) TLSConn() *tls.Conn { return w.tlsConn }

// HandshakeComplete reports whether the TLS handshake has finished.
func (w *Wrapper) HandshakeComplete() bool { return w.tlsHandshakeDone.Load() }

// SetHandshakeComplete marks the TLS handshake as finished.
func (w *Wrapper) SetHandshakeComplete() { w.tlsHandshakeDone.Store(true) }

// InterestOps returns the current interest bitset.
func (w *Wrapper) InterestOps() InterestOp { return InterestOp(w.interestOps.Load()) }

// SetInterestOps replaces the interest bitset.
func (w *Wrapper) SetInterestOps(ops InterestOp) { w.interestOps.Store(uint32(ops)) }

// AddInterestOps ORs ops into the interest bitset and returns the result.
func (w *Wrapper) AddInterestOps(ops InterestOp) InterestOp {
	for {
		old := w.interestOps.Load()
		next := old | uint32(ops)
		if w.interestOps.CompareAndSwap(old, next) {
			return InterestOp(next)
		}
	}
}

// ClearInterestOps clears ops from the interest bitset.
func (w *Wrapper) ClearInterestOps(ops InterestOp) {
	for {
		old := w.interestOps.Load()
		next := old &^ uint32(ops)
		if w.interestOps.CompareAndSwap(old, next) {
			return
		}
	}
}

// Rearm asks the owning Poller to re-register interest for this
// channel, the only way a worker goroutine may influence the Poller's
// selector.
func (w *Wrapper) Rearm(ops InterestOp) {
	if w.registrar != nil {
		w.registrar.Rearm(w, ops)
	}
}

// Cancel asks the owning Poller to drop this channel's selector key and
// close the wrapper, keeping key removal on the Poller goroutine. A
// wrapper that was never registered (no registrar bound) closes
// directly.
func (w *Wrapper) Cancel() {
	if w.registrar != nil {
		w.registrar.Cancel(w)
		return
	}
	w.Close()
}

// ReadTimeout/WriteTimeout/LastRead/LastWrite back the Poller's timeout
// sweep.
func (w *Wrapper) ReadTimeout() time.Duration  { return time.Duration(w.readTimeout.Load()) }
func (w *Wrapper) WriteTimeout() time.Duration { return time.Duration(w.writeTimeout.Load()) }
func (w *Wrapper) SetReadTimeout(d time.Duration)  { w.readTimeout.Store(int64(d)) }
func (w *Wrapper) SetWriteTimeout(d time.Duration) { w.writeTimeout.Store(int64(d)) }
func (w *Wrapper) LastRead() time.Time  { return time.Unix(0, w.lastRead.Load()) }
func (w *Wrapper) LastWrite() time.Time { return time.Unix(0, w.lastWrite.Load()) }

func (w *Wrapper) touchRead()  { w.lastRead.Store(time.Now().UnixNano()) }
func (w *Wrapper) touchWrite() { w.lastWrite.Store(time.Now().UnixNano()) }

// KeepAliveLeft returns the number of keep-alive requests still allowed
// on this connection. A negative value means "unlimited".
func (w *Wrapper) KeepAliveLeft() int32 { return w.keepAliveLeft.Load() }

// DecrementKeepAlive is called once per request served; returns the
// remaining count.
func (w *Wrapper) DecrementKeepAlive() int32 {
	if w.keepAliveLeft.Load() < 0 {
		return -1
	}
	return w.keepAliveLeft.Add(-1)
}

// Sendfile returns the in-flight send-file state, or nil.
func (w *Wrapper) Sendfile() *SendfileState { return w.sendfile.Load() }

// SetSendfile attaches (or clears, with nil) a send-file state.
func (w *Wrapper) SetSendfile(s *SendfileState) { w.sendfile.Store(s) }

// Err returns the error set by a timeout or I/O failure, if any.
func (w *Wrapper) Err() error {
	if p := w.errVal.Load(); p != nil {
		return *p
	}
	return nil
}

// SetErr records a timeout or I/O failure on the wrapper.
func (w *Wrapper) SetErr(err error) { w.errVal.Store(&err) }

// underlying returns the TLS conn when present, else the raw conn —
// every actual byte read/write goes through this.
func (w *Wrapper) underlying() net.Conn {
	if w.tlsConn != nil {
		return w.tlsConn
	}
	return w.Conn
}

// FillNonBlocking performs one non-blocking-style read into the read
// buffer's writable region: a zero read deadline in the past would
// block forever, so callers needing non-blocking semantics must first
// confirm readiness (the Poller only dispatches OPEN_READ when the
// selector says the fd is ready) before calling this from the worker.
// Returns bytes read, or an error (io.EOF on clean close).
func (w *Wrapper) FillNonBlocking() (int, error) {
	dst := w.ReadBuf.WritableSlice()
	if len(dst) == 0 {
		return 0, nil
	}
	n, err := w.underlying().Read(dst)
	if n > 0 {
		w.ReadBuf.SetLimit(w.ReadBuf.Limit() + n)
		w.touchRead()
	}
	return n, err
}

// FillBlocking performs a read with timeout applied as a deadline —
// used by workers that must block for more data rather than waiting on
// the main Poller.
func (w *Wrapper) FillBlocking(timeout time.Duration) (int, error) {
	if timeout > 0 {
		_ = w.underlying().SetReadDeadline(time.Now().Add(timeout))
		defer w.underlying().SetReadDeadline(time.Time{})
	}
	return w.FillNonBlocking()
}

// Write writes p to the underlying connection, applying the wrapper's
// write timeout as a deadline.
func (w *Wrapper) Write(p []byte) (int, error) {
	timeout := w.WriteTimeout()
	if timeout > 0 {
		_ = w.underlying().SetWriteDeadline(time.Now().Add(timeout))
		defer w.underlying().SetWriteDeadline(time.Time{})
	}
	n, err := w.underlying().Write(p)
	if n > 0 {
		w.touchWrite()
	}
	return n, err
}

// RawConn returns the underlying net.Conn for operations the Wrapper
// doesn't itself expose (send-file, raw fd access for the Poller).
func (w *Wrapper) RawConn() net.Conn { return w.Conn }

// FD returns the underlying file descriptor of the accepted connection,
// used by the Poller to register the socket with its OS selector and by
// the send-file path to invoke sendfile(2) directly. The TLS engine, if
// any, wraps the same raw socket, so FD always resolves through the
// plain net.Conn rather than through tlsConn.
func (w *Wrapper) FD() (int, error) {
	sc, ok := w.Conn.(syscall.Conn)
	if !ok {
		return -1, errors.New("channel: connection does not expose a raw file descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := raw.Control(func(descriptor uintptr) {
		fd = int(descriptor)
	}); err != nil {
		return -1, err
	}
	return fd, nil
}

// Close closes the underlying connection. Idempotent. If the Wrapper
// was obtained from a pool, it returns itself to that pool afterward so
// the next Acceptor.Run iteration can reuse it instead of allocating.
func (w *Wrapper) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.underlying().Close()
	if w.releaser != nil {
		w.releaser.Release()
	}
	if w.returner != nil {
		w.returner.Put(w)
	}
	return err
}

// Closed reports whether Close has already run.
func (w *Wrapper) Closed() bool { return w.closed.Load() }
