package worker

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/watt-toolkit/ignis/internal/channel"
)

// recordingHandler captures every Process call and returns a fixed state.
type recordingHandler struct {
	mu    sync.Mutex
	calls int
	state channel.SocketState
}

func (h *recordingHandler) Process(w *channel.Wrapper, event channel.SocketEvent) channel.SocketState {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return h.state
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func loopbackWrapper(t *testing.T) (*channel.Wrapper, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(acceptCh)
			return
		}
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	server := <-acceptCh
	if server == nil {
		t.Fatalf("Accept failed")
	}

	w := channel.New(4096, 4096)
	w.Bind(server, nil, nil, -1)
	return w, client
}

func TestDispatchWakesWorkerAndInvokesHandler(t *testing.T) {
	w, client := loopbackWrapper(t)
	defer client.Close()

	h := &recordingHandler{state: channel.StateOpen}
	cfg := Config{Workers: 2, QueueSize: 4}
	p := New(cfg, h)
	defer p.Close()

	if !p.Dispatch(w, channel.EventOpenRead) {
		t.Fatalf("Dispatch returned false on a fresh pool")
	}

	waitFor(t, time.Second, func() bool { return h.count() == 1 })
}

func TestDispatchReturnsFalseWhenQueueFull(t *testing.T) {
	// Zero workers: nothing ever drains the queue, so it fills up.
	h := &recordingHandler{state: channel.StateOpen}
	cfg := Config{Workers: 0, QueueSize: 1}
	p := New(cfg, h)
	defer p.Close()

	w, client := loopbackWrapper(t)
	defer client.Close()

	if !p.Dispatch(w, channel.EventOpenRead) {
		t.Fatalf("first Dispatch should have succeeded")
	}
	if p.Dispatch(w, channel.EventOpenRead) {
		t.Fatalf("second Dispatch should have failed on a full queue")
	}
}

func TestDispatchReturnsFalseAfterClose(t *testing.T) {
	h := &recordingHandler{state: channel.StateOpen}
	p := New(DefaultConfig(), h)
	p.Close()

	w, client := loopbackWrapper(t)
	defer client.Close()

	if p.Dispatch(w, channel.EventOpenRead) {
		t.Fatalf("Dispatch should fail after Close")
	}
}

// rearmRegistrar records every Rearm call so tests can assert on the
// Socket State -> interest-op translation worker.process performs.
type rearmRegistrar struct {
	mu   sync.Mutex
	ops  []channel.InterestOp
	seen chan struct{}
}

func newRearmRegistrar() *rearmRegistrar {
	return &rearmRegistrar{seen: make(chan struct{}, 16)}
}

func (r *rearmRegistrar) Rearm(w *channel.Wrapper, ops channel.InterestOp) {
	r.mu.Lock()
	r.ops = append(r.ops, ops)
	r.mu.Unlock()
	r.seen <- struct{}{}
}

func (r *rearmRegistrar) Cancel(w *channel.Wrapper) { w.Close() }

func (r *rearmRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

func (r *rearmRegistrar) last() channel.InterestOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ops[len(r.ops)-1]
}

func TestStateOpenRearmsForRead(t *testing.T) {
	registrar := newRearmRegistrar()
	w, client := loopbackWrapper(t)
	defer client.Close()
	w.Bind(w.RawConn(), nil, registrar, -1)

	h := &recordingHandler{state: channel.StateOpen}
	p := New(Config{Workers: 1, QueueSize: 4}, h)
	defer p.Close()

	p.Dispatch(w, channel.EventOpenRead)
	waitFor(t, time.Second, func() bool { return registrar.count() == 1 })
	if got := registrar.last(); got != channel.OpRead {
		t.Errorf("rearmed ops = %v, want %v", got, channel.OpRead)
	}
}

func TestStateClosedClosesWrapper(t *testing.T) {
	w, client := loopbackWrapper(t)
	defer client.Close()

	h := &recordingHandler{state: channel.StateClosed}
	p := New(Config{Workers: 1, QueueSize: 4}, h)
	defer p.Close()

	p.Dispatch(w, channel.EventOpenRead)
	waitFor(t, time.Second, func() bool { return w.Closed() })
}

func TestStateLongLeavesWrapperDeregistered(t *testing.T) {
	registrar := newRearmRegistrar()
	w, client := loopbackWrapper(t)
	defer client.Close()
	w.Bind(w.RawConn(), nil, registrar, -1)

	h := &recordingHandler{state: channel.StateLong}
	p := New(Config{Workers: 1, QueueSize: 4}, h)
	defer p.Close()

	p.Dispatch(w, channel.EventOpenRead)
	waitFor(t, time.Second, func() bool { return h.count() == 1 })

	time.Sleep(20 * time.Millisecond)
	if registrar.count() != 0 {
		t.Errorf("registrar.count() = %d for StateLong, want 0 (no rearm)", registrar.count())
	}
	if w.Closed() {
		t.Errorf("wrapper closed for StateLong, want left open")
	}
}

func TestPanicInHandlerClosesWrapperInsteadOfCrashingWorker(t *testing.T) {
	w, client := loopbackWrapper(t)
	defer client.Close()

	h := panicHandler{}
	p := New(Config{Workers: 1, QueueSize: 4}, h)
	defer p.Close()

	p.Dispatch(w, channel.EventOpenRead)
	waitFor(t, time.Second, func() bool { return w.Closed() })

	// The worker goroutine must have survived the panic: dispatch a
	// second, well-behaved task and confirm it still runs.
	w2, client2 := loopbackWrapper(t)
	defer client2.Close()
	h2 := &recordingHandler{state: channel.StateOpen}
	p2 := New(Config{Workers: 1, QueueSize: 4}, h2)
	defer p2.Close()
	p2.Dispatch(w2, channel.EventOpenRead)
	waitFor(t, time.Second, func() bool { return h2.count() == 1 })
}

type panicHandler struct{}

func (panicHandler) Process(w *channel.Wrapper, event channel.SocketEvent) channel.SocketState {
	panic("boom")
}

// tlsLoopback returns a bound TLS server Wrapper and a raw TLS client
// connection that has not yet completed its handshake, using a
// freshly generated self-signed certificate.
func tlsLoopback(t *testing.T) (*channel.Wrapper, *tls.Conn) {
	t.Helper()
	cert := generateSelfSignedCert(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(acceptCh)
			return
		}
		acceptCh <- c
	}()

	rawClient, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	rawServer := <-acceptCh
	if rawServer == nil {
		t.Fatalf("Accept failed")
	}

	serverTLS := tls.Server(rawServer, &tls.Config{Certificates: []tls.Certificate{cert}})
	clientTLS := tls.Client(rawClient, &tls.Config{InsecureSkipVerify: true})

	w := channel.New(4096, 4096)
	w.Bind(rawServer, serverTLS, nil, -1)
	return w, clientTLS
}

func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "worker-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
}

func TestTLSHandshakeCompletesThenInvokesHandler(t *testing.T) {
	w, clientTLS := tlsLoopback(t)
	defer clientTLS.Close()

	var handshakeStarted int32
	go func() {
		atomic.StoreInt32(&handshakeStarted, 1)
		clientTLS.Handshake()
	}()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&handshakeStarted) == 1 })

	h := &recordingHandler{state: channel.StateOpen}
	p := New(Config{Workers: 1, QueueSize: 4}, h)
	defer p.Close()

	for i := 0; i < 10 && !w.HandshakeComplete(); i++ {
		p.Dispatch(w, channel.EventOpenRead)
		time.Sleep(20 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return w.HandshakeComplete() })
	waitFor(t, time.Second, func() bool { return h.count() > 0 })
}

func TestTLSHandshakeFailureClosesWrapper(t *testing.T) {
	w, clientTLS := tlsLoopback(t)
	defer clientTLS.Close()
	// Close the client side immediately instead of handshaking, so the
	// server's handshake attempt fails outright rather than timing out.
	clientTLS.Close()

	h := &recordingHandler{state: channel.StateOpen}
	p := New(Config{Workers: 1, QueueSize: 4}, h)
	defer p.Close()

	p.Dispatch(w, channel.EventOpenRead)
	waitFor(t, time.Second, func() bool { return w.Closed() })
	if h.count() != 0 {
		t.Errorf("handler invoked %d times on handshake failure, want 0", h.count())
	}
}
