package poller

import (
	"testing"
	"time"

	"github.com/watt-toolkit/ignis/internal/channel"
	"github.com/watt-toolkit/ignis/internal/worker"
)

// closingHandler is a protocol handler that reports every connection
// closed after one event, the shape a keep-alive-exhausted or
// Connection: close request produces.
type closingHandler struct{}

func (closingHandler) Process(w *channel.Wrapper, event channel.SocketEvent) channel.SocketState {
	return channel.StateClosed
}

// TestWorkerStateClosedCancelsKey wires a real Poller to a real worker
// pool and drives one connection through dispatch to StateClosed,
// asserting that the worker's cancellation travels back through the
// events queue: the wrapper ends up closed and the Poller's key set
// empty, so neither a pooled-wrapper rebind nor a reused fd number can
// collide with a stale registration.
func TestWorkerStateClosedCancelsKey(t *testing.T) {
	server, client := acceptedPair(t)
	defer client.Close()

	workers := worker.New(worker.Config{Workers: 1, QueueSize: 4}, closingHandler{})
	defer workers.Close()

	cfg := DefaultConfig()
	cfg.SelectorTimeout = 20 * time.Millisecond
	p, err := New(cfg, workers)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	go p.Run()
	defer p.Destroy()

	w := channel.New(4096, 4096)
	w.Bind(server, nil, p, -1)
	p.Register(w, channel.OpRead)

	waitFor(t, 2*time.Second, func() bool { return p.registeredCount() == 1 })

	if _, err := client.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return w.Closed() })
	waitFor(t, 2*time.Second, func() bool { return p.registeredCount() == 0 })
}

// TestDestroyClosesRemainingWrappers registers a connection that never
// becomes ready and destroys the Poller, asserting shutdown sweeps the
// key set clean instead of leaking the wrapper.
func TestDestroyClosesRemainingWrappers(t *testing.T) {
	server, client := acceptedPair(t)
	defer client.Close()

	disp := newRecordingDispatcher()
	cfg := DefaultConfig()
	cfg.SelectorTimeout = 20 * time.Millisecond
	p, err := New(cfg, disp)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	go p.Run()

	w := channel.New(4096, 4096)
	w.Bind(server, nil, p, -1)
	p.Register(w, channel.OpRead)
	waitFor(t, 2*time.Second, func() bool { return p.registeredCount() == 1 })

	p.Destroy()

	if !w.Closed() {
		t.Errorf("wrapper still open after Destroy")
	}
	if got := p.registeredCount(); got != 0 {
		t.Errorf("registeredCount() = %d after Destroy, want 0", got)
	}
}
