package poller

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/watt-toolkit/ignis/internal/channel"
)

// recordingDispatcher captures every Dispatch call so tests can assert
// on which (wrapper, event) pairs the Poller produced.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []channel.SocketEvent
	result bool
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{result: true}
}

func (d *recordingDispatcher) Dispatch(w *channel.Wrapper, event channel.SocketEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return d.result
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

func (d *recordingDispatcher) last() channel.SocketEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[len(d.events)-1]
}

func acceptedPair(t *testing.T) (server, client net.Conn) {
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

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	server = <-acceptCh
	if server == nil {
		t.Fatalf("Accept failed")
	}
	return server, client
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

func TestPollerDispatchesReadReadiness(t *testing.T) {
	server, client := acceptedPair(t)
	defer client.Close()

	w := channel.New(4096, 4096)
	w.Bind(server, nil, nil, -1)

	disp := newRecordingDispatcher()
	cfg := DefaultConfig()
	cfg.SelectorTimeout = 50 * time.Millisecond
	p, err := New(cfg, disp)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	go p.Run()
	defer p.Destroy()

	p.Register(w, channel.OpRead)

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return disp.count() > 0 })
	if got := disp.last(); got != channel.EventOpenRead {
		t.Errorf("dispatched event = %v, want %v", got, channel.EventOpenRead)
	}
}

func TestPollerTimeoutSweepFiresOnIdleConnection(t *testing.T) {
	server, client := acceptedPair(t)
	defer client.Close()

	w := channel.New(4096, 4096)
	w.Bind(server, nil, nil, -1)
	w.SetReadTimeout(30 * time.Millisecond)

	disp := newRecordingDispatcher()
	cfg := DefaultConfig()
	cfg.SelectorTimeout = 10 * time.Millisecond
	cfg.TimeoutInterval = 10 * time.Millisecond
	p, err := New(cfg, disp)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	go p.Run()
	defer p.Destroy()

	p.Register(w, channel.OpRead)

	waitFor(t, 2*time.Second, func() bool { return disp.count() > 0 })
	if got := disp.last(); got != channel.EventTimeout {
		t.Errorf("dispatched event = %v, want %v", got, channel.EventTimeout)
	}
	if w.Err() != channel.ErrTimeout {
		t.Errorf("wrapper error = %v, want %v", w.Err(), channel.ErrTimeout)
	}
}
