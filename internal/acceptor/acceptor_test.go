package acceptor

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/watt-toolkit/ignis/internal/channel"
)

type fakeRegistrar struct {
	mu    sync.Mutex
	bound []*channel.Wrapper
}

func (r *fakeRegistrar) Register(w *channel.Wrapper, ops channel.InterestOp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound = append(r.bound, w)
}

func (r *fakeRegistrar) Rearm(w *channel.Wrapper, ops channel.InterestOp) {}

func (r *fakeRegistrar) Cancel(w *channel.Wrapper) { w.Close() }

func (r *fakeRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bound)
}

type fakePool struct{}

func (fakePool) Get() *channel.Wrapper  { return channel.New(4096, 4096) }
func (fakePool) Put(w *channel.Wrapper) {}

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

func TestAcceptorRegistersAcceptedConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	registrar := &fakeRegistrar{}
	cfg := DefaultConfig()
	a := New(ln, cfg, registrar, fakePool{})

	go a.Run()
	defer a.Stop()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	waitFor(t, 2*time.Second, func() bool { return registrar.count() == 1 })
}

func TestAcceptorPauseBlocksNewAccepts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	registrar := &fakeRegistrar{}
	cfg := DefaultConfig()
	a := New(ln, cfg, registrar, fakePool{})
	a.Pause()

	go a.Run()
	defer a.Stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	if registrar.count() != 0 {
		t.Fatalf("registrar.count() = %d while paused, want 0", registrar.count())
	}

	a.Resume()
	waitFor(t, 2*time.Second, func() bool { return registrar.count() == 1 })
}

func TestAcceptorStopIsIdempotentAndUnblocksPause(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	registrar := &fakeRegistrar{}
	a := New(ln, DefaultConfig(), registrar, fakePool{})
	a.Pause()

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	a.Stop()
	a.Stop() // must not panic or block

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not exit after Stop while paused")
	}
}
