//go:build !linux && !darwin

package poller

import (
	"sync"
	"time"

	"github.com/watt-toolkit/ignis/internal/channel"
)

func init() {
	newBackend = newPortableBackend
}

// pollInterval is how long the portable backend waits before reporting
// a registered fd as ready.
const pollInterval = 20 * time.Millisecond

// portableBackend stands in for a native selector on platforms with
// neither epoll nor kqueue. It has no primitive to observe raw-fd
// readiness without taking ownership of the descriptor away from the
// net.Conn that holds it, so it degrades to timed optimistic readiness:
// each registration reports its interest ops ready after a short
// interval, once per (re-)registration. A spurious dispatch costs one
// worker a bounded blocking read (the protocol handler's fills all
// carry deadlines), which is acceptable for a fallback platform.
type portableBackend struct {
	mu      sync.Mutex
	watched map[int]*watchedFD
	ready   chan readyEvent
	wake    chan struct{}
}

type watchedFD struct {
	ops    channel.InterestOp
	cancel chan struct{}
}

func newPortableBackend(maxEvents int) (backend, error) {
	return &portableBackend{
		watched: make(map[int]*watchedFD),
		ready:   make(chan readyEvent, maxEvents),
		wake:    make(chan struct{}, 1),
	}, nil
}

func (b *portableBackend) Add(fd int, ops channel.InterestOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := &watchedFD{ops: ops, cancel: make(chan struct{})}
	b.watched[fd] = w
	go b.watch(fd, w)
	return nil
}

func (b *portableBackend) Mod(fd int, ops channel.InterestOp) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.watched[fd]; ok {
		close(w.cancel)
	}
	w := &watchedFD{ops: ops, cancel: make(chan struct{})}
	b.watched[fd] = w
	go b.watch(fd, w)
	return nil
}

func (b *portableBackend) Del(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.watched[fd]; ok {
		close(w.cancel)
		delete(b.watched, fd)
	}
	return nil
}

// watch emits one readiness event for this registration after
// pollInterval, unless the registration was cancelled or carries no
// interest ops.
func (b *portableBackend) watch(fd int, w *watchedFD) {
	if w.ops == 0 {
		return
	}
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	select {
	case <-w.cancel:
		return
	case <-timer.C:
	}
	select {
	case b.ready <- readyEvent{fd: fd, ops: w.ops}:
		select {
		case b.wake <- struct{}{}:
		default:
		}
	default:
	}
}

func (b *portableBackend) Wait(timeoutMs int) ([]readyEvent, error) {
	var timeoutCh <-chan time.Time
	if timeoutMs >= 0 {
		timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case ev := <-b.ready:
		batch := []readyEvent{ev}
		for {
			select {
			case ev := <-b.ready:
				batch = append(batch, ev)
			default:
				return batch, nil
			}
		}
	case <-b.wake:
		return nil, nil
	case <-timeoutCh:
		return nil, nil
	}
}

func (b *portableBackend) WakeUp() error {
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

func (b *portableBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for fd, w := range b.watched {
		close(w.cancel)
		delete(b.watched, fd)
	}
	return nil
}
