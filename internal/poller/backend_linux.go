//go:build linux

package poller

import (
	"golang.org/x/sys/unix"

	"github.com/watt-toolkit/ignis/internal/channel"
)

func init() {
	newBackend = newEpollBackend
}

// epollBackend is the Linux Poller backend: one epoll instance for the
// whole Poller, plus an eventfd used purely to interrupt a blocked
// EpollWait when a producer enqueues an event.
type epollBackend struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent
}

func newEpollBackend(maxEvents int) (backend, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{epfd: epfd, wakefd: wakefd, events: make([]unix.EpollEvent, maxEvents)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, b.wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(b.wakefd),
	}); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func epollToOps(e uint32) channel.InterestOp {
	var ops channel.InterestOp
	if e&unix.EPOLLIN != 0 {
		ops |= channel.OpRead
	}
	if e&unix.EPOLLOUT != 0 {
		ops |= channel.OpWrite
	}
	return ops
}

func opsToEpoll(ops channel.InterestOp) uint32 {
	var e uint32
	if ops.Has(channel.OpRead) {
		e |= unix.EPOLLIN
	}
	if ops.Has(channel.OpWrite) {
		e |= unix.EPOLLOUT
	}
	return e
}

func (b *epollBackend) Add(fd int, ops channel.InterestOp) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: opsToEpoll(ops),
		Fd:     int32(fd),
	})
}

func (b *epollBackend) Mod(fd int, ops channel.InterestOp) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: opsToEpoll(ops),
		Fd:     int32(fd),
	})
}

func (b *epollBackend) Del(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Wait(timeoutMs int) ([]readyEvent, error) {
	for {
		n, err := unix.EpollWait(b.epfd, b.events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		ready := make([]readyEvent, 0, n)
		for i := 0; i < n; i++ {
			ev := b.events[i]
			if int(ev.Fd) == b.wakefd {
				b.drainWake()
				continue
			}
			ready = append(ready, readyEvent{fd: int(ev.Fd), ops: epollToOps(ev.Events)})
		}
		return ready, nil
	}
}

func (b *epollBackend) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wakefd, buf[:])
		if err != nil {
			return
		}
	}
}

func (b *epollBackend) WakeUp() error {
	one := [8]byte{1}
	_, err := unix.Write(b.wakefd, one[:])
	return err
}

func (b *epollBackend) Close() error {
	unix.Close(b.wakefd)
	return unix.Close(b.epfd)
}
