//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"

	"github.com/watt-toolkit/ignis/internal/channel"
)

func init() {
	newBackend = newKqueueBackend
}

const wakeIdent = 1

// kqueueBackend is the Darwin Poller backend, structurally mirroring
// epollBackend: one private kqueue, with a dedicated EVFILT_USER
// identifier used to interrupt a blocked Kevent call instead of Linux's
// eventfd.
type kqueueBackend struct {
	kq     int
	events []unix.Kevent_t
}

func newKqueueBackend(maxEvents int) (backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	b := &kqueueBackend{kq: kq, events: make([]unix.Kevent_t, maxEvents)}
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		unix.Close(kq)
		return nil, err
	}
	return b, nil
}

func (b *kqueueBackend) Add(fd int, ops channel.InterestOp) error {
	return b.apply(fd, ops, unix.EV_ADD)
}

func (b *kqueueBackend) Mod(fd int, ops channel.InterestOp) error {
	// kqueue has no direct "replace interest" primitive: delete both
	// filters (ignoring ENOENT) then re-add the requested set.
	_ = b.Del(fd)
	return b.apply(fd, ops, unix.EV_ADD)
}

func (b *kqueueBackend) apply(fd int, ops channel.InterestOp, flags uint16) error {
	var changes []unix.Kevent_t
	if ops.Has(channel.OpRead) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ops.Has(channel.OpWrite) {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Del(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(b.kq, changes, nil, nil)
	return nil
}

func (b *kqueueBackend) Wait(timeoutMs int) ([]readyEvent, error) {
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	for {
		n, err := unix.Kevent(b.kq, nil, b.events, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		ready := make([]readyEvent, 0, n)
		for i := 0; i < n; i++ {
			ev := b.events[i]
			if ev.Ident == wakeIdent && ev.Filter == unix.EVFILT_USER {
				continue
			}
			var ops channel.InterestOp
			switch ev.Filter {
			case unix.EVFILT_READ:
				ops = channel.OpRead
			case unix.EVFILT_WRITE:
				ops = channel.OpWrite
			}
			ready = append(ready, readyEvent{fd: int(ev.Ident), ops: ops})
		}
		return ready, nil
	}
}

func (b *kqueueBackend) WakeUp() error {
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	return err
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.kq)
}
