//go:build darwin

package selector

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueSelector is the Darwin equivalent of epollSelector, registering
// one fd at a time on a private kqueue for the duration of a single
// blocking wait.
type kqueueSelector struct {
	kq int
}

// NewPlatformSelector constructs the Darwin kqueue-backed Selector.
func NewPlatformSelector() (Selector, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueSelector{kq: kq}, nil
}

func (s *kqueueSelector) wait(fd int, filter int16, timeout time.Duration) error {
	changes := []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
	}}
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	events := make([]unix.Kevent_t, 1)
	for {
		n, err := unix.Kevent(s.kq, changes, events, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

func (s *kqueueSelector) WaitRead(fd int, timeout time.Duration) error {
	return s.wait(fd, unix.EVFILT_READ, timeout)
}

func (s *kqueueSelector) WaitWrite(fd int, timeout time.Duration) error {
	return s.wait(fd, unix.EVFILT_WRITE, timeout)
}

func (s *kqueueSelector) Close() error {
	return unix.Close(s.kq)
}
