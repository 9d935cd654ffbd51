//go:build linux

package selector

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollSelector is one secondary selector backed by its own epoll
// instance, registering exactly one fd at a time for the duration of a
// single blocking wait, then deregistering it.
type epollSelector struct {
	epfd int
}

// NewPlatformSelector constructs the Linux epoll-backed Selector. Used
// as the Pool's Factory.
func NewPlatformSelector() (Selector, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epollSelector{epfd: fd}, nil
}

func (s *epollSelector) wait(fd int, events uint32, timeout time.Duration) error {
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}
	defer unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	timeoutMs := -1
	if timeout > 0 {
		timeoutMs = int(timeout / time.Millisecond)
		if timeoutMs <= 0 {
			timeoutMs = 1
		}
	}

	buf := make([]unix.EpollEvent, 1)
	for {
		n, err := unix.EpollWait(s.epfd, buf, timeoutMs)
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

func (s *epollSelector) WaitRead(fd int, timeout time.Duration) error {
	return s.wait(fd, unix.EPOLLIN, timeout)
}

func (s *epollSelector) WaitWrite(fd int, timeout time.Duration) error {
	return s.wait(fd, unix.EPOLLOUT, timeout)
}

func (s *epollSelector) Close() error {
	return unix.Close(s.epfd)
}
