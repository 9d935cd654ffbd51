//go:build darwin

package sockopt

import "syscall"

// Darwin has no TCP_QUICKACK/TCP_DEFER_ACCEPT equivalents; SO_NOSIGPIPE
// is the one option worth setting that Linux doesn't need (Linux uses
// MSG_NOSIGNAL on send instead).
const soNoSigPipe = 0x1022

func applyPlatformConn(fd int, cfg Config) {
	_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, soNoSigPipe, 1)
}

func applyPlatformListener(fd int, cfg Config) error {
	return nil
}
