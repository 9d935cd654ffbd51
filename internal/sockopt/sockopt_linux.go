//go:build linux

package sockopt

import "syscall"

// Linux TCP socket options not exposed as named constants in all
// supported Go versions' syscall package.
const (
	tcpQuickAck    = 12
	tcpDeferAccept = 9
)

// applyPlatformConn applies Linux-only per-connection tuning.
// TCP_QUICKACK is not sticky across reads, so this is best-effort.
func applyPlatformConn(fd int, cfg Config) {
	_ = syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, tcpQuickAck, 1)
}

// applyPlatformListener applies Linux-only pre-listen tuning.
func applyPlatformListener(fd int, cfg Config) error {
	return syscall.SetsockoptInt(fd, syscall.IPPROTO_TCP, tcpDeferAccept, 1)
}
