// Package sockopt applies the socket options an accepted or listening
// connection needs: SO_REUSEADDR, SO_RCVBUF, SO_SNDBUF, TCP_NODELAY,
// SO_KEEPALIVE, and linger, plus best-effort platform-specific tuning
// in the per-OS files.
package sockopt

import (
	"net"
	"syscall"
	"time"
)

// Config collects the socket-option knobs applied at bind and accept
// time.
type Config struct {
	// NoDelay disables Nagle's algorithm (TCP_NODELAY). Default: true.
	NoDelay bool
	// ReuseAddr sets SO_REUSEADDR on the listening socket.
	ReuseAddr bool
	// RecvBuffer, SendBuffer set SO_RCVBUF/SO_SNDBUF. 0 means "leave
	// the OS default".
	RecvBuffer int
	SendBuffer int
	// KeepAlive enables SO_KEEPALIVE on accepted connections.
	KeepAlive bool
	// Linger sets SO_LINGER. Negative means "leave the OS default",
	// zero means "RST on close", positive is the linger duration.
	Linger time.Duration
}

// DefaultConfig returns the configuration recommended for an HTTP/1.1
// endpoint: low-latency, reused addresses, and OS-default buffer sizing.
func DefaultConfig() Config {
	return Config{
		NoDelay:   true,
		ReuseAddr: true,
		KeepAlive: true,
		Linger:    -1,
	}
}

// ApplyConn applies the connection-level options to an accepted socket.
// Non-TCP connections are left untouched (e.g. unix domain sockets used
// in tests).
func ApplyConn(conn net.Conn, cfg Config) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}

	if cfg.NoDelay {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return err
		}
	}
	if cfg.KeepAlive {
		_ = tcpConn.SetKeepAlive(true)
	}
	if cfg.Linger >= 0 {
		_ = tcpConn.SetLinger(int(cfg.Linger.Seconds()))
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return err
	}

	var ctrlErr error
	err = rawConn.Control(func(fd uintptr) {
		if cfg.RecvBuffer > 0 {
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, cfg.RecvBuffer)
		}
		if cfg.SendBuffer > 0 {
			_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, cfg.SendBuffer)
		}
		applyPlatformConn(int(fd), cfg)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// ApplyListener applies listener-level options (SO_REUSEADDR and any
// platform-specific pre-listen tuning such as TCP_DEFER_ACCEPT).
func ApplyListener(ln net.Listener, cfg Config) error {
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return nil
	}

	file, err := tcpLn.File()
	if err != nil {
		return err
	}
	defer file.Close()

	fd := int(file.Fd())
	if cfg.ReuseAddr {
		_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}
	return applyPlatformListener(fd, cfg)
}
