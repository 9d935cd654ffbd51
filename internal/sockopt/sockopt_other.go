//go:build !linux && !darwin

package sockopt

// applyPlatformConn is a no-op on platforms without specific tuning.
func applyPlatformConn(fd int, cfg Config) {}

// applyPlatformListener is a no-op on platforms without specific tuning.
func applyPlatformListener(fd int, cfg Config) error { return nil }
