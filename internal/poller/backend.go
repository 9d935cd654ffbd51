// Package poller implements the readiness multiplexer at the heart of
// the endpoint: one goroutine owning a dedicated OS selector, a
// multi-producer/single-consumer events queue with a wake-up counter
// protocol, and an idle/read/write timeout sweep. The OS-specific half
// is a pluggable backend so the Linux epoll and Darwin kqueue
// implementations and the portable fallback share one dispatch loop.
package poller

import "github.com/watt-toolkit/ignis/internal/channel"

// readyEvent is one readiness notification returned by a backend's Wait.
type readyEvent struct {
	fd  int
	ops channel.InterestOp
}

// backend is the OS-specific half of the Poller: registration and
// readiness waiting. Exactly one backend instance backs one Poller, and
// only the Poller's own goroutine ever calls it.
type backend interface {
	// Add registers fd for the given interest ops.
	Add(fd int, ops channel.InterestOp) error
	// Mod changes fd's registered interest ops.
	Mod(fd int, ops channel.InterestOp) error
	// Del unregisters fd.
	Del(fd int) error
	// Wait blocks up to timeoutMs (−1 for indefinitely, 0 for a
	// non-blocking poll) and returns the ready set.
	Wait(timeoutMs int) ([]readyEvent, error)
	// WakeUp interrupts a concurrent Wait, used by producers enqueuing
	// an event while the Poller is blocked in select.
	WakeUp() error
	// Close releases the backend's OS resources.
	Close() error
}

// newBackend is satisfied by a build-tag-specific file per platform
// (backend_linux.go, backend_darwin.go, backend_other.go).
var newBackend func(maxEvents int) (backend, error)
