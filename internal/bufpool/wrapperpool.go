package bufpool

import (
	"sync"

	"github.com/watt-toolkit/ignis/internal/channel"
)

// WrapperPool recycles *channel.Wrapper objects across connections, so
// a closed connection's wrapper (and its buffers) serves the next
// accept instead of becoming garbage. It satisfies acceptor.WrapperPool
// structurally, the same narrow-interface pattern used throughout this
// module to keep leaf packages from importing their callers.
type WrapperPool struct {
	pool sync.Pool
}

// NewWrapperPool returns a WrapperPool that constructs new Wrappers
// with the given application buffer sizes on underflow. Every Wrapper
// it hands out, fresh or reused, returns to this same pool on Close via
// channel.Returner.
func NewWrapperPool(readBufSize, writeBufSize int) *WrapperPool {
	p := &WrapperPool{}
	p.pool.New = func() any {
		w := channel.New(readBufSize, writeBufSize)
		w.SetReturner(p)
		return w
	}
	return p
}

// Get returns a pooled Wrapper, allocating one if the pool is empty.
func (p *WrapperPool) Get() *channel.Wrapper {
	return p.pool.Get().(*channel.Wrapper)
}

// Put returns w to the pool. Called by channel.Wrapper.Close, not by
// application code directly.
func (p *WrapperPool) Put(w *channel.Wrapper) {
	p.pool.Put(w)
}
