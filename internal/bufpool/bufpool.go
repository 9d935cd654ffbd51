// Package bufpool implements the bounded object pools the connection
// core reuses instead of allocating per event: byte buffers, poller
// events, socket processor tasks, and channel wrappers. Overflow on
// push is silently discarded (garbage collected); underflow on pop
// allocates a fresh object. The pools are backed by sync.Pool.
package bufpool

import "sync"

// BytePool is a pool of fixed-capacity byte slices, reset to length 0
// on Get and Put so callers never observe stale data.
type BytePool struct {
	pool     sync.Pool
	capacity int
}

// NewBytePool returns a BytePool that hands out slices with the given
// capacity.
func NewBytePool(capacity int) *BytePool {
	p := &BytePool{capacity: capacity}
	p.pool.New = func() any {
		b := make([]byte, 0, capacity)
		return &b
	}
	return p
}

// Get returns a zero-length slice with at least Capacity() bytes of
// backing storage.
func (p *BytePool) Get() *[]byte {
	b := p.pool.Get().(*[]byte)
	*b = (*b)[:0]
	return b
}

// Put returns a slice to the pool. Slices that grew past four times the
// pool's original capacity are dropped rather than retained, so the pool
// cannot be used to smuggle unbounded memory back in.
func (p *BytePool) Put(b *[]byte) {
	if cap(*b) > p.capacity*4 {
		return
	}
	p.pool.Put(b)
}

// Capacity returns the nominal slice capacity handed out by Get.
func (p *BytePool) Capacity() int { return p.capacity }

// Tiered is a three-tier byte buffer pool keyed by size hint: small
// requests don't pay for a large buffer's backing array, and large
// payloads don't thrash the small pool.
type Tiered struct {
	small  *BytePool
	medium *BytePool
	large  *BytePool
}

// NewTiered builds a Tiered pool with the given tier capacities.
func NewTiered(small, medium, large int) *Tiered {
	return &Tiered{
		small:  NewBytePool(small),
		medium: NewBytePool(medium),
		large:  NewBytePool(large),
	}
}

// Get returns a buffer sized for sizeHint bytes (0 means "typical").
func (t *Tiered) Get(sizeHint int) *[]byte {
	switch {
	case sizeHint > 0 && sizeHint <= t.small.Capacity():
		return t.small.Get()
	case sizeHint <= t.medium.Capacity():
		return t.medium.Get()
	default:
		return t.large.Get()
	}
}

// Put returns a buffer to the tier matching its capacity.
func (t *Tiered) Put(b *[]byte) {
	switch {
	case cap(*b) <= t.small.Capacity():
		t.small.Put(b)
	case cap(*b) <= t.medium.Capacity():
		t.medium.Put(b)
	default:
		t.large.Put(b)
	}
}

// Generic[T] is a pool of arbitrary reusable objects: poller events and
// socket processor tasks both use this shape.
type Generic[T any] struct {
	pool sync.Pool
}

// NewGeneric returns a Generic pool using newFn to construct objects on
// underflow.
func NewGeneric[T any](newFn func() T) *Generic[T] {
	g := &Generic[T]{}
	g.pool.New = func() any { return newFn() }
	return g
}

// Get returns a pooled object, allocating a new one if the pool is empty.
func (g *Generic[T]) Get() T {
	return g.pool.Get().(T)
}

// Put returns obj to the pool. Callers must reset obj's fields before
// calling Put.
func (g *Generic[T]) Put(obj T) {
	g.pool.Put(obj)
}
