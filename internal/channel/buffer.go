package channel

// Buffer is a bounded byte buffer with independent read and write
// cursors, backing a Channel Wrapper's read and write sides. Unlike
// bytes.Buffer it never reallocates past its configured capacity —
// callers observe a "full" condition instead of unbounded growth, which
// is what lets the HTTP Input Buffer enforce a hard header-size budget.
type Buffer struct {
	data []byte
	pos  int // next byte to read
	lim  int // end of valid data
	cap  int // hard ceiling; data is never grown past this
}

// NewBuffer allocates a Buffer with the given capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity), cap: capacity}
}

// Reset clears the buffer for reuse without releasing its backing
// array, the same way a pooled Channel Wrapper is reset (not
// reallocated) between keep-alive requests.
func (b *Buffer) Reset() {
	b.pos, b.lim = 0, 0
}

// Pos returns the current read cursor.
func (b *Buffer) Pos() int { return b.pos }

// SetPos rewinds or advances the read cursor. Used by the header parser
// to step back one or two bytes on a stray CR.
func (b *Buffer) SetPos(pos int) { b.pos = pos }

// Limit returns the end of valid data.
func (b *Buffer) Limit() int { return b.lim }

// SetLimit sets the end of valid data directly; used when the caller
// has written bytes into the backing array out of band (via
// WritableSlice) and needs to publish the new length.
func (b *Buffer) SetLimit(lim int) { b.lim = lim }

// Cap returns the buffer's hard capacity.
func (b *Buffer) Cap() int { return b.cap }

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int { return b.lim - b.pos }

// HasRemaining reports whether there is at least one unread byte.
func (b *Buffer) HasRemaining() bool { return b.pos < b.lim }

// Bytes returns the full valid region, ignoring the read cursor.
func (b *Buffer) Bytes() []byte { return b.data[:b.lim] }

// Unread returns the unread region, from pos to lim.
func (b *Buffer) Unread() []byte { return b.data[b.pos:b.lim] }

// Get reads and consumes the next byte.
func (b *Buffer) Get() byte {
	c := b.data[b.pos]
	b.pos++
	return c
}

// PeekAt returns the byte at an absolute offset without consuming it.
func (b *Buffer) PeekAt(offset int) byte { return b.data[offset] }

// PutAt overwrites the byte at an absolute offset. Used for in-place
// header-name lowercasing and header-value whitespace compaction.
func (b *Buffer) PutAt(offset int, c byte) { b.data[offset] = c }

// Slice returns data[start:end] without copying; valid only until the
// buffer is Reset or grown.
func (b *Buffer) Slice(start, end int) []byte { return b.data[start:end] }

// WritableSlice returns the free region at the end of the buffer
// (from lim to cap) that a raw read can fill. The caller must follow up
// with SetLimit to publish how many bytes were written.
func (b *Buffer) WritableSlice() []byte { return b.data[b.lim:b.cap] }

// FreeSpace returns how many bytes can still be written before the
// buffer is full.
func (b *Buffer) FreeSpace() int { return b.cap - b.lim }

// Compact discards the already-read prefix [0:pos) by sliding the
// unread region down to offset 0, making room for further reads once
// the consumed bytes are no longer referenced.
func (b *Buffer) Compact() {
	if b.pos == 0 {
		return
	}
	n := copy(b.data, b.data[b.pos:b.lim])
	b.lim = n
	b.pos = 0
}
