// Package sendfile implements the zero-copy file transfer path for
// static response bodies. A single attempt transfers as many bytes as
// the socket will currently accept without blocking; the Poller calls
// it once per write-ready event and re-arms based on the Result, so the
// transfer never ties up a worker goroutine.
package sendfile

import (
	"io"

	"github.com/watt-toolkit/ignis/internal/bufpool"
	"github.com/watt-toolkit/ignis/internal/channel"
)

// Result reports how far one Transfer attempt got.
type Result uint8

const (
	// Done means every requested byte has been transferred.
	Done Result = iota
	// Pending means the socket was not ready to accept more data; the
	// caller should re-arm OP_WRITE and try again on the next event.
	Pending
)

// chunkSize bounds how many bytes a single Transfer call will read from
// the TLS fallback path (and is the sendfile(2) call size on Linux)
// before returning, so one poller-thread pass never blocks too long.
const chunkSize = 1 << 20

// tlsBufPool supplies the scratch buffer for the TLS fallback path; TLS
// channels cannot use the kernel's zero-copy sendfile(2), so bytes pass
// through userspace once on their way into the TLS engine.
var tlsBufPool = bufpool.NewBytePool(chunkSize)

// Transfer drives one non-blocking pass over sf's remaining bytes onto
// w. TLS channels cannot use the kernel's zero-copy path, so their
// bytes are read into userspace once and written through the TLS
// engine; plaintext channels call the platform's zero-copy primitive
// directly on the raw socket.
func Transfer(w *channel.Wrapper, sf *channel.SendfileState) (Result, error) {
	if sf.Remaining() <= 0 {
		return Done, nil
	}
	if w.TLSEnabled() {
		return transferBuffered(w, sf)
	}
	return transferZeroCopy(w, sf)
}

// transferBuffered reads one chunk into a pooled buffer and writes it
// through w, the only option for TLS channels and the fallback used
// when a platform has no wired zero-copy primitive.
func transferBuffered(w *channel.Wrapper, sf *channel.SendfileState) (Result, error) {
	want := sf.Remaining()
	if want > chunkSize {
		want = chunkSize
	}

	buf := tlsBufPool.Get()
	defer tlsBufPool.Put(buf)
	*buf = (*buf)[:want]

	rn, rerr := sf.File.ReadAt(*buf, sf.Pos)
	if rn > 0 {
		wn, werr := w.Write((*buf)[:rn])
		sf.Pos += int64(wn)
		if werr != nil {
			return Pending, werr
		}
	}
	if rerr != nil && rerr != io.EOF {
		return Pending, rerr
	}
	if sf.Remaining() <= 0 {
		return Done, nil
	}
	return Pending, nil
}
