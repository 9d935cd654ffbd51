//go:build !linux

package sendfile

import "github.com/watt-toolkit/ignis/internal/channel"

// transferZeroCopy falls back to the same chunked read/write pass used
// for TLS channels on platforms without a wired sendfile(2) equivalent
// (Darwin's has an incompatible signature and isn't wired here). This
// keeps the API consistent across platforms at the cost of one
// userspace copy.
func transferZeroCopy(w *channel.Wrapper, sf *channel.SendfileState) (Result, error) {
	return transferBuffered(w, sf)
}
