//go:build linux

package sendfile

import (
	"io"
	"net"
	"syscall"

	"github.com/watt-toolkit/ignis/internal/channel"
)

// sendfileMax is the largest single transfer the sendfile(2) syscall
// accepts reliably in one call.
const sendfileMax = 1 << 30

// transferZeroCopy performs one non-blocking sendfile(2) attempt,
// falling back to a single buffered read/write pass if the connection
// doesn't expose a raw TCP file descriptor.
func transferZeroCopy(w *channel.Wrapper, sf *channel.SendfileState) (Result, error) {
	tcpConn, ok := w.RawConn().(*net.TCPConn)
	if !ok {
		return transferBuffered(w, sf)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return transferBuffered(w, sf)
	}

	want := sf.Remaining()
	if want > sendfileMax {
		want = sendfileMax
	}
	if want > chunkSize {
		want = chunkSize
	}

	var written int64
	var opErr error
	ctrlErr := rawConn.Write(func(dstFd uintptr) bool {
		offset := sf.Pos
		n, err := syscall.Sendfile(int(dstFd), int(sf.File.Fd()), &offset, int(want))
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EINTR {
				// Not ready to accept more right now; let the Poller
				// re-arm OP_WRITE and retry on the next event.
				return true
			}
			opErr = err
			return true
		}
		written = int64(n)
		return true
	})
	if ctrlErr != nil {
		return Pending, ctrlErr
	}
	if opErr != nil && opErr != io.EOF {
		return Pending, opErr
	}

	sf.Pos += written
	if sf.Remaining() <= 0 {
		return Done, nil
	}
	return Pending, nil
}
