package httpbuf

import (
	"log"
	"time"

	"github.com/watt-toolkit/ignis/internal/channel"
)

// Request-line parse phases, one resumption point per byte class the
// request line passes through. The parser is an explicit state machine
// rather than a blocking loop: every phase variable lives in the struct,
// so a parse interrupted by an empty buffer resumes exactly where it
// stopped on the next call.
type rlPhase uint8

const (
	rlStart rlPhase = iota // skipping leading blank lines / detecting preface
	rlMethod
	rlSkipToURI
	rlURI
	rlSkipToProtocol
	rlProtocol
	rlAlmostDone // CR seen, awaiting LF
	rlEnd

	// rlPreface: the HTTP/2 client preface was detected at byte 0.
	// ParseRequestLine returns false here (not an error) so the caller
	// can hand the connection to an HTTP/2 dispatch path instead of
	// treating the preface as a malformed request.
	rlPreface
)

// Header parse phases.
type hPhase uint8

const (
	hStart hPhase = iota
	hName
	hValueStart
	hValue
	hAlmostDone
	// hMultiLine peeks (without consuming) at the byte after a value's
	// CRLF: SP/HT means the value continues on a folded line, anything
	// else commits the header.
	hMultiLine
	// hContinuation skips the folded line's leading whitespace before
	// value bytes resume accumulating.
	hContinuation
	hSkipLine
)

// InputBuffer is the resumable HTTP/1.1 request parser. One InputBuffer
// is bound to a Channel Wrapper's read buffer for the lifetime of a
// connection and recycled between keep-alive requests; it never blocks a
// goroutine mid-parse, and every parse function may report "need more
// data" and pick back up where it left off on the next call.
type InputBuffer struct {
	wrapper *channel.Wrapper
	buf     *channel.Buffer

	maxHeaderSize       int
	rejectIllegalHeader bool

	// parsingHeader is true from Recycle until the header block's
	// terminating blank line; while set, the buffer may not accumulate
	// more than maxHeaderSize bytes and is never compacted (committed
	// name/value slices alias the buffer and must stay put).
	parsingHeader bool

	rl      rlPhase
	rlStart int
	rlQPos  int

	h                   hPhase
	hPrevChr            byte
	hFieldStart         int
	hNameEnd            int
	hValueStart         int
	realPos             int
	lastSignificantChar int

	PrefaceDetected bool

	Method        []byte
	RequestTarget []byte
	QueryString   []byte
	Protocol      []byte
	Headers       Headers

	// activeFilter is whichever of Void/Identity/Chunked was selected
	// for the current request by SetupBodyFilter. Callers read the
	// request body through it, never through the buffer directly.
	activeFilter InputFilter
}

// NewInputBuffer binds a parser to a Channel Wrapper's read buffer.
func NewInputBuffer(w *channel.Wrapper, maxHeaderSize int) *InputBuffer {
	b := &InputBuffer{wrapper: w, buf: w.ReadBuf, maxHeaderSize: maxHeaderSize}
	b.Recycle()
	return b
}

// SetRejectIllegalHeader controls what happens to a malformed header
// line: reject the whole request, or (the default) log, skip the line,
// and keep parsing.
func (b *InputBuffer) SetRejectIllegalHeader(reject bool) {
	b.rejectIllegalHeader = reject
}

// Recycle resets all parse state for the next request on a kept-alive
// connection. The previous request's bytes are discarded by compacting
// the buffer down to its unread region, so a pipelined next request
// survives and the header budget starts fresh from offset 0.
func (b *InputBuffer) Recycle() {
	b.buf.Compact()
	b.rl = rlStart
	b.rlQPos = -1
	b.h = hStart
	b.hPrevChr = 0
	b.parsingHeader = true
	b.PrefaceDetected = false
	b.Method = nil
	b.RequestTarget = nil
	b.QueryString = nil
	b.Protocol = nil
	b.Headers.Reset()
	b.activeFilter = nil
}

// fill pulls more bytes into the read buffer. While the request line and
// headers are being parsed the buffer is bounded by maxHeaderSize and
// never compacted; body fills may slide consumed bytes out to make room.
// block selects whether the underlying read waits up to timeout or
// returns immediately.
func (b *InputBuffer) fill(block bool, timeout time.Duration) (bool, error) {
	if b.parsingHeader && b.buf.Limit() >= b.maxHeaderSize {
		return false, ErrHeaderTooLarge
	}
	if b.buf.FreeSpace() == 0 {
		if b.parsingHeader || b.buf.Pos() == 0 {
			return false, ErrHeaderTooLarge
		}
		b.rebase(-b.buf.Pos())
		b.buf.Compact()
	}
	var n int
	var err error
	if block {
		n, err = b.wrapper.FillBlocking(timeout)
	} else {
		n, err = b.wrapper.FillNonBlocking()
	}
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// rebase shifts every absolute cursor the parser is tracking by delta,
// keeping them valid across a Compact that slides the unread region
// down to offset 0.
func (b *InputBuffer) rebase(delta int) {
	b.rlStart += delta
	if b.rlQPos >= 0 {
		b.rlQPos += delta
	}
	b.hFieldStart += delta
	b.hNameEnd += delta
	b.hValueStart += delta
	b.realPos += delta
	b.lastSignificantChar += delta
}

// fillMore/unread/advance satisfy the input-filter source interface so
// a body filter can keep pulling from the same buffer the parser used.
func (b *InputBuffer) fillMore() (bool, error) { return b.fill(true, b.wrapper.ReadTimeout()) }
func (b *InputBuffer) unread() []byte          { return b.buf.Unread() }
func (b *InputBuffer) advance(n int)           { b.buf.SetPos(b.buf.Pos() + n) }

// ParseRequestLine attempts to parse the request line, blocking for
// more data as needed. keptAlive selects which timeout governs waiting
// for the very first byte: a connection that already served a request
// waits keepAliveTimeout for the next one; a brand new connection (or
// one mid-request-line) waits connectionTimeout. Returns (true, nil)
// once the full request line is parsed, or (false, nil) if the peer
// half-closed before sending anything on a fresh keep-alive wait, or if
// the HTTP/2 preface was detected (check PrefaceDetected).
func (b *InputBuffer) ParseRequestLine(keptAlive bool, connectionTimeout, keepAliveTimeout time.Duration) (bool, error) {
	for {
		if !b.buf.HasRemaining() {
			timeout := connectionTimeout
			if keptAlive && b.rl == rlStart {
				timeout = keepAliveTimeout
			}
			ok, err := b.fill(true, timeout)
			if err != nil {
				if b.rl == rlStart {
					return false, nil
				}
				return false, err
			}
			if !ok {
				continue
			}
		}

		for b.buf.HasRemaining() {
			c := b.buf.Get()
			switch b.rl {
			case rlStart:
				if c == cr || c == lf {
					// RFC 7230 §3.5 leading CRLF tolerance.
					continue
				}
				b.rlStart = b.buf.Pos() - 1
				if c == preface[0] {
					if b.matchPreface() {
						b.PrefaceDetected = true
						b.rl = rlPreface
						return false, nil
					}
				}
				if !isToken(c) {
					return false, ErrInvalidMethod
				}
				b.rl = rlMethod
			case rlMethod:
				if c == sp {
					b.Method = b.buf.Slice(b.rlStart, b.buf.Pos()-1)
					b.rl = rlSkipToURI
					continue
				}
				if !isToken(c) {
					return false, ErrInvalidMethod
				}
			case rlSkipToURI:
				if c == sp {
					continue
				}
				if isCTL(c) {
					return false, ErrInvalidRequestTarget
				}
				b.rlStart = b.buf.Pos() - 1
				b.rlQPos = -1
				if c == question {
					b.rlQPos = b.rlStart
				}
				b.rl = rlURI
			case rlURI:
				switch {
				case c == question && b.rlQPos < 0:
					b.rlQPos = b.buf.Pos() - 1
				case c == sp:
					if err := b.commitTarget(b.buf.Pos() - 1); err != nil {
						return false, err
					}
					b.rl = rlSkipToProtocol
				case c == cr || c == lf:
					// HTTP/0.9 simple-request: bare "METHOD TARGET" with
					// no protocol token; the line ends at the target.
					if err := b.commitTarget(b.buf.Pos() - 1); err != nil {
						return false, err
					}
					b.Protocol = nil
					if c == cr {
						b.rl = rlAlmostDone
						continue
					}
					b.rl = rlEnd
					return true, nil
				case isCTL(c):
					return false, ErrInvalidRequestTarget
				}
			case rlSkipToProtocol:
				if c == sp {
					continue
				}
				if c == cr || c == lf {
					// HTTP/0.9 with trailing spaces after the target.
					b.Protocol = nil
					if c == cr {
						b.rl = rlAlmostDone
						continue
					}
					b.rl = rlEnd
					return true, nil
				}
				b.rlStart = b.buf.Pos() - 1
				b.rl = rlProtocol
			case rlProtocol:
				if c == cr {
					b.Protocol = b.buf.Slice(b.rlStart, b.buf.Pos()-1)
					b.rl = rlAlmostDone
					continue
				}
				if c == lf {
					b.Protocol = b.buf.Slice(b.rlStart, b.buf.Pos()-1)
					b.rl = rlEnd
					return true, nil
				}
			case rlAlmostDone:
				if c == lf {
					b.rl = rlEnd
					return true, nil
				}
				return false, ErrInvalidProtocol
			case rlEnd:
				return true, nil
			case rlPreface:
				return false, nil
			}
		}
	}
}

// commitTarget records the request target (and query string, split at
// the first '?') ending just before end.
func (b *InputBuffer) commitTarget(end int) error {
	if b.rlQPos >= 0 {
		b.RequestTarget = b.buf.Slice(b.rlStart, b.rlQPos)
		b.QueryString = b.buf.Slice(b.rlQPos+1, end)
	} else {
		b.RequestTarget = b.buf.Slice(b.rlStart, end)
	}
	if len(b.RequestTarget) == 0 {
		return ErrInvalidRequestTarget
	}
	return nil
}

// matchPreface checks whether the 24-byte HTTP/2 client preface begins
// at the byte just consumed (rlStart). Only called when the first byte
// already matched preface[0]; a false match simply falls through to
// ordinary method parsing.
func (b *InputBuffer) matchPreface() bool {
	start := b.rlStart
	if start+len(preface) > b.buf.Limit() {
		return false
	}
	got := b.buf.Slice(start, start+len(preface))
	for i := range preface {
		if got[i] != preface[i] {
			return false
		}
	}
	b.buf.SetPos(start + len(preface))
	return true
}

// ParseHeaders loops ParseHeader until the blank line terminating the
// header block is seen, blocking for more data between partial reads
// and enforcing maxHeaderSize across the whole block (request line
// included, since both share the buffer from offset 0).
func (b *InputBuffer) ParseHeaders() (bool, error) {
	for {
		status, err := b.ParseHeader()
		if err != nil {
			return false, err
		}
		switch status {
		case StatusNeedMoreData:
			ok, err := b.fill(true, b.wrapper.ReadTimeout())
			if err != nil {
				return false, err
			}
			if !ok {
				return false, ErrEOF
			}
		case StatusDone:
			b.parsingHeader = false
			return true, nil
		case StatusHaveMoreHeaders:
			if b.buf.Pos() > b.maxHeaderSize {
				return false, ErrHeaderTooLarge
			}
		}
	}
}

// ParseHeader parses one header field (or the terminating blank line)
// from the current position, lowercasing the header name in place and
// collapsing each folded line break and its leading whitespace into a
// single space via the realPos write cursor (whitespace inside a line
// is kept as sent), with lastSignificantChar marking where
// trailing whitespace trimming cuts the committed value.
func (b *InputBuffer) ParseHeader() (Status, error) {
	for {
		// hMultiLine peeks rather than consumes: the byte after a
		// value's CRLF either starts a folded continuation (SP/HT) or
		// belongs to the next field, and deciding needs the byte to be
		// present without claiming it.
		if b.h == hMultiLine {
			if !b.buf.HasRemaining() {
				return StatusNeedMoreData, nil
			}
			if isLWS(b.buf.PeekAt(b.buf.Pos())) {
				b.buf.PutAt(b.realPos, sp)
				b.realPos++
				b.h = hContinuation
			} else {
				b.commitHeader(b.lastSignificantChar)
				b.h = hStart
				return StatusHaveMoreHeaders, nil
			}
		}

		if !b.buf.HasRemaining() {
			return StatusNeedMoreData, nil
		}
		c := b.buf.Get()
		switch b.h {
		case hStart:
			if c == lf {
				b.hPrevChr = 0
				return StatusDone, nil
			}
			if c == cr && b.hPrevChr != cr {
				b.hPrevChr = cr
				continue
			}
			if b.hPrevChr == cr {
				// Stray CR not followed by LF: step back two bytes so
				// the CR is re-examined as the start of a field name,
				// where it fails token validation below.
				b.buf.SetPos(b.buf.Pos() - 2)
				b.hPrevChr = 0
				c = b.buf.Get()
			}
			if !isToken(c) {
				if b.rejectIllegalHeader {
					return 0, ErrInvalidHeader
				}
				log.Printf("httpbuf: skipping malformed header line (starts with %#x)", c)
				b.h = hSkipLine
				continue
			}
			b.hFieldStart = b.buf.Pos() - 1
			if isUpperAlpha(c) {
				b.buf.PutAt(b.hFieldStart, toLower(c))
			}
			b.h = hName
		case hName:
			if c == colon {
				b.hNameEnd = b.buf.Pos() - 1
				b.h = hValueStart
				continue
			}
			if !isToken(c) {
				if b.rejectIllegalHeader {
					return 0, ErrInvalidHeader
				}
				log.Printf("httpbuf: skipping header with malformed name (byte %#x)", c)
				b.h = hSkipLine
				continue
			}
			if isUpperAlpha(c) {
				b.buf.PutAt(b.buf.Pos()-1, toLower(c))
			}
		case hValueStart:
			if c == sp || c == ht {
				continue
			}
			b.hValueStart = b.buf.Pos() - 1
			b.realPos = b.hValueStart
			b.lastSignificantChar = b.hValueStart
			b.h = hValue
			fallthrough
		case hValue:
			switch c {
			case cr:
				b.h = hAlmostDone
			case lf:
				// Bare LF line ending, tolerated like CRLF.
				b.commitHeader(b.lastSignificantChar)
				b.h = hStart
				return StatusHaveMoreHeaders, nil
			case sp, ht:
				b.buf.PutAt(b.realPos, c)
				b.realPos++
			default:
				b.buf.PutAt(b.realPos, c)
				b.realPos++
				b.lastSignificantChar = b.realPos
			}
		case hAlmostDone:
			if c != lf {
				return 0, ErrInvalidHeader
			}
			b.h = hMultiLine
		case hContinuation:
			if c == sp || c == ht {
				continue
			}
			switch {
			case c == cr:
				b.h = hAlmostDone
			case c == lf:
				b.commitHeader(b.lastSignificantChar)
				b.h = hStart
				return StatusHaveMoreHeaders, nil
			case isCTL(c):
				return 0, ErrInvalidHeader
			default:
				b.buf.PutAt(b.realPos, c)
				b.realPos++
				b.lastSignificantChar = b.realPos
				b.h = hValue
			}
		case hSkipLine:
			if c == lf {
				b.h = hStart
				return StatusHaveMoreHeaders, nil
			}
		}
	}
}

// commitHeader appends the field parsed between hFieldStart/hNameEnd and
// hValueStart/valueEnd. An empty value (valueEnd at or before the start)
// commits as an empty slice, matching a field like "X-Empty:".
func (b *InputBuffer) commitHeader(valueEnd int) {
	name := b.buf.Slice(b.hFieldStart, b.hNameEnd)
	if valueEnd < b.hValueStart {
		valueEnd = b.hValueStart
	}
	value := b.buf.Slice(b.hValueStart, valueEnd)
	b.Headers.Add(name, value)
}

func isLWS(c byte) bool { return c == sp || c == ht }
