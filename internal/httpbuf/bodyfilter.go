package httpbuf

// SetupBodyFilter selects the input filter that will decode this
// request's body. Transfer-Encoding takes precedence over
// Content-Length: a "chunked" coding selects the chunked filter, and
// any other Transfer-Encoding value fails with ErrInvalidHeader. Without
// Transfer-Encoding, a single parseable Content-Length selects the
// identity filter (a duplicate or unparseable one fails with
// ErrInvalidHeader); a request with neither header gets the void filter
// (no body). The returned filter is also recorded
// as the buffer's active filter, the one callers read from via
// Read/Available/Finished.
func (b *InputBuffer) SetupBodyFilter() (InputFilter, error) {
	b.parsingHeader = false
	if te, ok := b.Headers.Get("transfer-encoding"); ok {
		if !equalFold(te, "chunked") {
			return nil, ErrInvalidHeader
		}
		f := NewChunkedInputFilter(b)
		b.activeFilter = f
		return f, nil
	}
	if cl, ok := b.Headers.Get("content-length"); ok {
		if b.Headers.Count("content-length") > 1 {
			return nil, ErrInvalidHeader
		}
		n, ok := parseContentLength(cl)
		if !ok {
			return nil, ErrInvalidHeader
		}
		f := NewIdentityInputFilter(b, n)
		b.activeFilter = f
		return f, nil
	}
	f := VoidInputFilter{}
	b.activeFilter = f
	return f, nil
}

// ActiveFilter returns the filter SetupBodyFilter last selected, or nil
// if it has not been called for the current request.
func (b *InputBuffer) ActiveFilter() InputFilter { return b.activeFilter }

// Available reports how many decoded body bytes are ready without a
// further socket read, consulting the active filter first and falling
// back to a non-blocking fill when read is true and nothing is
// buffered.
func (b *InputBuffer) Available(read bool) int {
	if b.activeFilter != nil {
		if n := b.activeFilter.Available(); n > 0 {
			return n
		}
	}
	if !read {
		return 0
	}
	ok, err := b.fill(false, 0)
	if err != nil || !ok {
		return 0
	}
	if b.activeFilter != nil {
		return b.activeFilter.Available()
	}
	return b.buf.Remaining()
}

// Finished reports whether the active filter has consumed the entire
// request body. A request with no body (no filter set up yet, or the
// void filter) is always finished.
func (b *InputBuffer) Finished() bool {
	return b.activeFilter == nil || b.activeFilter.Finished()
}

// Leftover returns the unread bytes still sitting in the shared buffer
// once the current request (headers and body) has been fully consumed
// — the bytes of a pipelined next request, or of an upgraded protocol's
// first frame, that HTTP/1.1 parsing never touched.
func (b *InputBuffer) Leftover() []byte { return b.buf.Unread() }

// parseContentLength parses an RFC 7230 §3.3.2 Content-Length value:
// one or more decimal digits, no sign, no leading/trailing whitespace
// (ParseHeader's HEADER_VALUE state already trims that). Returns false
// on any non-digit byte or an empty value.
func parseContentLength(v []byte) (int64, bool) {
	if len(v) == 0 {
		return 0, false
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// equalFold reports whether header value v case-insensitively equals
// the ASCII string want, without allocating a string(v) copy.
func equalFold(v []byte, want string) bool {
	if len(v) != len(want) {
		return false
	}
	for i := 0; i < len(v); i++ {
		if toLower(v[i]) != toLower(want[i]) {
			return false
		}
	}
	return true
}
