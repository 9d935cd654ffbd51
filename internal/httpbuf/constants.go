package httpbuf

const (
	cr = '\r'
	lf = '\n'
	sp = ' '
	ht = '\t'
	colon = ':'
	question = '?'
)

// preface is the exact 24-byte HTTP/2 client connection preface,
// detected at byte 0 of a fresh, non-kept-alive connection.
var preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// DefaultHeaderBufferSize bounds the request line plus all headers for
// one request.
const DefaultHeaderBufferSize = 8 * 1024

// isToken reports whether b is a valid RFC 7230 "tchar" (used for
// method and header-name bytes).
func isToken(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']',
		'?', '=', '{', '}', sp, ht:
		return false
	}
	return b > 0x20 && b < 0x7f
}

// isCTL reports whether b is an ASCII control character other than
// horizontal tab.
func isCTL(b byte) bool {
	return (b < 0x20 && b != ht) || b == 0x7f
}

func isUpperAlpha(b byte) bool { return b >= 'A' && b <= 'Z' }

func toLower(b byte) byte {
	if isUpperAlpha(b) {
		return b + ('a' - 'A')
	}
	return b
}
