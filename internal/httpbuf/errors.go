package httpbuf

import "errors"

// Parse errors, one sentinel per failure mode. The processor maps each
// to a 400 response and a closed connection.
var (
	ErrInvalidMethod        = errors.New("httpbuf: invalid method")
	ErrInvalidRequestTarget = errors.New("httpbuf: invalid request target")
	ErrInvalidProtocol      = errors.New("httpbuf: invalid protocol")
	ErrHeaderTooLarge       = errors.New("httpbuf: header or request line exceeds configured budget")
	ErrInvalidHeader        = errors.New("httpbuf: invalid header")
	ErrEOF                  = errors.New("httpbuf: unexpected EOF while reading request")
)

// Status is the outcome of one ParseHeader call.
type Status uint8

const (
	StatusNeedMoreData Status = iota
	StatusDone
	StatusHaveMoreHeaders
)
