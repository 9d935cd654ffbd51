// Package httpprocessor implements the HTTP/1.1 protocol handler: it
// satisfies worker.Handler, driving an httpbuf.InputBuffer to parse one
// or more requests off a Channel Wrapper, feeding each into the
// container pipeline rooted at an Engine, and serializing the resulting
// Response back onto the wire.
package httpprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/watt-toolkit/ignis/internal/channel"
	"github.com/watt-toolkit/ignis/internal/container"
	"github.com/watt-toolkit/ignis/internal/httpbuf"
	"github.com/watt-toolkit/ignis/internal/pipeline"
)

// Config holds the Processor's tunables.
type Config struct {
	MaxHeaderBytes    int
	ConnectionTimeout time.Duration
	KeepAliveTimeout  time.Duration
}

// DefaultConfig returns sane Processor tunables.
func DefaultConfig() Config {
	return Config{
		MaxHeaderBytes:    httpbuf.DefaultHeaderBufferSize,
		ConnectionTimeout: 20 * time.Second,
		KeepAliveTimeout:  60 * time.Second,
	}
}

// connState is the per-connection parse state a Processor keeps across
// readiness events: one InputBuffer bound to the Wrapper for its whole
// life, plus how many requests it has already served (which drives the
// keep-alive vs connection timeout choice in ParseRequestLine). conn
// records which net.Conn the state was built for: Wrappers are pooled,
// so a reused Wrapper carrying a different connection means the state
// must be reset rather than resumed.
type connState struct {
	conn   net.Conn
	ib     *httpbuf.InputBuffer
	served int
}

// Processor is the HTTP/1.1 protocol handler. One Processor serves
// every connection the Endpoint owns; per-connection state lives in
// states, keyed by Wrapper identity.
type Processor struct {
	cfg  Config
	root *container.Container

	states sync.Map // *channel.Wrapper -> *connState
}

// New constructs a Processor dispatching into root's pipeline (normally
// the tree's Engine).
func New(root *container.Container, cfg Config) *Processor {
	return &Processor{cfg: cfg, root: root}
}

// Process implements worker.Handler. It serves as many fully-buffered
// pipelined requests as are already sitting in the Wrapper's read
// buffer before returning, so a batch of pipelined requests don't each
// need their own readiness event.
func (p *Processor) Process(w *channel.Wrapper, event channel.SocketEvent) channel.SocketState {
	switch event {
	case channel.EventTimeout, channel.EventError, channel.EventDisconnect,
		channel.EventStop, channel.EventConnectFail:
		p.states.Delete(w)
		return channel.StateClosed
	case channel.EventOpenWrite:
		// Every response is written to completion within the read event
		// that produced it; there is no partial-write state to resume.
		return channel.StateOpen
	}

	st := p.stateFor(w)
	for {
		state, more := p.serveOne(w, st)
		if !more {
			if state == channel.StateClosed {
				p.states.Delete(w)
			}
			return state
		}
	}
}

// serveOne parses and serves one request. more is true when another
// request is already buffered and worth serving without waiting for a
// new readiness event.
func (p *Processor) serveOne(w *channel.Wrapper, st *connState) (state channel.SocketState, more bool) {
	ib := st.ib
	keptAlive := st.served > 0
	w.SetReadTimeout(p.cfg.ConnectionTimeout)

	ok, err := ib.ParseRequestLine(keptAlive, p.cfg.ConnectionTimeout, p.cfg.KeepAliveTimeout)
	if err != nil {
		if isParseError(err) {
			writeError(w, 400)
		}
		return channel.StateClosed, false
	}
	if !ok {
		// Either the HTTP/2 preface was detected (this core only
		// recognizes it, it does not speak HTTP/2) or the peer went
		// away before sending a byte on a fresh keep-alive wait.
		return channel.StateClosed, false
	}

	// HTTP/0.9's bare "METHOD TARGET" line carries no headers and no
	// body; parsing stops at the request line.
	var filter httpbuf.InputFilter = httpbuf.VoidInputFilter{}
	if len(ib.Protocol) > 0 {
		hok, herr := ib.ParseHeaders()
		if herr != nil || !hok {
			if herr != nil && isParseError(herr) {
				writeError(w, 400)
			}
			return channel.StateClosed, false
		}

		var ferr error
		filter, ferr = ib.SetupBodyFilter()
		if ferr != nil {
			writeError(w, 400)
			return channel.StateClosed, false
		}
	}

	req := p.buildRequest(w, ib)
	req.Body = filter

	resp := &pipeline.Response{}
	p.dispatch(req, resp)
	drainBody(filter)

	keepAlive := wantsKeepAlive(req.Protocol, ib) && w.DecrementKeepAlive() != 0
	writeResponse(w, req.Protocol, resp, keepAlive)

	st.served++
	ib.Recycle()

	if !keepAlive {
		return channel.StateClosed, false
	}
	if len(ib.Leftover()) > 0 {
		return channel.StateOpen, true
	}
	return channel.StateOpen, false
}

// dispatch runs the request through the container tree rooted at p.root,
// translating a pipeline error (e.g. ErrNoBasicValve, or a Servlet's own
// error) into a 500 when the valve chain didn't already set a status.
func (p *Processor) dispatch(req *pipeline.Request, resp *pipeline.Response) {
	if p.root == nil {
		resp.Status = 404
		return
	}
	if err := p.root.Pipeline.Invoke(req, resp); err != nil {
		log.Printf("httpprocessor: %s %s: %v", req.Method, req.URI, err)
		if resp.Status == 0 {
			resp.Status = 500
		}
	}
}

func (p *Processor) stateFor(w *channel.Wrapper) *connState {
	if v, ok := p.states.Load(w); ok {
		st := v.(*connState)
		if st.conn != w.RawConn() {
			// The pooled Wrapper was rebound to a new connection since
			// this state was built; start the parse from scratch.
			st.conn = w.RawConn()
			st.served = 0
			st.ib.Recycle()
		}
		return st
	}
	fresh := &connState{conn: w.RawConn(), ib: httpbuf.NewInputBuffer(w, p.cfg.MaxHeaderBytes)}
	actual, _ := p.states.LoadOrStore(w, fresh)
	return actual.(*connState)
}

func (p *Processor) buildRequest(w *channel.Wrapper, ib *httpbuf.InputBuffer) *pipeline.Request {
	req := &pipeline.Request{
		Method:     string(ib.Method),
		URI:        string(ib.RequestTarget),
		Protocol:   string(ib.Protocol),
		ReceivedAt: time.Now(),
	}
	if ib.QueryString != nil {
		req.Query = string(ib.QueryString)
	}
	if conn := w.RawConn(); conn != nil {
		if addr := conn.RemoteAddr(); addr != nil {
			req.RemoteAddr = addr.String()
		}
	}
	req.Header = make(map[string][]string, ib.Headers.Len())
	ib.Headers.Each(func(name, value []byte) {
		n := string(name)
		req.Header[n] = append(req.Header[n], string(value))
	})
	if host, ok := ib.Headers.Get("host"); ok {
		req.Host = string(host)
	}
	return req
}

// drainBody consumes whatever of the request body a Servlet left
// unread, so a kept-alive connection's next ParseRequestLine starts
// exactly at the next request rather than mid-body.
func drainBody(filter httpbuf.InputFilter) {
	if filter == nil {
		return
	}
	var scratch [4096]byte
	for !filter.Finished() {
		n, err := filter.Read(scratch[:])
		if err != nil || n == 0 {
			return
		}
	}
}

// wantsKeepAlive applies RFC 7230 §6.3's default-persistence rule:
// HTTP/1.1 defaults to keep-alive unless Connection: close is present;
// HTTP/1.0 (and HTTP/0.9, which has no Connection header concept at
// all) defaults to close unless Connection: keep-alive is present.
func wantsKeepAlive(protocol string, ib *httpbuf.InputBuffer) bool {
	conn, has := ib.Headers.Get("connection")
	switch protocol {
	case "HTTP/1.1":
		return !has || !bytes.EqualFold(conn, []byte("close"))
	case "HTTP/1.0":
		return has && bytes.EqualFold(conn, []byte("keep-alive"))
	default:
		return false
	}
}

func isParseError(err error) bool {
	return errors.Is(err, httpbuf.ErrInvalidMethod) ||
		errors.Is(err, httpbuf.ErrInvalidRequestTarget) ||
		errors.Is(err, httpbuf.ErrInvalidProtocol) ||
		errors.Is(err, httpbuf.ErrHeaderTooLarge) ||
		errors.Is(err, httpbuf.ErrInvalidHeader)
}

// writeResponse serializes resp onto w. An empty protocol means the
// request was HTTP/0.9's bare "METHOD TARGET\n"; its reply is the
// response body alone, with no status line, headers, or further
// requests on the connection.
func writeResponse(w *channel.Wrapper, protocol string, resp *pipeline.Response, keepAlive bool) {
	if protocol == "" {
		if _, err := w.Write(resp.Body.Bytes()); err != nil {
			log.Printf("httpprocessor: write failed: %v", err)
		}
		return
	}

	status := resp.Status
	if status == 0 {
		status = 200
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", protocol, status, reasonPhrase(status))

	hasContentLength := false
	for name, values := range resp.Header {
		if equalFoldString(name, "connection") {
			continue // Connection is ours to decide, below
		}
		if equalFoldString(name, "content-length") {
			hasContentLength = true
		}
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	if !hasContentLength {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", resp.Body.Len())
	}
	if keepAlive {
		buf.WriteString("Connection: keep-alive\r\n")
	} else {
		buf.WriteString("Connection: close\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(resp.Body.Bytes())

	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Printf("httpprocessor: write failed: %v", err)
	}
}

func equalFoldString(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

var statusReasons = map[int]string{
	200: "OK", 201: "Created", 202: "Accepted", 204: "No Content",
	301: "Moved Permanently", 302: "Found", 304: "Not Modified",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden",
	404: "Not Found", 405: "Method Not Allowed", 408: "Request Timeout",
	411: "Length Required", 413: "Payload Too Large", 414: "URI Too Long",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented",
	502: "Bad Gateway", 503: "Service Unavailable",
}

func reasonPhrase(status int) string {
	if r, ok := statusReasons[status]; ok {
		return r
	}
	return "Status"
}

func writeError(w *channel.Wrapper, status int) {
	body := fmt.Sprintf("%d %s", status, reasonPhrase(status))
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, reasonPhrase(status), len(body), body)
	if _, err := w.Write([]byte(msg)); err != nil {
		log.Printf("httpprocessor: error response write failed: %v", err)
	}
}
