// Package pipeline implements the per-container request pipeline: an
// ordered chain of valves terminated by a mandatory basic valve that
// performs the owning container's dispatch. The request/response pair a
// valve operates on is the in-flight HTTP exchange moving down the
// Engine -> Host -> Context -> Wrapper tree.
package pipeline

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Request is the subset of an in-flight HTTP/1.1 request a valve needs
// to route or log it; the Processor that parses the wire request
// populates one of these before handing it to the pipeline. Body reads
// decoded request-body bytes through whichever input filter the
// Processor selected (chunked, identity, or none); it is nil for a
// request with no body.
type Request struct {
	Method     string
	URI        string
	Query      string
	Host       string
	Protocol   string
	RemoteAddr string
	Header     map[string][]string
	Body       io.Reader
	ReceivedAt time.Time
}

// Response is the subset of the outgoing response a valve can observe
// or set. Status defaults to 0 until a downstream valve sets it; a
// servlet writes its body through Write, the way it would write to any
// other io.Writer, and the Processor serializes Header/Body onto the
// wire once the pipeline returns.
type Response struct {
	Status       int
	Header       map[string][]string
	Body         bytes.Buffer
	BytesWritten int64
}

// Write appends p to the response body, satisfying io.Writer so a
// Servlet can write through a Response exactly as it would to an
// http.ResponseWriter.
func (r *Response) Write(p []byte) (int, error) {
	n, err := r.Body.Write(p)
	r.BytesWritten += int64(n)
	return n, err
}

// SetHeader replaces all values for h with the single value v.
func (r *Response) SetHeader(h, v string) {
	if r.Header == nil {
		r.Header = make(map[string][]string)
	}
	r.Header[h] = []string{v}
}

// Valve is one stage in a container's pipeline. A valve that wants to
// continue the chain calls next.Invoke; one that terminates dispatch
// (an error page, a redirect) simply returns without calling next.
type Valve interface {
	Invoke(req *Request, resp *Response, next Valve) error
}

// ValveFunc adapts a plain function to the Valve interface.
type ValveFunc func(req *Request, resp *Response, next Valve) error

func (f ValveFunc) Invoke(req *Request, resp *Response, next Valve) error {
	return f(req, resp, next)
}

// boundValve closes over the valve that follows it in the chain, so
// the next parameter a Valve's Invoke receives already carries its own
// successor pre-bound, without each valve needing to know the whole
// pipeline.
type boundValve struct {
	valve Valve
	next  Valve
}

func (b *boundValve) Invoke(req *Request, resp *Response, _ Valve) error {
	return b.valve.Invoke(req, resp, b.next)
}

// Pipeline is the ordered chain of valves for one container, terminated
// by the mandatory basic valve.
type Pipeline struct {
	mu     sync.RWMutex
	valves []Valve
	basic  Valve
}

// NewPipeline constructs a Pipeline with the given basic valve. basic
// must not be nil; every container's pipeline has exactly one.
func NewPipeline(basic Valve) *Pipeline {
	return &Pipeline{basic: basic}
}

// AddValve appends v ahead of the basic valve.
func (p *Pipeline) AddValve(v Valve) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valves = append(p.valves, v)
}

// RemoveValve removes the first occurrence of v, if present. Valve
// identity is compared with ==, so v must be a pointer or otherwise
// comparable type.
func (p *Pipeline) RemoveValve(v Valve) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.valves {
		if existing == v {
			p.valves = append(p.valves[:i:i], p.valves[i+1:]...)
			return true
		}
	}
	return false
}

// SetBasic replaces the mandatory basic valve.
func (p *Pipeline) SetBasic(v Valve) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.basic = v
}

// Basic returns the current basic valve.
func (p *Pipeline) Basic() Valve {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.basic
}

// Valves returns a snapshot of the non-basic valves, in order.
func (p *Pipeline) Valves() []Valve {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Valve, len(p.valves))
	copy(out, p.valves)
	return out
}

// First builds and returns the chain's entrypoint: invoking it runs
// every valve in order, ending with the basic valve.
func (p *Pipeline) First() Valve {
	p.mu.RLock()
	defer p.mu.RUnlock()

	chain := p.basic
	if chain == nil {
		chain = ValveFunc(func(req *Request, resp *Response, next Valve) error {
			return ErrNoBasicValve
		})
	}
	for i := len(p.valves) - 1; i >= 0; i-- {
		chain = &boundValve{valve: p.valves[i], next: chain}
	}
	return &boundValve{valve: passthrough, next: chain}
}

// passthrough is the synthetic head of every chain so First always
// returns a boundValve even for an empty pipeline (basic valve only).
var passthrough = ValveFunc(func(req *Request, resp *Response, next Valve) error {
	return next.Invoke(req, resp, nil)
})

// Invoke runs the whole pipeline against req/resp.
func (p *Pipeline) Invoke(req *Request, resp *Response) error {
	return p.First().Invoke(req, resp, nil)
}
