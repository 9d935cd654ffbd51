package container

import (
	"strings"

	"github.com/watt-toolkit/ignis/internal/pipeline"
)

// EngineBasicValve selects a Host by the request's Host header (port
// stripped), falling back to the engine's configured default host when
// no name matches rather than failing the request outright.
type EngineBasicValve struct {
	Engine      *Container
	DefaultHost string
}

func (v *EngineBasicValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	name := hostOnly(req.Host)
	host, ok := v.Engine.Child(name)
	if !ok {
		host, ok = v.Engine.Child(v.DefaultHost)
	}
	if !ok {
		resp.Status = 404
		return nil
	}
	return host.Pipeline.Invoke(req, resp)
}

func hostOnly(hostHeader string) string {
	if i := strings.IndexByte(hostHeader, ':'); i >= 0 {
		return hostHeader[:i]
	}
	return hostHeader
}

// HostBasicValve selects a Context by the longest URI prefix match
// among the host's children, so the most specific context path wins.
type HostBasicValve struct {
	Host *Container
}

func (v *HostBasicValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	ctx := longestPrefixChild(v.Host, req.URI)
	if ctx == nil {
		resp.Status = 404
		return nil
	}
	return ctx.Pipeline.Invoke(req, resp)
}

// ContextBasicValve selects a Wrapper by servlet mapping: a wrapper
// named exactly the request URI wins; otherwise the wrapper whose name
// is the longest prefix of the URI with the context's own path
// stripped.
type ContextBasicValve struct {
	Context *Container
}

func (v *ContextBasicValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	if w, ok := v.Context.Child(req.URI); ok {
		return w.Pipeline.Invoke(req, resp)
	}
	w := longestPrefixChild(v.Context, strings.TrimPrefix(req.URI, v.Context.Name))
	if w == nil {
		resp.Status = 404
		return nil
	}
	return w.Pipeline.Invoke(req, resp)
}

// longestPrefixChild returns the child whose name is the longest prefix
// of uri, or nil if none match.
func longestPrefixChild(c *Container, uri string) *Container {
	var best *Container
	for _, child := range c.Children() {
		if strings.HasPrefix(uri, child.Name) {
			if best == nil || len(child.Name) > len(best.Name) {
				best = child
			}
		}
	}
	return best
}

// Servlet is the minimal request-handling capability a Wrapper
// dispatches to. The full servlet API (filters, init params, async
// contexts) lives outside this core; this is just what sits behind the
// wrapper's basic valve.
type Servlet interface {
	Serve(req *pipeline.Request, resp *pipeline.Response) error
}

// ServletFunc adapts a function to Servlet.
type ServletFunc func(req *pipeline.Request, resp *pipeline.Response) error

func (f ServletFunc) Serve(req *pipeline.Request, resp *pipeline.Response) error {
	return f(req, resp)
}

// WrapperBasicValve is the terminal valve of a Wrapper's pipeline: it
// runs the registered Servlet.
type WrapperBasicValve struct {
	Servlet Servlet
}

func (v *WrapperBasicValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	if v.Servlet == nil {
		resp.Status = 404
		return nil
	}
	return v.Servlet.Serve(req, resp)
}
