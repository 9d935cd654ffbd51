// Package endpoint glues the Acceptor, Poller, Worker Pool, and
// HTTP/1.1 Processor together around one listening socket, plus the
// Endpoint's own lifecycle so it can be started and stopped like any
// other container-shaped component.
package endpoint

import (
	"fmt"
	"net"

	"github.com/watt-toolkit/ignis/internal/acceptor"
	"github.com/watt-toolkit/ignis/internal/bufpool"
	"github.com/watt-toolkit/ignis/internal/container"
	"github.com/watt-toolkit/ignis/internal/httpprocessor"
	"github.com/watt-toolkit/ignis/internal/lifecycle"
	"github.com/watt-toolkit/ignis/internal/poller"
	"github.com/watt-toolkit/ignis/internal/sockopt"
	"github.com/watt-toolkit/ignis/internal/worker"
)

// Config holds every tunable needed to bring up an Endpoint, one
// struct per listening address.
type Config struct {
	Address string

	ReadBufferSize  int
	WriteBufferSize int

	Acceptor  acceptor.Config
	Poller    poller.Config
	Worker    worker.Config
	Processor httpprocessor.Config
}

// DefaultConfig returns an Endpoint configuration with every
// sub-component's own defaults, bound to addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:         addr,
		ReadBufferSize:  8 * 1024,
		WriteBufferSize: 8 * 1024,
		Acceptor:        acceptor.DefaultConfig(),
		Poller:          poller.DefaultConfig(),
		Worker:          worker.DefaultConfig(),
		Processor:       httpprocessor.DefaultConfig(),
	}
}

// Endpoint is the top-level object an application starts and stops,
// owning the listening socket and every goroutine that serves
// connections accepted on it.
type Endpoint struct {
	cfg      Config
	listener net.Listener

	pool     *bufpool.WrapperPool
	poller   *poller.Poller
	workers  *worker.Pool
	acceptor *acceptor.Acceptor

	Lifecycle *lifecycle.Machine
}

// New constructs an Endpoint dispatching requests into root's pipeline.
// It does not start listening; call Start for that. The only failure
// mode is the platform poller backend itself being unavailable (e.g.
// epoll_create1 failing).
func New(root *container.Container, cfg Config) (*Endpoint, error) {
	processor := httpprocessor.New(root, cfg.Processor)
	workers := worker.New(cfg.Worker, processor)
	p, err := poller.New(cfg.Poller, workers)
	if err != nil {
		return nil, fmt.Errorf("endpoint: construct poller: %w", err)
	}

	// The read buffer must hold a full header block plus one socket
	// read's worth of body bytes, since header parsing never compacts
	// or grows the buffer.
	readBufSize := cfg.Processor.MaxHeaderBytes + cfg.ReadBufferSize

	return &Endpoint{
		cfg:       cfg,
		pool:      bufpool.NewWrapperPool(readBufSize, cfg.WriteBufferSize),
		poller:    p,
		workers:   workers,
		Lifecycle: lifecycle.NewMachine(),
	}, nil
}

// Start binds the listening socket, applies its socket options, and
// launches the Poller and Acceptor goroutines — Poller first, so it can
// accept registration events the moment the Acceptor produces one.
func (e *Endpoint) Start() error {
	if err := e.Lifecycle.To(lifecycle.Initialized); err != nil {
		return err
	}
	if err := e.Lifecycle.To(lifecycle.StartingPrep); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", e.cfg.Address)
	if err != nil {
		e.Lifecycle.To(lifecycle.Failed)
		return fmt.Errorf("endpoint: listen %s: %w", e.cfg.Address, err)
	}
	if err := sockopt.ApplyListener(ln, e.cfg.Acceptor.SocketOptions); err != nil {
		ln.Close()
		e.Lifecycle.To(lifecycle.Failed)
		return fmt.Errorf("endpoint: configure listener: %w", err)
	}
	e.listener = ln

	e.acceptor = acceptor.New(ln, e.cfg.Acceptor, e.poller, e.pool)

	if err := e.Lifecycle.To(lifecycle.Starting); err != nil {
		return err
	}
	go e.poller.Run()
	go e.acceptor.Run()
	return e.Lifecycle.To(lifecycle.Started)
}

// Stop halts new accepts and readiness dispatch, in the reverse order
// Start brought them up: Acceptor first (no more new connections), then
// the Poller (no more events dispatched to workers), then the Worker
// Pool (drain in-flight tasks). The listening socket and any still-open
// connections are closed as a side effect of stopping the Acceptor and
// Poller.
func (e *Endpoint) Stop() error {
	if err := e.Lifecycle.To(lifecycle.StoppingPrep); err != nil {
		return err
	}
	if err := e.Lifecycle.To(lifecycle.Stopping); err != nil {
		return err
	}

	if e.acceptor != nil {
		e.acceptor.Stop()
	}
	if e.poller != nil {
		e.poller.Destroy()
	}
	if e.workers != nil {
		e.workers.Close()
	}

	return e.Lifecycle.To(lifecycle.Stopped)
}

// Pause stops accepting new connections without tearing down the
// Poller or Worker Pool, so already-open keep-alive connections keep
// being served.
func (e *Endpoint) Pause() {
	if e.acceptor != nil {
		e.acceptor.Pause()
	}
}

// Resume reverses Pause.
func (e *Endpoint) Resume() {
	if e.acceptor != nil {
		e.acceptor.Resume()
	}
}

// Addr returns the address the Endpoint is listening on, once Start has
// succeeded.
func (e *Endpoint) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}
