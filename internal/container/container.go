// Package container implements the request-routing tree:
// engine -> host(s) -> context(s) -> wrapper(s), each node owning a
// Pipeline, a lifecycle state machine, a copy-on-write listener list,
// and an optional background processor. There is one Container type
// tagged by Kind; the kinds differ only in child-key semantics and in
// which basic valve terminates their pipeline.
package container

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/watt-toolkit/ignis/internal/lifecycle"
	"github.com/watt-toolkit/ignis/internal/pipeline"
)

// Kind tags a Container's position in the tree.
type Kind uint8

const (
	KindEngine Kind = iota
	KindHost
	KindContext
	KindWrapper
)

func (k Kind) String() string {
	switch k {
	case KindEngine:
		return "engine"
	case KindHost:
		return "host"
	case KindContext:
		return "context"
	case KindWrapper:
		return "wrapper"
	default:
		return "unknown"
	}
}

// EventType names a container lifecycle or topology event.
type EventType string

const (
	EventAddChild    EventType = "ADD_CHILD"
	EventRemoveChild EventType = "REMOVE_CHILD"
	EventAddValve    EventType = "ADD_VALVE"
	EventRemoveValve EventType = "REMOVE_VALVE"
	EventStart       EventType = "START"
	EventStop        EventType = "STOP"
)

// Event is dispatched to every registered Listener.
type Event struct {
	Type      EventType
	Container *Container
	Data      any
}

// Listener observes container events. A listener may add or remove
// listeners from within its own callback, since the listener list is
// copy-on-write.
type Listener func(Event)

// Cluster and Realm are optional collaborators started ahead of a
// container's children and stopped after them. Both are left as the
// smallest interface a future implementation can satisfy.
type Cluster interface {
	Start() error
	Stop() error
}

type Realm interface {
	Start() error
	Stop() error
}

// BackgroundProcessor is implemented by a Cluster, Realm, or Valve that
// wants periodic work done by the background processor walk.
type BackgroundProcessor interface {
	BackgroundProcess()
}

// startStopper is implemented by a Valve that needs its own lifecycle
// hook run alongside the owning container's.
type startStopper interface {
	Start() error
	Stop() error
}

// Container is one node of the engine/host/context/wrapper tree.
type Container struct {
	Name string
	Kind Kind

	Pipeline  *pipeline.Pipeline
	Lifecycle *lifecycle.Machine

	Cluster Cluster
	Realm   Realm

	backgroundProcessorDelay time.Duration
	bgStop                   chan struct{}
	bgWG                     sync.WaitGroup

	// maxParallelChildren bounds how many children start or stop at
	// once; 0 means unbounded.
	maxParallelChildren int

	parentMu sync.RWMutex
	parent   *Container

	childrenMu sync.RWMutex
	children   map[string]*Container

	listenersMu sync.Mutex
	listeners   []Listener
}

// New constructs a Container of the given kind with basicValve as its
// pipeline's mandatory basic valve.
func New(name string, kind Kind, basicValve pipeline.Valve) *Container {
	return &Container{
		Name:                name,
		Kind:                kind,
		Pipeline:            pipeline.NewPipeline(basicValve),
		Lifecycle:           lifecycle.NewMachine(),
		children:            make(map[string]*Container),
		maxParallelChildren: 16,
	}
}

// SetBackgroundProcessorDelay sets the interval the background
// processor runs at for this container; <= 0 disables it.
func (c *Container) SetBackgroundProcessorDelay(d time.Duration) {
	c.backgroundProcessorDelay = d
}

// BackgroundProcessorDelay returns the configured interval.
func (c *Container) BackgroundProcessorDelay() time.Duration {
	return c.backgroundProcessorDelay
}

// SetMaxParallelChildren bounds the concurrency of child start/stop.
func (c *Container) SetMaxParallelChildren(n int) {
	c.maxParallelChildren = n
}

// Parent returns the owning container, or nil for the tree root.
func (c *Container) Parent() *Container {
	c.parentMu.RLock()
	defer c.parentMu.RUnlock()
	return c.parent
}

// AddChild attaches child under c, keyed by its Name (a host's name, a
// context's path, or a wrapper's servlet name — all plain strings, per
// the REDESIGN FLAGS note that child-key semantics differ only in what
// the key means, not in how it's stored). Fires EventAddChild.
func (c *Container) AddChild(child *Container) {
	c.childrenMu.Lock()
	child.parentMu.Lock()
	child.parent = c
	child.parentMu.Unlock()
	c.children[child.Name] = child
	c.childrenMu.Unlock()
	c.fire(Event{Type: EventAddChild, Container: c, Data: child})
}

// RemoveChild detaches the child with the given name, if present.
func (c *Container) RemoveChild(name string) {
	c.childrenMu.Lock()
	child, ok := c.children[name]
	if ok {
		delete(c.children, name)
	}
	c.childrenMu.Unlock()
	if ok {
		c.fire(Event{Type: EventRemoveChild, Container: c, Data: child})
	}
}

// Child returns the child with the given name, if present.
func (c *Container) Child(name string) (*Container, bool) {
	c.childrenMu.RLock()
	defer c.childrenMu.RUnlock()
	child, ok := c.children[name]
	return child, ok
}

// Children returns a snapshot of the current children.
func (c *Container) Children() []*Container {
	c.childrenMu.RLock()
	defer c.childrenMu.RUnlock()
	out := make([]*Container, 0, len(c.children))
	for _, child := range c.children {
		out = append(out, child)
	}
	return out
}

// AddValve appends v to the container's pipeline and fires EventAddValve.
func (c *Container) AddValve(v pipeline.Valve) {
	c.Pipeline.AddValve(v)
	c.fire(Event{Type: EventAddValve, Container: c, Data: v})
}

// RemoveValve removes v from the container's pipeline, firing
// EventRemoveValve if it was present.
func (c *Container) RemoveValve(v pipeline.Valve) {
	if c.Pipeline.RemoveValve(v) {
		c.fire(Event{Type: EventRemoveValve, Container: c, Data: v})
	}
}

// AddListener registers a container event listener.
func (c *Container) AddListener(l Listener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	next := make([]Listener, len(c.listeners)+1)
	copy(next, c.listeners)
	next[len(next)-1] = l
	c.listeners = next
}

func (c *Container) fire(ev Event) {
	c.listenersMu.Lock()
	listeners := c.listeners
	c.listenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Start brings the container up in a fixed order: cluster -> realm ->
// children (parallel, bounded) -> pipeline valves -> STARTED. Child
// start failures are aggregated; the first one is returned only after
// every child has been attempted.
func (c *Container) Start() error {
	if c.Lifecycle.State() == lifecycle.New {
		if err := c.Lifecycle.To(lifecycle.Initialized); err != nil {
			return err
		}
	}
	if err := c.Lifecycle.To(lifecycle.StartingPrep); err != nil {
		return err
	}

	if c.Cluster != nil {
		if err := c.Cluster.Start(); err != nil {
			c.Lifecycle.To(lifecycle.Failed)
			return err
		}
	}
	if c.Realm != nil {
		if err := c.Realm.Start(); err != nil {
			c.Lifecycle.To(lifecycle.Failed)
			return err
		}
	}

	if err := c.startChildren(); err != nil {
		c.Lifecycle.To(lifecycle.Failed)
		return err
	}

	if err := c.startPipelineValves(); err != nil {
		c.Lifecycle.To(lifecycle.Failed)
		return err
	}

	if err := c.Lifecycle.To(lifecycle.Starting); err != nil {
		return err
	}
	if err := c.Lifecycle.To(lifecycle.Started); err != nil {
		return err
	}

	c.startBackgroundProcessor()
	c.fire(Event{Type: EventStart, Container: c})
	return nil
}

func (c *Container) startChildren() error {
	children := c.Children()
	if len(children) == 0 {
		return nil
	}
	g := new(errgroup.Group)
	if c.maxParallelChildren > 0 {
		g.SetLimit(c.maxParallelChildren)
	}
	for _, child := range children {
		child := child
		g.Go(func() error { return child.Start() })
	}
	return g.Wait()
}

func (c *Container) stopChildren() error {
	children := c.Children()
	if len(children) == 0 {
		return nil
	}
	g := new(errgroup.Group)
	if c.maxParallelChildren > 0 {
		g.SetLimit(c.maxParallelChildren)
	}
	for _, child := range children {
		child := child
		g.Go(func() error { return child.Stop() })
	}
	return g.Wait()
}

func (c *Container) startPipelineValves() error {
	for _, v := range c.pipelineValves() {
		if ss, ok := v.(startStopper); ok {
			if err := ss.Start(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Container) stopPipelineValves() error {
	var first error
	for _, v := range c.pipelineValves() {
		if ss, ok := v.(startStopper); ok {
			if err := ss.Stop(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (c *Container) pipelineValves() []pipeline.Valve {
	valves := c.Pipeline.Valves()
	if basic := c.Pipeline.Basic(); basic != nil {
		valves = append(valves, basic)
	}
	return valves
}

// Stop tears the container down in the reverse of Start's order:
// pipeline valves -> children -> realm -> cluster -> STOPPED. As with
// Start, child stop errors are aggregated and the first is returned
// only after every child has been attempted.
func (c *Container) Stop() error {
	if err := c.Lifecycle.To(lifecycle.StoppingPrep); err != nil {
		return err
	}

	c.stopBackgroundProcessor()

	pipelineErr := c.stopPipelineValves()
	childrenErr := c.stopChildren()

	var realmErr, clusterErr error
	if c.Realm != nil {
		realmErr = c.Realm.Stop()
	}
	if c.Cluster != nil {
		clusterErr = c.Cluster.Stop()
	}

	if err := c.Lifecycle.To(lifecycle.Stopping); err != nil {
		return err
	}
	if err := c.Lifecycle.To(lifecycle.Stopped); err != nil {
		return err
	}

	c.fire(Event{Type: EventStop, Container: c})

	for _, err := range []error{pipelineErr, childrenErr, realmErr, clusterErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Destroy transitions the container to DESTROYED. Start may not be
// called again afterward.
func (c *Container) Destroy() error {
	if err := c.Lifecycle.To(lifecycle.Destroying); err != nil {
		return err
	}
	return c.Lifecycle.To(lifecycle.Destroyed)
}

// startBackgroundProcessor launches the periodic housekeeping walk,
// only when this container has its own positive delay; containers with
// delay <= 0 are instead walked by their nearest ancestor that does
// schedule one.
func (c *Container) startBackgroundProcessor() {
	if c.backgroundProcessorDelay <= 0 {
		return
	}
	c.bgStop = make(chan struct{})
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		ticker := time.NewTicker(c.backgroundProcessorDelay)
		defer ticker.Stop()
		for {
			select {
			case <-c.bgStop:
				return
			case <-ticker.C:
				c.backgroundProcess()
			}
		}
	}()
}

func (c *Container) stopBackgroundProcessor() {
	if c.bgStop == nil {
		return
	}
	close(c.bgStop)
	c.bgWG.Wait()
	c.bgStop = nil
}

// backgroundProcess invokes BackgroundProcess on the cluster, realm,
// and every valve that implements it, then recurses into every child
// whose own delay is <= 0.
func (c *Container) backgroundProcess() {
	if bp, ok := c.Cluster.(BackgroundProcessor); ok {
		bp.BackgroundProcess()
	}
	if bp, ok := c.Realm.(BackgroundProcessor); ok {
		bp.BackgroundProcess()
	}
	for _, v := range c.pipelineValves() {
		if bp, ok := v.(BackgroundProcessor); ok {
			bp.BackgroundProcess()
		}
	}
	for _, child := range c.Children() {
		if child.backgroundProcessorDelay <= 0 {
			child.backgroundProcess()
		}
	}
}

// WaitUntilStopped blocks until ctx is done or the container's
// lifecycle reaches a terminal state, used by the endpoint's
// graceful-shutdown path.
func (c *Container) WaitUntilStopped(ctx context.Context) error {
	for {
		switch c.Lifecycle.State() {
		case lifecycle.Stopped, lifecycle.Destroyed, lifecycle.Failed:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}
