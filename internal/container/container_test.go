package container

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/watt-toolkit/ignis/internal/lifecycle"
	"github.com/watt-toolkit/ignis/internal/pipeline"
)

func noopBasic(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	return nil
}

func TestStartRunsChildrenThenReachesStarted(t *testing.T) {
	engine := New("engine", KindEngine, pipeline.ValveFunc(noopBasic))
	host := New("example.com", KindHost, pipeline.ValveFunc(noopBasic))
	engine.AddChild(host)

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if engine.Lifecycle.State() != lifecycle.Started {
		t.Errorf("engine state = %v, want STARTED", engine.Lifecycle.State())
	}
	if host.Lifecycle.State() != lifecycle.Started {
		t.Errorf("host state = %v, want STARTED", host.Lifecycle.State())
	}
}

func TestStartAggregatesChildFailuresAfterAttemptingAll(t *testing.T) {
	engine := New("engine", KindEngine, pipeline.ValveFunc(noopBasic))

	var attempted int32
	good := New("good", KindHost, pipeline.ValveFunc(noopBasic))
	bad := New("bad", KindHost, pipeline.ValveFunc(noopBasic))
	bad.AddValve(&failingStartStopValve{startErr: errors.New("boom")})

	countingGood := &countingStartStopValve{counter: &attempted}
	good.AddValve(countingGood)

	engine.AddChild(good)
	engine.AddChild(bad)

	err := engine.Start()
	if err == nil {
		t.Fatalf("Start should have failed")
	}
	if atomic.LoadInt32(&attempted) != 1 {
		t.Errorf("good child's valve Start called %d times, want 1 (it should still run despite bad's failure)", attempted)
	}
}

type failingStartStopValve struct{ startErr error }

func (v *failingStartStopValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	return next.Invoke(req, resp, nil)
}
func (v *failingStartStopValve) Start() error { return v.startErr }
func (v *failingStartStopValve) Stop() error  { return nil }

type countingStartStopValve struct{ counter *int32 }

func (v *countingStartStopValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	return next.Invoke(req, resp, nil)
}
func (v *countingStartStopValve) Start() error { atomic.AddInt32(v.counter, 1); return nil }
func (v *countingStartStopValve) Stop() error  { return nil }

func TestAddChildFiresEvent(t *testing.T) {
	engine := New("engine", KindEngine, pipeline.ValveFunc(noopBasic))
	var mu sync.Mutex
	var events []EventType
	engine.AddListener(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.Type)
	})

	host := New("example.com", KindHost, pipeline.ValveFunc(noopBasic))
	engine.AddChild(host)
	engine.RemoveChild(host.Name)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != EventAddChild || events[1] != EventRemoveChild {
		t.Errorf("events = %v, want [ADD_CHILD REMOVE_CHILD]", events)
	}
}

func TestStopOrderRunsPipelineBeforeChildrenBeforeRealmBeforeCluster(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, name)
	}

	engine := New("engine", KindEngine, pipeline.ValveFunc(noopBasic))
	engine.Realm = recordingRealm{record: record}
	engine.Cluster = recordingCluster{record: record}
	engine.AddValve(&recordingStopValve{name: "pipeline", record: record})

	child := New("host", KindHost, pipeline.ValveFunc(noopBasic))
	child.AddValve(&recordingStopValve{name: "child", record: record})
	engine.AddChild(child)

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	mu.Lock()
	order = nil
	mu.Unlock()

	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("order = %v, want 4 entries", order)
	}
	pipelineIdx, childIdx, realmIdx, clusterIdx := -1, -1, -1, -1
	for i, name := range order {
		switch name {
		case "pipeline":
			pipelineIdx = i
		case "child":
			childIdx = i
		case "realm":
			realmIdx = i
		case "cluster":
			clusterIdx = i
		}
	}
	if !(pipelineIdx < realmIdx && childIdx < realmIdx && realmIdx < clusterIdx) {
		t.Errorf("order = %v, want pipeline and child before realm before cluster", order)
	}
}

type recordingStopValve struct {
	name   string
	record func(string)
}

func (v *recordingStopValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	return next.Invoke(req, resp, nil)
}
func (v *recordingStopValve) Start() error { return nil }
func (v *recordingStopValve) Stop() error  { v.record(v.name); return nil }

type recordingRealm struct{ record func(string) }

func (r recordingRealm) Start() error { return nil }
func (r recordingRealm) Stop() error  { r.record("realm"); return nil }

type recordingCluster struct{ record func(string) }

func (c recordingCluster) Start() error { return nil }
func (c recordingCluster) Stop() error  { c.record("cluster"); return nil }

func TestBackgroundProcessorWalksChildrenWithoutTheirOwnDelay(t *testing.T) {
	engine := New("engine", KindEngine, pipeline.ValveFunc(noopBasic))
	engine.SetBackgroundProcessorDelay(10 * time.Millisecond)

	var calls int32
	engine.AddValve(&countingBackgroundValve{counter: &calls})

	child := New("host", KindHost, pipeline.ValveFunc(noopBasic))
	// child has no positive delay of its own: the engine's walk should
	// reach into it.
	child.AddValve(&countingBackgroundValve{counter: &calls})
	engine.AddChild(child)

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&calls) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("background process calls = %d, want >= 2", calls)
	}
}

type countingBackgroundValve struct {
	counter *int32
}

func (v *countingBackgroundValve) Invoke(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
	return next.Invoke(req, resp, nil)
}
func (v *countingBackgroundValve) BackgroundProcess() { atomic.AddInt32(v.counter, 1) }

func TestDispatchRoutesEngineToHostToContextToWrapper(t *testing.T) {
	var servedBy string
	wrapper := New("/widgets", KindWrapper, nil)
	wrapper.Pipeline.SetBasic(&WrapperBasicValve{Servlet: ServletFunc(func(req *pipeline.Request, resp *pipeline.Response) error {
		servedBy = "widgets"
		resp.Status = 200
		return nil
	})})

	ctx := New("/app", KindContext, nil)
	ctx.Pipeline.SetBasic(&ContextBasicValve{Context: ctx})
	ctx.AddChild(wrapper)

	host := New("example.com", KindHost, nil)
	host.Pipeline.SetBasic(&HostBasicValve{Host: host})
	host.AddChild(ctx)

	engine := New("engine", KindEngine, nil)
	engine.Pipeline.SetBasic(&EngineBasicValve{Engine: engine, DefaultHost: "example.com"})
	engine.AddChild(host)

	req := &pipeline.Request{Host: "example.com:8080", URI: "/app/widgets"}
	resp := &pipeline.Response{}
	if err := engine.Pipeline.Invoke(req, resp); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if servedBy != "widgets" {
		t.Errorf("servedBy = %q, want widgets", servedBy)
	}
	if resp.Status != 200 {
		t.Errorf("resp.Status = %d, want 200", resp.Status)
	}
}

func TestDispatchFallsBackToDefaultHostOnUnknownHostHeader(t *testing.T) {
	var served bool
	wrapper := New("/x", KindWrapper, nil)
	wrapper.Pipeline.SetBasic(&WrapperBasicValve{Servlet: ServletFunc(func(req *pipeline.Request, resp *pipeline.Response) error {
		served = true
		return nil
	})})
	ctx := New("/x", KindContext, nil)
	ctx.Pipeline.SetBasic(&ContextBasicValve{Context: ctx})
	ctx.AddChild(wrapper)
	host := New("default-host", KindHost, nil)
	host.Pipeline.SetBasic(&HostBasicValve{Host: host})
	host.AddChild(ctx)
	engine := New("engine", KindEngine, nil)
	engine.Pipeline.SetBasic(&EngineBasicValve{Engine: engine, DefaultHost: "default-host"})
	engine.AddChild(host)

	req := &pipeline.Request{Host: "unknown.example", URI: "/x"}
	resp := &pipeline.Response{}
	if err := engine.Pipeline.Invoke(req, resp); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !served {
		t.Errorf("expected fallback to default host to serve the request")
	}
}

func TestWaitUntilStoppedReturnsAfterStop(t *testing.T) {
	engine := New("engine", KindEngine, pipeline.ValveFunc(noopBasic))
	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		engine.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := engine.WaitUntilStopped(ctx); err != nil {
		t.Fatalf("WaitUntilStopped failed: %v", err)
	}
}
