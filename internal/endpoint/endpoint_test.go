package endpoint

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/watt-toolkit/ignis/internal/container"
	"github.com/watt-toolkit/ignis/internal/lifecycle"
	"github.com/watt-toolkit/ignis/internal/pipeline"
)

func echoServlet(body string) pipeline.Valve {
	return pipeline.ValveFunc(func(req *pipeline.Request, resp *pipeline.Response, next pipeline.Valve) error {
		resp.Status = 200
		resp.Write([]byte(body))
		return nil
	})
}

func TestEndpointServesOneRequest(t *testing.T) {
	root := container.New("engine", container.KindEngine, echoServlet("hello from ignis"))
	cfg := DefaultConfig("127.0.0.1:0")
	ep, err := New(root, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ep.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ep.Stop()

	if ep.Lifecycle.State() != lifecycle.Started {
		t.Fatalf("Lifecycle.State() = %v, want Started", ep.Lifecycle.State())
	}

	conn, err := net.DialTimeout("tcp", ep.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if status != "HTTP/1.1 200 OK\r\n" {
		t.Errorf("status line = %q, want %q", status, "HTTP/1.1 200 OK\r\n")
	}
}

func TestEndpointStopIsIdempotentWithPause(t *testing.T) {
	root := container.New("engine", container.KindEngine, echoServlet("ok"))
	ep, err := New(root, DefaultConfig("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := ep.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ep.Pause()
	ep.Resume()

	if err := ep.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ep.Lifecycle.State() != lifecycle.Stopped {
		t.Fatalf("Lifecycle.State() = %v, want Stopped", ep.Lifecycle.State())
	}
}
