// Command ignisd wires a minimal engine/host/context/wrapper tree to an
// Endpoint and serves HTTP/1.1 until interrupted, shutting down
// gracefully on SIGINT/SIGTERM.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/watt-toolkit/ignis/internal/container"
	"github.com/watt-toolkit/ignis/internal/endpoint"
	"github.com/watt-toolkit/ignis/internal/pipeline"
)

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	defaultHost := flag.String("default-host", "localhost", "Host container to use when no Host header matches")
	accessLog := flag.Bool("access-log", true, "log every request to stdout")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "how long to wait for in-flight requests on shutdown")
	flag.Parse()

	root := buildTree(*defaultHost, *accessLog)
	if err := root.Start(); err != nil {
		log.Fatalf("ignisd: start container tree: %v", err)
	}

	cfg := endpoint.DefaultConfig(*addr)
	ep, err := endpoint.New(root, cfg)
	if err != nil {
		log.Fatalf("ignisd: %v", err)
	}

	if err := ep.Start(); err != nil {
		log.Fatalf("ignisd: start: %v", err)
	}
	log.Printf("ignisd listening on %s", ep.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("ignisd: shutting down")
	stopped := make(chan error, 1)
	go func() { stopped <- ep.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			log.Fatalf("ignisd: stop: %v", err)
		}
	case <-time.After(*shutdownTimeout):
		log.Println("ignisd: shutdown timed out, exiting anyway")
	}
	if err := root.Stop(); err != nil {
		log.Printf("ignisd: stop container tree: %v", err)
	}
	log.Println("ignisd: stopped")
}

// buildTree assembles the one-engine, one-host, one-context, one-wrapper
// tree a freshly started ignisd serves: enough structure to exercise
// every basic valve in the dispatch chain without requiring external
// configuration.
func buildTree(defaultHost string, accessLog bool) *container.Container {
	engine := container.New("engine", container.KindEngine, nil)
	engine.Pipeline.SetBasic(&container.EngineBasicValve{Engine: engine, DefaultHost: defaultHost})
	if accessLog {
		engine.AddValve(pipeline.NewAccessLogValve(pipeline.DefaultAccessLogConfig()))
	}

	host := container.New(defaultHost, container.KindHost, nil)
	host.Pipeline.SetBasic(&container.HostBasicValve{Host: host})
	engine.AddChild(host)

	root := container.New("", container.KindContext, nil)
	root.Pipeline.SetBasic(&container.ContextBasicValve{Context: root})
	host.AddChild(root)

	welcome := container.New("/", container.KindWrapper, nil)
	welcome.Pipeline.SetBasic(&container.WrapperBasicValve{Servlet: container.ServletFunc(serveWelcome)})
	root.AddChild(welcome)

	return engine
}

func serveWelcome(req *pipeline.Request, resp *pipeline.Response) error {
	resp.Status = 200
	resp.SetHeader("Content-Type", "text/plain; charset=utf-8")
	_, err := resp.Write([]byte("ignisd is running\n"))
	return err
}
