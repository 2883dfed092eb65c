package hub

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/machinefabric/plughub-go/plugin"
	"github.com/machinefabric/plughub-go/process"
)

// farm stands in for the operating system: launching a plugin serves its
// Runtime on an in-memory listener keyed by the allocated port.
type farm struct {
	mu        sync.Mutex
	runtimes  map[string]*plugin.Runtime
	listeners map[int]*bufconn.Listener
	procs     []*farmProcess
	launches  atomic.Int32
	nextPort  int
}

func newFarm() *farm {
	return &farm{
		runtimes:  make(map[string]*plugin.Runtime),
		listeners: make(map[int]*bufconn.Listener),
		nextPort:  50000,
	}
}

// add makes r launchable under the entrypoint "/plugins/<publisher>/<name>".
func (f *farm) add(publisher, name string, r *plugin.Runtime) Spec {
	d := testDescriptor(publisher, name)
	f.mu.Lock()
	f.runtimes[d.Entrypoint] = r
	f.mu.Unlock()
	return Spec{Descriptor: d}
}

func (f *farm) allocPort() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPort++
	return f.nextPort, nil
}

func (f *farm) Launch(_ context.Context, d process.Descriptor, port int) (process.Process, error) {
	f.launches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runtimes[d.Entrypoint]
	if !ok {
		return nil, fmt.Errorf("fork/exec %s: no such file or directory", d.Entrypoint)
	}
	lis := bufconn.Listen(1 << 20)
	srv := r.NewServer()
	go srv.Serve(lis)
	f.listeners[port] = lis
	p := &farmProcess{pid: port, srv: srv, done: make(chan struct{})}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *farm) Connect(ctx context.Context, addr string) (*process.Link, error) {
	_, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(portText)
	f.mu.Lock()
	lis, ok := f.listeners[port]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	c := process.GRPCConnector{DialOptions: []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}}
	return c.Connect(ctx, "passthrough:///"+addr)
}

// crashAll kills every launched process.
func (f *farm) crashAll() {
	f.mu.Lock()
	procs := append([]*farmProcess(nil), f.procs...)
	f.mu.Unlock()
	for _, p := range procs {
		p.Kill()
	}
}

type farmProcess struct {
	pid  int
	srv  *grpc.Server
	once sync.Once
	done chan struct{}
}

func (p *farmProcess) Pid() int              { return p.pid }
func (p *farmProcess) Done() <-chan struct{} { return p.done }
func (p *farmProcess) Kill() error {
	p.once.Do(func() {
		p.srv.Stop()
		close(p.done)
	})
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.QueryTimeout = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, f *farm, cfg Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithProcessOptions(
			process.WithLauncher(f),
			process.WithConnector(f),
			process.WithPortAllocator(f.allocPort),
			process.WithSleep(noSleep),
		),
	}, opts...)
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e
}
