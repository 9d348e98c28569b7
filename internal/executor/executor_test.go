package executor

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/mcpexec/internal/calllog"
	"github.com/nugget/mcpexec/internal/mcp"
	"github.com/nugget/mcpexec/internal/registry"
)

// fakeTransport is an in-memory mcp.Transport.
type fakeTransport struct {
	tools     []mcp.ToolDescriptor
	startErr  error
	listErr   error
	schemaErr error
	stopErr   error
	delay     time.Duration

	// startErrFor and schemaErrFor fail the operation when the start
	// args contain the given string, so one factory can serve a
	// healthy and a broken server.
	startErrFor  string
	schemaErrFor string

	// When listGate is set, ListTools signals listEntered (if room)
	// and then blocks until listGate is closed.
	listEntered chan struct{}
	listGate    chan struct{}

	mu          sync.Mutex
	state       mcp.State
	startArgs   []string
	listCalls   int
	schemaCalls int
	calls       []string
	stops       int
}

func (f *fakeTransport) Start(ctx context.Context, command string, args []string, workingDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startArgs = append([]string{command}, args...)
	if f.startErr == nil && f.startErrFor != "" && slices.Contains(args, f.startErrFor) {
		f.startErr = errors.New("connection refused")
	}
	if f.startErr != nil {
		f.state = mcp.StateStopped
		return f.startErr
	}
	f.state = mcp.StateReady
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = mcp.StateStopped
	return f.stopErr
}

func (f *fakeTransport) ExecuteTool(ctx context.Context, tool string, args map[string]any) mcp.Result {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	if tool == "fail" {
		return mcp.Failure("tool exploded")
	}
	return mcp.Success(map[string]any{"tool": tool, "args": len(args)})
}

func (f *fakeTransport) ListTools(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	f.listCalls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.listGate != nil {
		select {
		case f.listEntered <- struct{}{}:
		default:
		}
		<-f.listGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	names := make([]string, 0, len(f.tools))
	for _, t := range f.tools {
		names = append(names, t.Name)
	}
	return names, nil
}

func (f *fakeTransport) ToolSchemas(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemaCalls++
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	if f.schemaErrFor != "" && slices.Contains(f.startArgs, f.schemaErrFor) {
		return nil, errors.New("timed out")
	}
	return f.tools, nil
}

func (f *fakeTransport) IsAlive() bool { return f.State() == mcp.StateReady }

func (f *fakeTransport) State() mcp.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) kill() {
	f.mu.Lock()
	f.state = mcp.StateStopped
	f.mu.Unlock()
}

func (f *fakeTransport) toolCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeFactory hands out transports built by newT and counts them.
type fakeFactory struct {
	mu    sync.Mutex
	newT  func(kind mcp.Kind) *fakeTransport
	built []*fakeTransport
	opts  []mcp.Options
}

func (ff *fakeFactory) build(kind mcp.Kind, opts mcp.Options) (mcp.Transport, error) {
	t := ff.newT(kind)
	ff.mu.Lock()
	ff.built = append(ff.built, t)
	ff.opts = append(ff.opts, opts)
	ff.mu.Unlock()
	return t, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.built)
}

func (ff *fakeFactory) last() *fakeTransport {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.built[len(ff.built)-1]
}

func tools(names ...string) []mcp.ToolDescriptor {
	out := make([]mcp.ToolDescriptor, 0, len(names))
	for _, n := range names {
		out = append(out, mcp.ToolDescriptor{Name: n})
	}
	return out
}

func testRegistry(t *testing.T, servers ...registry.ServerDescriptor) *registry.Registry {
	t.Helper()
	r, err := registry.New(servers...)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return r
}

func stdioServer(name string) registry.ServerDescriptor {
	return registry.ServerDescriptor{
		Name:      name,
		Command:   "python",
		Args:      []string{name + ".py"},
		Transport: mcp.KindStdio,
		Enabled:   true,
	}
}

func newTestExecutor(t *testing.T, reg Registry, newT func(mcp.Kind) *fakeTransport, opts ...Option) (*Executor, *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{newT: newT}
	e := New(reg, append([]Option{WithFactory(ff.build)}, opts...)...)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e, ff
}

func TestExecuteTool_Success(t *testing.T) {
	reg := testRegistry(t, stdioServer("filesystem"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("list_files", "read_file")}
	})

	res := e.ExecuteTool(context.Background(), "filesystem", "list_files", map[string]any{"path": "/"})
	if !res.OK() {
		t.Fatalf("ExecuteTool failed: %s", res.Message())
	}
	if res.ToolCall() != "filesystem:list_files" {
		t.Errorf("ToolCall() = %q", res.ToolCall())
	}
	if res.CallID == "" {
		t.Error("CallID is empty")
	}
	payload, _ := res.Payload().(map[string]any)
	if payload["tool"] != "list_files" || payload["args"] != 1 {
		t.Errorf("Payload() = %v", res.Payload())
	}

	ft := ff.last()
	if got := strings.Join(ft.startArgs, " "); got != "python filesystem.py" {
		t.Errorf("start args = %q", got)
	}

	// A second call reuses the transport.
	e.ExecuteTool(context.Background(), "filesystem", "read_file", nil)
	if ff.count() != 1 {
		t.Errorf("factory called %d times, want 1", ff.count())
	}
	if ft.listCalls != 1 {
		t.Errorf("tools/list called %d times, want 1", ft.listCalls)
	}
}

func TestExecuteTool_DisabledServer(t *testing.T) {
	d := stdioServer("filesystem")
	d.Enabled = false
	reg := testRegistry(t, d)
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport { return &fakeTransport{} })

	res := e.ExecuteTool(context.Background(), "filesystem", "list_files", nil)
	if res.OK() {
		t.Fatal("expected failure for disabled server")
	}
	if !strings.Contains(res.Message(), "filesystem") || !strings.Contains(res.Message(), "not enabled") {
		t.Errorf("Message() = %q", res.Message())
	}
	if ff.count() != 0 {
		t.Errorf("factory called %d times for disabled server", ff.count())
	}
}

func TestExecuteTool_UnknownServer(t *testing.T) {
	e, ff := newTestExecutor(t, testRegistry(t), func(mcp.Kind) *fakeTransport { return &fakeTransport{} })

	res := e.ExecuteTool(context.Background(), "nope", "x", nil)
	if res.OK() || !strings.Contains(res.Message(), `"nope"`) {
		t.Errorf("result = %v", res)
	}
	if ff.count() != 0 {
		t.Error("factory called for unknown server")
	}
}

func TestExecuteTool_UnknownToolNoWireTraffic(t *testing.T) {
	reg := testRegistry(t, stdioServer("filesystem"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("list_files")}
	})

	res := e.ExecuteTool(context.Background(), "filesystem", "delete_everything", nil)
	if res.OK() {
		t.Fatal("expected failure for unknown tool")
	}
	if !strings.Contains(res.Message(), "delete_everything") {
		t.Errorf("Message() = %q", res.Message())
	}
	if calls := ff.last().toolCalls(); len(calls) != 0 {
		t.Errorf("transport received calls %v", calls)
	}
}

func TestExecuteTool_StartFailure(t *testing.T) {
	reg := testRegistry(t, stdioServer("broken"))
	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{startErr: errors.New("exec: not found")}
	})

	res := e.ExecuteTool(context.Background(), "broken", "x", nil)
	if res.OK() {
		t.Fatal("expected failure")
	}
	if !strings.HasPrefix(res.Message(), "error executing tool:") || !strings.Contains(res.Message(), "exec: not found") {
		t.Errorf("Message() = %q", res.Message())
	}

	if err := e.Connect(context.Background(), "broken"); err == nil {
		t.Error("Connect should surface the start error")
	}
}

func TestExecuteTool_ToolFailure(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("fail")}
	})

	res := e.ExecuteTool(context.Background(), "s", "fail", nil)
	if res.OK() || res.Message() != "tool exploded" {
		t.Errorf("result = %v", res)
	}
}

func TestListFailureStopsTransport(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{listErr: errors.New("bad list")}
	})

	if err := e.Connect(context.Background(), "s"); err == nil {
		t.Fatal("expected Connect error")
	}
	if ft := ff.last(); ft.stops != 1 {
		t.Errorf("transport stopped %d times, want 1", ft.stops)
	}
	if e.ValidateToolCall("s", "anything") {
		t.Error("ValidateToolCall true after failed connect")
	}
}

func TestDeadTransportReplaced(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("echo")}
	})
	ctx := context.Background()

	if res := e.ExecuteTool(ctx, "s", "echo", nil); !res.OK() {
		t.Fatalf("first call: %s", res.Message())
	}
	first := ff.last()
	first.kill()

	if res := e.ExecuteTool(ctx, "s", "echo", nil); !res.OK() {
		t.Fatalf("second call: %s", res.Message())
	}
	if ff.count() != 2 {
		t.Fatalf("factory called %d times, want 2", ff.count())
	}
	if first.stops != 1 {
		t.Errorf("dead transport stopped %d times, want 1", first.stops)
	}
}

func TestConnect_SingleFlight(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("echo"), delay: 20 * time.Millisecond}
	})

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Connect(context.Background(), "s"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d concurrent connects failed", failures.Load())
	}
	if ff.count() != 1 {
		t.Errorf("factory called %d times, want 1", ff.count())
	}
}

func TestConnect_CallerCancelDoesNotFailWaiters(t *testing.T) {
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	reg := testRegistry(t, stdioServer("slow"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("a"), listEntered: entered, listGate: gate}
	})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- e.Connect(ctx, "slow") }()
	<-entered

	second := make(chan error, 1)
	go func() { second <- e.Connect(context.Background(), "slow") }()

	cancel()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled Connect = %v, want context.Canceled", err)
	}

	close(gate)
	if err := <-second; err != nil {
		t.Fatalf("waiting Connect: %v", err)
	}
	if n := ff.count(); n != 1 {
		t.Errorf("built %d transports, want 1", n)
	}
	if !ff.last().IsAlive() {
		t.Error("shared transport not alive")
	}
	if !e.ValidateToolCall("slow", "a") {
		t.Error("tool list not cached after shared start")
	}
}

func TestTransportOptions(t *testing.T) {
	d := stdioServer("s")
	d.Env = []string{"TOKEN=abc"}
	reg := testRegistry(t, d)
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("echo")}
	}, WithTransportOptions(mcp.Options{
		Env:         []string{"BASE=1"},
		CallTimeout: 7 * time.Second,
	}))

	if err := e.Connect(context.Background(), "s"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	opts := ff.opts[0]
	if got := strings.Join(opts.Env, ","); got != "BASE=1,TOKEN=abc" {
		t.Errorf("Env = %q", got)
	}
	if opts.CallTimeout != 7*time.Second {
		t.Errorf("CallTimeout = %v", opts.CallTimeout)
	}
	if opts.Logger == nil {
		t.Error("Logger not set")
	}
}

func TestToolFilters(t *testing.T) {
	d := stdioServer("s")
	d.ExcludeTools = []string{"admin_*"}
	reg := testRegistry(t, d)
	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("read", "admin_reset", "write")}
	})
	ctx := context.Background()

	avail := e.AvailableTools(ctx)
	if got := strings.Join(avail["s"], ","); got != "read,write" {
		t.Errorf("AvailableTools = %q", got)
	}
	if e.ValidateToolCall("s", "admin_reset") {
		t.Error("excluded tool validated")
	}
	if res := e.ExecuteTool(ctx, "s", "admin_reset", nil); res.OK() {
		t.Error("excluded tool executed")
	}

	schemas := e.ToolSchemas(ctx)
	if len(schemas["s"]) != 2 {
		t.Errorf("ToolSchemas = %+v", schemas["s"])
	}
}

func TestToolSchemas_PartialFailure(t *testing.T) {
	reg := testRegistry(t, stdioServer("good"), stdioServer("bad"))
	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("a", "b"), schemaErrFor: "bad.py"}
	})

	schemas := e.ToolSchemas(context.Background())
	if len(schemas) != 2 {
		t.Fatalf("ToolSchemas returned %d servers, want 2", len(schemas))
	}
	if len(schemas["good"]) != 2 {
		t.Errorf("good schemas = %+v", schemas["good"])
	}
	if bad, ok := schemas["bad"]; !ok || bad == nil || len(bad) != 0 {
		t.Errorf("bad schemas = %#v, want empty non-nil list", bad)
	}
}

func TestToolSchemas_Cached(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("a")}
	})
	ctx := context.Background()

	e.ToolSchemas(ctx)
	e.ToolSchemas(ctx)
	if n := ff.last().schemaCalls; n != 1 {
		t.Errorf("tools/list for schemas called %d times, want 1", n)
	}
}

func TestAvailableTools_UnreachableServer(t *testing.T) {
	reg := testRegistry(t, stdioServer("up"), stdioServer("down"))
	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("x"), startErrFor: "down.py"}
	})

	got := e.AvailableTools(context.Background())
	if strings.Join(got["up"], ",") != "x" {
		t.Errorf("up = %v", got["up"])
	}
	if down, ok := got["down"]; !ok || len(down) != 0 {
		t.Errorf("down = %v, want empty list", down)
	}
}

func TestValidateToolCall(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("echo")}
	})

	if e.ValidateToolCall("s", "echo") {
		t.Error("ValidateToolCall true before connect")
	}
	if err := e.Connect(context.Background(), "s"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !e.ValidateToolCall("s", "echo") {
		t.Error("ValidateToolCall false for cached tool")
	}
	if e.ValidateToolCall("s", "other") || e.ValidateToolCall("x", "echo") {
		t.Error("ValidateToolCall true for unknown tool or server")
	}
}

func TestProbe(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("echo")}
	})
	ctx := context.Background()

	if err := e.Probe(ctx, "s"); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	ft := ff.last()
	ft.mu.Lock()
	ft.listErr = errors.New("gone")
	ft.mu.Unlock()

	if err := e.Probe(ctx, "s"); err == nil {
		t.Fatal("Probe should fail when tools/list fails")
	}
	if ft.stops != 1 {
		t.Errorf("failed transport stopped %d times, want 1", ft.stops)
	}
	if e.ValidateToolCall("s", "echo") {
		t.Error("evicted server still validates")
	}

	if err := e.Probe(ctx, "missing"); !errors.Is(err, ErrUnknownServer) {
		t.Errorf("Probe(missing) = %v, want ErrUnknownServer", err)
	}
}

func TestShutdown(t *testing.T) {
	reg := testRegistry(t, stdioServer("a"), stdioServer("b"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("x"), stopErr: errors.New("stuck")}
	})
	ctx := context.Background()
	e.AvailableTools(ctx)

	err := e.Shutdown()
	if err == nil {
		t.Fatal("Shutdown should join stop errors")
	}
	if !strings.Contains(err.Error(), `"a"`) || !strings.Contains(err.Error(), `"b"`) {
		t.Errorf("Shutdown error = %v, want both servers", err)
	}
	for _, ft := range ff.built {
		if ft.stops != 1 {
			t.Errorf("transport stopped %d times, want 1", ft.stops)
		}
	}
	if e.ValidateToolCall("a", "x") {
		t.Error("caches not cleared")
	}

	// Idempotent and reusable.
	if err := e.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
	if res := e.ExecuteTool(ctx, "a", "x", nil); !res.OK() {
		t.Errorf("executor not reusable: %s", res.Message())
	}
	if ff.count() != 3 {
		t.Errorf("factory called %d times, want 3", ff.count())
	}
}

func TestShutdown_DuringConnect(t *testing.T) {
	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	reg := testRegistry(t, stdioServer("slow"))
	e, ff := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("a"), listEntered: entered, listGate: gate}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- e.Connect(context.Background(), "slow") }()
	<-entered

	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrShutdown) {
		t.Fatalf("Connect = %v, want ErrShutdown", err)
	}
	orphan := ff.last()
	if orphan.IsAlive() {
		t.Error("transport started during shutdown is still alive")
	}
	orphan.mu.Lock()
	stops := orphan.stops
	orphan.mu.Unlock()
	if stops != 1 {
		t.Errorf("stops = %d, want 1", stops)
	}
	e.mu.Lock()
	live := len(e.conns)
	e.mu.Unlock()
	if live != 0 {
		t.Errorf("%d transports registered after shutdown", live)
	}

	// The executor stays usable.
	if err := e.Connect(context.Background(), "slow"); err != nil {
		t.Fatalf("Connect after shutdown: %v", err)
	}
	if n := ff.count(); n != 2 {
		t.Errorf("built %d transports, want 2", n)
	}
}

func TestRateLimit(t *testing.T) {
	d := stdioServer("s")
	d.MaxCallsPerSecond = 0.001
	reg := testRegistry(t, d)
	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("echo")}
	})

	if res := e.ExecuteTool(context.Background(), "s", "echo", nil); !res.OK() {
		t.Fatalf("first call: %s", res.Message())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := e.ExecuteTool(ctx, "s", "echo", nil)
	if res.OK() || !strings.Contains(res.Message(), "rate limit") {
		t.Errorf("second call = %v, want rate limit failure", res)
	}
}

func TestMetricsAndRecorder(t *testing.T) {
	reg := testRegistry(t, stdioServer("s"))
	metrics := NewMetrics(prometheus.NewRegistry())

	var mu sync.Mutex
	var entries []calllog.Entry
	rec := RecorderFunc(func(ctx context.Context, e calllog.Entry) error {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
		return nil
	})

	e, _ := newTestExecutor(t, reg, func(mcp.Kind) *fakeTransport {
		return &fakeTransport{tools: tools("echo", "fail")}
	}, WithMetrics(metrics), WithRecorder(rec))
	ctx := context.Background()

	e.ExecuteTool(ctx, "s", "echo", nil)
	e.ExecuteTool(ctx, "s", "echo", nil)
	e.ExecuteTool(ctx, "s", "fail", nil)

	if got := testutil.ToFloat64(metrics.toolCalls.WithLabelValues("s", "echo", "success")); got != 2 {
		t.Errorf("echo successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.toolCalls.WithLabelValues("s", "fail", "failure")); got != 1 {
		t.Errorf("fail failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.transportStarts.WithLabelValues("s", "stdio", "success")); got != 1 {
		t.Errorf("transport starts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.liveTransports); got != 1 {
		t.Errorf("live transports = %v, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(entries) != 3 {
		t.Fatalf("recorded %d entries, want 3", len(entries))
	}
	last := entries[2]
	if last.OK || last.Error != "tool exploded" || last.Tool != "fail" || last.CallID == "" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestResultJSON(t *testing.T) {
	ok := Result{Result: mcp.Success(map[string]any{"k": 1.0}), Server: "s", Tool: "t", CallID: "id", Duration: 2 * time.Second}
	data, err := json.Marshal(ok)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["success"] != true || got["error"] != nil || got["tool_call"] != "s:t" || got["duration_ms"] != 2000.0 {
		t.Errorf("success JSON = %s", data)
	}

	failed := Result{Result: mcp.Failure("boom"), Server: "s", Tool: "t"}
	data, _ = json.Marshal(failed)
	got = nil
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["success"] != false || got["error"] != "boom" || got["result"] != nil {
		t.Errorf("failure JSON = %s", data)
	}
}
