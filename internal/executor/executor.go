package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nugget/mcpexec/internal/calllog"
	"github.com/nugget/mcpexec/internal/mcp"
	"github.com/nugget/mcpexec/internal/registry"
)

// Lookup errors returned by Connect and Probe.
var (
	ErrUnknownServer  = errors.New("unknown MCP server")
	ErrServerDisabled = errors.New("MCP server disabled")
	ErrToolNotFound   = errors.New("tool not found")

	// ErrShutdown is returned by a connect that was still starting its
	// transport when Shutdown ran. The new transport is stopped.
	ErrShutdown = errors.New("executor shut down during connect")
)

// DefaultStartTimeout bounds a lazy transport start and its first
// tools/list when WithStartTimeout is not given.
const DefaultStartTimeout = 60 * time.Second

// Registry is the read-only view of server descriptors the executor needs.
type Registry interface {
	Lookup(name string) (registry.ServerDescriptor, bool)
	Enabled() []registry.ServerDescriptor
}

// Factory constructs an unstarted transport. mcp.New is the default.
type Factory func(kind mcp.Kind, opts mcp.Options) (mcp.Transport, error)

// Recorder receives one entry per tool call.
type Recorder interface {
	Record(ctx context.Context, e calllog.Entry) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e calllog.Entry) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, e calllog.Entry) error { return f(ctx, e) }

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithFactory overrides transport construction.
func WithFactory(f Factory) Option {
	return func(e *Executor) { e.factory = f }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithRecorder adds a call recorder. It may be given more than once.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorders = append(e.recorders, r) }
}

// WithTransportOptions sets the options every transport is built with.
// Per-server environment and a server-scoped logger are layered on top.
func WithTransportOptions(o mcp.Options) Option {
	return func(e *Executor) { e.transportOpts = o }
}

// WithConcurrency bounds how many servers are contacted at once by
// AvailableTools and ToolSchemas. The default is 4.
func WithConcurrency(n int) Option {
	return func(e *Executor) { e.concurrency = n }
}

// WithStartTimeout bounds how long a lazy connect may take. The start
// is shared by every caller waiting on the same server, so it does not
// end when one of them gives up.
func WithStartTimeout(d time.Duration) Option {
	return func(e *Executor) { e.startTimeout = d }
}

// conn is a live transport and the tool names it exposed when started.
type conn struct {
	desc      registry.ServerDescriptor
	transport mcp.Transport
	tools     []string
	limiter   *rate.Limiter
}

func (c *conn) hasTool(name string) bool {
	return slices.Contains(c.tools, name)
}

// Executor owns the live transports for a registry. It is safe for
// concurrent use; calls to one stdio server are still serialized by
// its transport.
type Executor struct {
	reg           Registry
	factory       Factory
	transportOpts mcp.Options
	logger        *slog.Logger
	metrics       *Metrics
	recorders     []Recorder
	concurrency   int
	startTimeout  time.Duration

	starts singleflight.Group

	mu sync.Mutex
	// epoch increments on every Shutdown so a start that began before
	// it does not publish its transport afterwards.
	epoch    uint64
	conns    map[string]*conn
	schemas  map[string][]mcp.ToolDescriptor
	compiled map[string]*compiledSchema
}

// New creates an executor over reg. No servers are contacted until
// first use.
func New(reg Registry, opts ...Option) *Executor {
	e := &Executor{
		reg:          reg,
		factory:      mcp.New,
		concurrency:  4,
		startTimeout: DefaultStartTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	e.reset()
	return e
}

func (e *Executor) reset() {
	e.conns = make(map[string]*conn)
	e.schemas = make(map[string][]mcp.ToolDescriptor)
	e.compiled = make(map[string]*compiledSchema)
}

// Connect ensures server has a live, initialized transport with its
// tool list cached. Unknown and disabled servers fail without any
// transport being constructed.
func (e *Executor) Connect(ctx context.Context, server string) error {
	_, err := e.connect(ctx, server)
	return err
}

func (e *Executor) connect(ctx context.Context, server string) (*conn, error) {
	desc, ok := e.reg.Lookup(server)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	if !desc.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrServerDisabled, server)
	}

	if c := e.live(server); c != nil {
		return c, nil
	}

	ch := e.starts.DoChan(server, func() (any, error) {
		if c := e.live(server); c != nil {
			return c, nil
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.startTimeout)
		defer cancel()
		return e.start(sctx, desc)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*conn), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("connect %q: %w", server, ctx.Err())
	}
}

// live returns the cached conn for server if its transport is alive.
// A dead transport is evicted and stopped.
func (e *Executor) live(server string) *conn {
	e.mu.Lock()
	c := e.conns[server]
	e.mu.Unlock()
	if c == nil {
		return nil
	}
	if c.transport.IsAlive() {
		return c
	}
	e.logger.Warn("MCP transport no longer alive, replacing",
		"mcp_server", server,
		"state", c.transport.State(),
	)
	e.evict(c)
	return nil
}

// start builds, starts and lists tools on a new transport.
func (e *Executor) start(ctx context.Context, desc registry.ServerDescriptor) (*conn, error) {
	logger := e.logger.With("mcp_server", desc.Name)

	e.mu.Lock()
	epoch := e.epoch
	e.mu.Unlock()

	opts := e.transportOpts
	opts.Env = slices.Concat(opts.Env, desc.Env)
	opts.Logger = logger

	t, err := e.factory(desc.Transport, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s transport for %q: %w", desc.Transport, desc.Name, err)
	}

	if err := t.Start(ctx, desc.Command, desc.Args, desc.WorkingDir); err != nil {
		e.metrics.observeStart(desc.Name, string(desc.Transport), false)
		return nil, fmt.Errorf("start MCP server %q: %w", desc.Name, err)
	}

	all, err := t.ListTools(ctx)
	if err != nil {
		e.metrics.observeStart(desc.Name, string(desc.Transport), false)
		_ = t.Stop()
		return nil, fmt.Errorf("list tools on %q: %w", desc.Name, err)
	}
	e.metrics.observeStart(desc.Name, string(desc.Transport), true)

	c := &conn{
		desc:      desc,
		transport: t,
		tools:     desc.FilterTools(all),
	}
	if desc.MaxCallsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(desc.MaxCallsPerSecond), 1)
	}

	e.mu.Lock()
	if e.epoch != epoch {
		e.mu.Unlock()
		if err := t.Stop(); err != nil {
			logger.Warn("stop transport started during shutdown", "error", err)
		}
		return nil, fmt.Errorf("%w: %q", ErrShutdown, desc.Name)
	}
	e.conns[desc.Name] = c
	live := len(e.conns)
	e.mu.Unlock()
	e.metrics.setLive(live)

	logger.Info("MCP server connected",
		"transport", desc.Transport,
		"tools", len(c.tools),
		"filtered", len(all)-len(c.tools),
	)
	return c, nil
}

// evict removes c and its cached schemas and stops its transport. It is
// a no-op if c has already been replaced.
func (e *Executor) evict(c *conn) {
	name := c.desc.Name

	e.mu.Lock()
	if e.conns[name] != c {
		e.mu.Unlock()
		return
	}
	delete(e.conns, name)
	delete(e.schemas, name)
	e.dropCompiled(name)
	live := len(e.conns)
	e.mu.Unlock()
	e.metrics.setLive(live)

	if err := c.transport.Stop(); err != nil {
		e.logger.Debug("error stopping evicted MCP transport", "mcp_server", name, "error", err)
	}
}

// ExecuteTool runs tool on server. It never returns an error: unknown
// or disabled servers, tools missing from the server's cached list,
// connection problems and tool failures all produce a failed Result.
func (e *Executor) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) Result {
	started := time.Now()
	res := Result{
		Result: e.execute(ctx, server, tool, args),
		Server: server,
		Tool:   tool,
		CallID: newCallID(),
	}
	res.Duration = time.Since(started)
	e.observe(ctx, res, started, args)
	return res
}

func (e *Executor) execute(ctx context.Context, server, tool string, args map[string]any) mcp.Result {
	c, err := e.connect(ctx, server)
	switch {
	case errors.Is(err, ErrUnknownServer):
		return mcp.Failuref("MCP server %q is not configured", server)
	case errors.Is(err, ErrServerDisabled):
		return mcp.Failuref("MCP server %q is not enabled", server)
	case err != nil:
		return mcp.Failuref("error executing tool: %v", err)
	}

	if !c.hasTool(tool) {
		return mcp.Failuref("tool %q not found on server %q", tool, server)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return mcp.Failuref("rate limit wait for %q: %v", server, err)
		}
	}

	return c.transport.ExecuteTool(ctx, tool, args)
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// observe logs, meters and records a finished call.
func (e *Executor) observe(ctx context.Context, r Result, started time.Time, args map[string]any) {
	e.metrics.observeCall(r.Server, r.Tool, r.OK(), r.Duration)

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if r.OK() {
		e.logger.Info("MCP tool call completed",
			"mcp_server", r.Server,
			"tool", r.Tool,
			"call_id", r.CallID,
			"arg_keys", keys,
			"duration_ms", r.Duration.Milliseconds(),
			"result_preview", resultPreview(r.Payload()),
		)
	} else {
		e.logger.Warn("MCP tool call failed",
			"mcp_server", r.Server,
			"tool", r.Tool,
			"call_id", r.CallID,
			"arg_keys", keys,
			"duration_ms", r.Duration.Milliseconds(),
			"error", r.Message(),
		)
	}

	if len(e.recorders) == 0 {
		return
	}
	entry := calllog.Entry{
		CallID:    r.CallID,
		Server:    r.Server,
		Tool:      r.Tool,
		OK:        r.OK(),
		Error:     r.Message(),
		Duration:  r.Duration,
		StartedAt: started,
	}
	rctx := context.WithoutCancel(ctx)
	for _, rec := range e.recorders {
		if err := rec.Record(rctx, entry); err != nil {
			e.logger.Warn("failed to record MCP tool call",
				"mcp_server", r.Server,
				"tool", r.Tool,
				"error", err,
			)
		}
	}
}

const maxResultPreview = 500

func resultPreview(v any) string {
	s := fmt.Sprint(v)
	if len(s) > maxResultPreview {
		return s[:maxResultPreview] + "..."
	}
	return s
}

// Tools returns the tool names of one server, connecting if needed.
func (e *Executor) Tools(ctx context.Context, server string) ([]string, error) {
	c, err := e.connect(ctx, server)
	if err != nil {
		return nil, err
	}
	return slices.Clone(c.tools), nil
}

// AvailableTools returns the tool names of every enabled server,
// connecting as needed. A server that cannot be reached maps to an
// empty list.
func (e *Executor) AvailableTools(ctx context.Context) map[string][]string {
	return fanOut(ctx, e, e.Tools)
}

// ToolSchemas returns the tool descriptors of every enabled server.
// Schemas are cached per server after the first successful fetch; a
// failing server maps to an empty list without affecting the others.
func (e *Executor) ToolSchemas(ctx context.Context) map[string][]mcp.ToolDescriptor {
	return fanOut(ctx, e, e.ServerSchemas)
}

// fanOut runs fetch for every enabled server with bounded concurrency.
// Errors are logged and replaced with an empty, non-nil slice.
func fanOut[T any](ctx context.Context, e *Executor, fetch func(context.Context, string) ([]T, error)) map[string][]T {
	servers := e.reg.Enabled()
	out := make(map[string][]T, len(servers))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, desc := range servers {
		g.Go(func() error {
			items, err := fetch(ctx, desc.Name)
			if err != nil {
				e.logger.Error("failed to query MCP server",
					"mcp_server", desc.Name,
					"error", err,
				)
				items = []T{}
			}
			mu.Lock()
			out[desc.Name] = items
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ServerSchemas returns the tool descriptors for one server, from the
// cache when possible.
func (e *Executor) ServerSchemas(ctx context.Context, server string) ([]mcp.ToolDescriptor, error) {
	e.mu.Lock()
	cached, ok := e.schemas[server]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	c, err := e.connect(ctx, server)
	if err != nil {
		return nil, err
	}
	all, err := c.transport.ToolSchemas(ctx)
	if err != nil {
		return nil, fmt.Errorf("tool schemas for %q: %w", server, err)
	}

	descs := make([]mcp.ToolDescriptor, 0, len(all))
	for _, d := range all {
		if c.desc.AllowsTool(d.Name) {
			descs = append(descs, d)
		}
	}

	e.mu.Lock()
	// Only cache against the transport that produced the schemas.
	if e.conns[server] == c {
		e.schemas[server] = descs
	}
	e.mu.Unlock()
	return descs, nil
}

// ValidateToolCall reports whether tool is in server's cached tool
// list. It never contacts a server, so it is false until the server
// has been connected.
func (e *Executor) ValidateToolCall(server, tool string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.conns[server]
	return c != nil && c.hasTool(tool)
}

// Probe connects to server if needed and confirms it still answers
// tools/list. A transport that fails the probe is evicted so the next
// call starts a fresh one.
func (e *Executor) Probe(ctx context.Context, server string) error {
	c, err := e.connect(ctx, server)
	if err != nil {
		return err
	}
	if _, err := c.transport.ListTools(ctx); err != nil {
		e.evict(c)
		return fmt.Errorf("probe %q: %w", server, err)
	}
	return nil
}

// Shutdown stops every live transport and clears all caches. Every
// transport is stopped even if some fail; the failures are joined. The
// executor can be used again afterwards.
func (e *Executor) Shutdown() error {
	e.mu.Lock()
	conns := e.conns
	e.epoch++
	e.reset()
	e.mu.Unlock()
	e.metrics.setLive(0)

	names := make([]string, 0, len(conns))
	for name := range conns {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := conns[name].transport.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %q: %w", name, err))
		}
	}
	if len(conns) > 0 {
		e.logger.Info("MCP executor shut down", "transports", len(conns), "errors", len(errs))
	}
	return errors.Join(errs...)
}
