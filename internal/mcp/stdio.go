package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/mcpexec/internal/config"
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// StopGrace is how long the subprocess gets to exit after SIGTERM.
	StopGrace time.Duration

	// ClientInfo is sent during initialize.
	ClientInfo ClientInfo

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. Exchanges are serialized: one request is written and its
// reply read before the next request may start.
type StdioTransport struct {
	*session
	config StdioConfig
	logger *slog.Logger

	// sem serializes exchanges on the pipe pair. It is a channel rather
	// than a mutex so waiters can give up when their context ends.
	sem chan struct{}

	proc atomic.Pointer[subprocess]
}

// subprocess is one running server and its pipes.
type subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	reader *bufio.Reader
	exited chan struct{}

	stderrDone chan struct{}
	lastStderr atomic.Value // string
}

// NewStdioTransport creates an unstarted stdio transport.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.StopGrace = orDefault(cfg.StopGrace, DefaultStopGrace)

	t := &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
	t.session = newSession(KindStdio, t, cfg.ClientInfo, logger)
	return t
}

// Start spawns command with args in workingDir and performs the
// initialize handshake. There is no built-in deadline; ctx bounds the
// handshake.
func (t *StdioTransport) Start(ctx context.Context, command string, args []string, workingDir string) error {
	if !t.advance(StateUnstarted, StateStarted) {
		return fmt.Errorf("start stdio transport: transport is %s", t.State())
	}

	if err := t.spawn(command, args, workingDir); err != nil {
		t.setState(StateStopped)
		return err
	}

	if err := t.initialize(ctx); err != nil {
		_ = t.Stop()
		return fmt.Errorf("start %s: %w", command, err)
	}
	return nil
}

func (t *StdioTransport) spawn(command string, args []string, workingDir string) error {
	t.logger.Info("starting MCP subprocess",
		"command", command,
		"args", args,
		"cwd", workingDir,
	)

	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = workingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Captured for logging and error context, not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", command, err)
	}

	p := &subprocess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		reader: bufio.NewReaderSize(stdout, 1<<20), // 1 MiB buffer for large responses
		exited: make(chan struct{}),

		stderrDone: make(chan struct{}),
	}
	p.lastStderr.Store("")
	t.proc.Store(p)

	go t.drainStderr(p)
	go t.reap(p)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// reap waits for the process to exit. It uses Process.Wait rather than
// Cmd.Wait so the pipes stay open until Stop closes them.
func (t *StdioTransport) reap(p *subprocess) {
	state, err := p.cmd.Process.Wait()
	switch {
	case err != nil:
		t.logger.Warn("MCP subprocess wait failed", "error", err)
	default:
		t.logger.Debug("MCP subprocess exited",
			"pid", state.Pid(),
			"exit_code", state.ExitCode(),
		)
	}
	close(p.exited)
}

// drainStderr logs stderr lines at debug level and keeps the most
// recent one for error messages.
func (t *StdioTransport) drainStderr(p *subprocess) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			p.lastStderr.Store(line)
		}
		t.logger.Debug("MCP subprocess stderr", "line", line)
	}
}

// withStderr appends the subprocess's last stderr line to err. A
// process that just died may still have stderr in flight, so the drain
// gets a moment to catch up.
func (t *StdioTransport) withStderr(err error) error {
	p := t.proc.Load()
	if p == nil {
		return err
	}
	select {
	case <-p.stderrDone:
	case <-time.After(100 * time.Millisecond):
	}
	if line, _ := p.lastStderr.Load().(string); line != "" {
		return fmt.Errorf("%w (stderr: %s)", err, line)
	}
	return err
}

// IsAlive reports whether the subprocess is still running.
func (t *StdioTransport) IsAlive() bool {
	p := t.proc.Load()
	if p == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Pid returns the subprocess id, or 0 when no process is running.
func (t *StdioTransport) Pid() int {
	if p := t.proc.Load(); p != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// acquire takes the exchange slot, giving up when ctx ends.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may have been ready; honor a cancelled context.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() { <-t.sem }

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// roundTrip writes req and reads stdout until the matching reply.
// Log noise, notifications and replies to other ids are skipped. Reads
// run in a goroutine so a cancelled ctx can abandon them; abandoning a
// read kills the subprocess since its stream position is then unknown.
func (t *StdioTransport) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	p := t.proc.Load()
	if p == nil {
		return nil, ErrTransportClosed
	}

	if err := t.write(p, req); err != nil {
		return nil, err
	}

	for {
		ch := make(chan readResult, 1)
		go func() {
			line, err := p.reader.ReadBytes('\n')
			ch <- readResult{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			t.logger.Warn("abandoning MCP request, stopping subprocess",
				"method", req.Method,
				"id", req.ID,
				"error", ctx.Err(),
			)
			t.setState(StateStopped)
			if p := t.proc.Swap(nil); p != nil {
				go func() { _ = t.terminate(p) }()
			}
			return nil, ctx.Err()
		case res := <-ch:
			if len(res.line) > 0 {
				t.logger.Log(ctx, config.LevelTrace, "MCP stdio recv", "line", string(res.line))
				if resp, ok := decodeReply(res.line); ok && resp.ID == req.ID {
					return resp, nil
				} else if ok {
					t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
				} else {
					t.logger.Debug("skipping non-response line from MCP subprocess",
						"line", strings.TrimSpace(string(res.line)),
					)
				}
			}
			if res.err != nil {
				t.setState(StateStopped)
				return nil, t.withStderr(fmt.Errorf("%w: read from subprocess stdout: %v", ErrTransportClosed, res.err))
			}
		}
	}
}

func (t *StdioTransport) notify(ctx context.Context, n *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	p := t.proc.Load()
	if p == nil {
		return ErrTransportClosed
	}
	return t.write(p, n)
}

// write sends one newline-terminated message. Caller must hold the slot.
func (t *StdioTransport) write(p *subprocess, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(context.Background(), config.LevelTrace, "MCP stdio send", "line", string(data))

	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return t.withStderr(fmt.Errorf("%w: write to subprocess stdin: %v", ErrTransportClosed, err))
	}
	return nil
}

// Stop closes stdin, asks the subprocess to exit with SIGTERM and kills
// it if it is still running after the grace period. Calling Stop more
// than once is a no-op.
func (t *StdioTransport) Stop() error {
	t.setState(StateStopped)

	p := t.proc.Swap(nil)
	if p == nil {
		return nil
	}
	return t.terminate(p)
}

func (t *StdioTransport) terminate(p *subprocess) error {
	pid := p.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	_ = p.stdin.Close()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.logger.Debug("SIGTERM failed", "pid", pid, "error", err)
	}

	timer := time.NewTimer(t.config.StopGrace)
	defer timer.Stop()

	var err error
	select {
	case <-p.exited:
	case <-timer.C:
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = fmt.Errorf("kill subprocess %d: %w", pid, kerr)
		}
		<-p.exited
	}

	// Closing our read ends unblocks any reader left behind by a
	// cancelled request.
	_ = p.stdout.Close()
	_ = p.stderr.Close()
	return err
}
