// Package child runs MCP server subprocesses and supervises the shared
// one across restarts.
package child

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Bridge-Gate/Bridgegate/pkg/wire"
)

// Config describes the MCP server command.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// MaxFrameBytes bounds a single stdout line from the child.
	MaxFrameBytes int
}

// Process is one running MCP server subprocess speaking line-framed
// JSON-RPC on stdio. WriteFrame is safe for concurrent use; ReadFrame
// must be called from a single goroutine.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	dec    *wire.Decoder
	logger *slog.Logger

	writeMu sync.Mutex

	stderrWG sync.WaitGroup

	waitOnce sync.Once
	waitErr  error

	killOnce sync.Once
	killErr  error
}

// Spawn starts the subprocess and wires its pipes. Cancelling ctx kills
// the process outright; use Kill for the graceful path.
func Spawn(ctx context.Context, cfg Config, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, span := otel.Tracer("bridgegate/child").Start(ctx, "child.spawn",
		trace.WithAttributes(attribute.String("child.command", cfg.Command)))
	defer span.End()

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	span.SetAttributes(attribute.Int("child.pid", cmd.Process.Pid))

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		dec:    wire.NewDecoder(stdout, cfg.MaxFrameBytes),
		logger: logger,
	}

	p.stderrWG.Add(1)
	go p.drainStderr(stderr)

	return p, nil
}

// drainStderr forwards child log lines to the gateway log. Child
// stderr never reaches peers.
func (p *Process) drainStderr(r io.Reader) {
	defer p.stderrWG.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("mcp server stderr", "pid", p.Pid(), "line", scanner.Text())
	}
}

// Pid returns the subprocess id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// ReadFrame returns the next stdout line from the child. io.EOF or a
// closed pipe means the child exited.
func (p *Process) ReadFrame() ([]byte, error) {
	return p.dec.Decode()
}

// WriteFrame sends one line to the child's stdin. Concurrent writers
// are serialized so frames never interleave.
func (p *Process) WriteFrame(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.Encode(p.stdin, frame)
}

// Wait blocks until the subprocess exits. Safe to call from multiple
// goroutines; all callers see the same result.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Kill stops the subprocess: close stdin, SIGTERM, wait up to grace,
// then SIGKILL. A child that dies from our own signal is not an error.
// Safe to call multiple times.
func (p *Process) Kill(grace time.Duration) error {
	p.killOnce.Do(func() {
		p.killErr = p.kill(grace)
	})
	return p.killErr
}

func (p *Process) kill(grace time.Duration) error {
	// Closing stdin signals EOF; well-behaved servers exit on their own.
	_ = p.stdin.Close()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		// Signal delivery is unsupported on some platforms; the grace
		// timer and hard kill below still apply.
		p.logger.Debug("terminate signal failed", "pid", p.Pid(), "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()

	select {
	case err := <-done:
		p.stderrWG.Wait()
		return ignoreExitStatus(err)
	case <-time.After(grace):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid(), err)
	}
	err := <-done
	p.stderrWG.Wait()
	return ignoreExitStatus(err)
}

// ignoreExitStatus drops non-zero exit statuses. Kill requested the
// termination, so the status carries no signal for the caller.
func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
