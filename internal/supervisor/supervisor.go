// Package supervisor implements ProcessSupervisor: it owns the subprocess
// for each worker, streams its output as events, detects idleness, and
// delivers signals. Spawn takes a plain SpawnOptions struct and launches an
// arbitrary worker command.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389-research/fleetd/internal/eventbus"
	"github.com/2389-research/fleetd/internal/log"
	"github.com/2389-research/fleetd/internal/orcherr"
)

var tracer = otel.Tracer("github.com/2389-research/fleetd/internal/supervisor")

// Signal is the closed set of signals ProcessSupervisor can deliver.
type Signal int

const (
	SignalInterrupt Signal = iota
	SignalEscape
	SignalTerminate
)

// SpawnOptions configures a subprocess launch.
type SpawnOptions struct {
	WorkerID  string
	Handle    string
	Role      string
	Command   []string
	Env       []string
	Dir       string
	IdleQuiet time.Duration // not read by Spawn; Handle.Idle takes the silence window as its argument
	IdlePrompt func(lastLine string) bool
}

// Handle is a live reference to a spawned worker subprocess.
type Handle struct {
	workerID string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	cancel   context.CancelFunc
	done     chan struct{}
	exitErr  error

	mu           sync.Mutex
	lastOutputAt time.Time
	lastLine     string
	idlePrompt   func(string) bool
}

// PID returns the subprocess's process id, or 0 if it has not started.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Write sends input to the subprocess's stdin — used to deliver the
// composed initial prompt.
func (h *Handle) Write(s string) error {
	_, err := io.WriteString(h.stdin, s)
	return err
}

// Idle reports whether output has been silent for the configured window
// and the last line matches the configured idle predicate. Idle detection
// feeds wave-completion bookkeeping, never liveness.
func (h *Handle) Idle(quiet time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.idlePrompt == nil {
		return false
	}
	if time.Since(h.lastOutputAt) < quiet {
		return false
	}
	return h.idlePrompt(h.lastLine)
}

// Wait blocks until the subprocess exits and returns its exit error, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.exitErr
}

// Supervisor spawns and supervises worker subprocesses, emitting
// worker:output events on the shared bus as lines arrive.
type Supervisor struct {
	bus *eventbus.Bus
}

// New constructs a Supervisor that emits lifecycle/output events on bus.
func New(bus *eventbus.Bus) *Supervisor {
	return &Supervisor{bus: bus}
}

// Spawn launches a subprocess per opts and returns a Handle immediately —
// it does not wait for the process to become "ready"; that transition is
// observed separately from output lines by the caller (WorkerManager).
func (s *Supervisor) Spawn(ctx context.Context, opts SpawnOptions) (*Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command vector", orcherr.ErrSpawnFailed)
	}

	spanCtx, span := tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("worker.id", opts.WorkerID),
			attribute.String("worker.handle", opts.Handle),
			attribute.String("worker.role", opts.Role),
		))
	procCtx, cancel := context.WithCancel(spanCtx)

	//nolint:gosec // G204: command vector is operator-configured, not derived from worker output
	cmd := exec.CommandContext(procCtx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(append([]string{}, opts.Env...),
		"WORKER_ID="+opts.WorkerID, "WORKER_HANDLE="+opts.Handle, "WORKER_ROLE="+opts.Role)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "stdin pipe")
		span.End()
		return nil, fmt.Errorf("%w: stdin pipe: %v", orcherr.ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "stdout pipe")
		span.End()
		return nil, fmt.Errorf("%w: stdout pipe: %v", orcherr.ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "stderr pipe")
		span.End()
		return nil, fmt.Errorf("%w: stderr pipe: %v", orcherr.ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "process start")
		span.End()
		return nil, fmt.Errorf("%w: %v", orcherr.ErrSpawnFailed, err)
	}

	h := &Handle{
		workerID:     opts.WorkerID,
		cmd:          cmd,
		stdin:        stdin,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastOutputAt: time.Now(),
		idlePrompt:   opts.IdlePrompt,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.streamLines(&wg, h, opts.Handle, stdout, false)
	go s.streamLines(&wg, h, opts.Handle, stderr, true)

	go func() {
		wg.Wait()
		h.exitErr = cmd.Wait()
		if h.exitErr != nil {
			span.RecordError(h.exitErr)
			span.SetStatus(codes.Error, "process exited with error")
		} else {
			span.SetStatus(codes.Ok, "process exited cleanly")
		}
		span.SetAttributes(attribute.Int("worker.pid", h.PID()))
		span.End()
		close(h.done)
	}()

	log.Info(log.CatSupervisor, "worker process spawned", "worker", opts.WorkerID, "pid", h.PID())
	return h, nil
}

// streamLines decodes r as a sequence of lines and emits worker:output for
// each one. Parsing lines for tool usage or ready-markers is a caller
// concern; this loop only observes and republishes raw text.
func (s *Supervisor) streamLines(wg *sync.WaitGroup, h *Handle, handle string, r io.Reader, isStderr bool) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.mu.Lock()
		h.lastOutputAt = time.Now()
		h.lastLine = line
		h.mu.Unlock()

		if s.bus != nil {
			s.bus.Emit(eventbus.WorkerOutput, map[string]any{
				"workerID": h.workerID, "handle": handle, "line": line, "stderr": isStderr,
			})
		}
	}
}

// Signal delivers sig to the subprocess. Terminate sends a soft signal
// first, then SIGKILL after grace elapses unless the process has already
// exited.
func (s *Supervisor) Signal(h *Handle, sig Signal, grace time.Duration) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("%w: process not started", orcherr.ErrInvalidState)
	}
	switch sig {
	case SignalInterrupt:
		return h.cmd.Process.Signal(syscall.SIGINT)
	case SignalEscape:
		_, err := io.WriteString(h.stdin, "\x1b")
		return err
	case SignalTerminate:
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			return err
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(grace):
				_ = h.cmd.Process.Kill()
			}
		}()
		return nil
	default:
		return fmt.Errorf("%w: unknown signal %d", orcherr.ErrInvalidState, sig)
	}
}

// Cancel cancels the subprocess's context immediately, killing it.
func (s *Supervisor) Cancel(h *Handle) {
	h.cancel()
}
