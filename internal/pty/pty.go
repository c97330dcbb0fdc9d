// Package pty runs a child process on a pseudo-terminal and exposes its input,
// output, window size and termination as a single Process handle.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rafket/vscode-hub/internal/clock"
	"github.com/rafket/vscode-hub/internal/model"
)

const (
	// DefaultGrace is how long Terminate waits after SIGTERM before SIGKILL.
	DefaultGrace = 3 * time.Second

	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	// streamDepth is the number of chunks buffered between the read loop and
	// the stream consumer. A full stream blocks the read loop.
	streamDepth = 64

	// drainTimeout bounds how long the wait loop lets the reader drain output
	// written just before exit.
	drainTimeout = 2 * time.Second

	defaultRows = 24
	defaultCols = 80
)

// Recorder receives a copy of everything that passes through a Process.
type Recorder interface {
	WriteOutput(data []byte) error
	WriteInput(data []byte) error
	WriteResize(cols, rows int) error
	Close() error
}

// Options describes a process to spawn.
type Options struct {
	model.SpawnConfig

	// Recorder, if set, is owned by the Process and closed when the pty is released.
	Recorder Recorder

	Clock  clock.Clock
	Grace  time.Duration
	Logger *slog.Logger
}

// Size is a terminal window size.
type Size struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// Process is a running child attached to a pty.
type Process struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	pid       int
	createdAt time.Time
	recorder  Recorder
	clock     clock.Clock
	grace     time.Duration
	logger    *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	size     Size
	exited   bool
	released bool
	exitCode int

	out         chan []byte
	streamTaken atomic.Bool
	readDone    chan struct{}
	exitedCh    chan struct{}
	stop        chan struct{}

	releaseOnce   sync.Once
	terminateOnce sync.Once
	terminateErr  error

	// replaced in tests
	setsize func(f *os.File, rows, cols uint16) error
	signal  func(pid int, sig syscall.Signal) error
}

// Spawn starts opts.Command on a new pty. The child gets its own session and
// process group. Failures are reported as *model.SpawnError.
func Spawn(opts Options) (*Process, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.SpawnConfig = opts.SpawnConfig.WithDefaults(defaultRows, defaultCols)
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(os.Environ(), opts.Env)

	size := Size{Rows: opts.Rows, Cols: opts.Cols}
	ptmx, err := start(cmd, size)
	if err != nil {
		if opts.Recorder != nil {
			opts.Recorder.Close()
		}
		return nil, &model.SpawnError{
			Command: opts.Command,
			Reason:  classifySpawnError(err),
			Err:     err,
		}
	}

	p := &Process{
		cmd:       cmd,
		ptmx:      ptmx,
		pid:       cmd.Process.Pid,
		createdAt: opts.Clock.Now(),
		recorder:  opts.Recorder,
		clock:     opts.Clock,
		grace:     opts.Grace,
		logger:    opts.Logger.With("pid", cmd.Process.Pid),
		size:      size,
		out:       make(chan []byte, streamDepth),
		readDone:  make(chan struct{}),
		exitedCh:  make(chan struct{}),
		stop:      make(chan struct{}),
		setsize:   setsize,
		signal:    signalGroup,
	}
	p.logger.Debug("process started", "command", opts.Command, "rows", size.Rows, "cols", size.Cols)

	go p.readLoop()
	go p.waitLoop()

	return p, nil
}

func buildEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra)+1)
	env = append(env, base...)
	hasTerm := false
	for _, kv := range base {
		if len(kv) > 5 && kv[:5] == "TERM=" {
			hasTerm = true
			break
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	// exec.Cmd keeps the last value for duplicate keys.
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// PID returns the process ID of the child.
func (p *Process) PID() int { return p.pid }

// CreatedAt returns when the process was spawned.
func (p *Process) CreatedAt() time.Time { return p.createdAt }

// Size returns the current window size.
func (p *Process) Size() Size {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} { return p.exitedCh }

// Exited reports whether the child has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.exitedCh:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit status, or -1 if the child was killed by a signal
// or has not exited yet.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		return -1
	}
	return p.exitCode
}

// Alive reports whether the process is running and its pty is open.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited && !p.released
}

// Stream returns the output of the process as a sequence of chunks. The
// channel is closed when output ends. It can be taken once per process.
func (p *Process) Stream() (<-chan []byte, error) {
	if !p.streamTaken.CompareAndSwap(false, true) {
		return nil, model.ErrStreamConsumed
	}
	return p.out, nil
}

// Write sends data to the child's input. Writes are serialized.
func (p *Process) Write(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if !p.Alive() {
		return 0, fmt.Errorf("write: %w", model.ErrClosed)
	}
	n, err := p.ptmx.Write(data)
	if err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO) {
			return n, fmt.Errorf("write: %w", model.ErrClosed)
		}
		return n, fmt.Errorf("write to pty: %w", err)
	}
	if p.recorder != nil {
		if err := p.recorder.WriteInput(data[:n]); err != nil {
			p.logger.Debug("record input failed", "error", err)
		}
	}
	return n, nil
}

// Resize changes the window size. Unchanged dimensions are a no-op and do not
// signal the child.
func (p *Process) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return model.ErrInvalidSize
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited || p.released {
		return fmt.Errorf("resize: %w", model.ErrClosed)
	}
	if p.size.Rows == rows && p.size.Cols == cols {
		return nil
	}
	if err := p.setsize(p.ptmx, rows, cols); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	p.size = Size{Rows: rows, Cols: cols}
	if p.recorder != nil {
		if err := p.recorder.WriteResize(int(cols), int(rows)); err != nil {
			p.logger.Debug("record resize failed", "error", err)
		}
	}
	return nil
}

// Terminate stops the child: SIGTERM to its process group, then SIGKILL if it
// is still running after the grace period. The pty is always released.
// Calling Terminate more than once returns the first result.
func (p *Process) Terminate() error {
	p.terminateOnce.Do(func() {
		p.terminateErr = p.terminate()
	})
	return p.terminateErr
}

func (p *Process) terminate() error {
	defer p.release()

	if p.Exited() {
		return nil
	}

	if err := p.signal(p.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("SIGTERM failed", "error", err)
	}
	select {
	case <-p.exitedCh:
		return nil
	case <-p.clock.After(p.grace):
	}

	p.logger.Warn("process did not exit after SIGTERM, killing", "grace", p.grace)
	if err := p.signal(p.pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process %d: %w", p.pid, err)
	}
	select {
	case <-p.exitedCh:
	case <-p.clock.After(p.grace):
		return fmt.Errorf("process %d still running after SIGKILL", p.pid)
	}
	return nil
}

// release closes the pty and the recorder exactly once.
func (p *Process) release() {
	p.releaseOnce.Do(func() {
		p.mu.Lock()
		p.released = true
		p.mu.Unlock()

		close(p.stop)
		if err := p.ptmx.Close(); err != nil {
			p.logger.Debug("close pty failed", "error", err)
		}
		if p.recorder != nil {
			if err := p.recorder.Close(); err != nil {
				p.logger.Warn("close recorder failed", "error", err)
			}
		}
	})
}

// readLoop copies pty output into the stream until the child's side of the
// terminal is gone or the pty is released.
func (p *Process) readLoop() {
	defer close(p.readDone)
	defer close(p.out)

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if p.recorder != nil {
				if rerr := p.recorder.WriteOutput(chunk); rerr != nil {
					p.logger.Debug("record output failed", "error", rerr)
				}
			}
			select {
			case p.out <- chunk:
			case <-p.stop:
				return
			}
		}
		if err != nil {
			// EIO is how Linux reports a hung-up slave.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("pty read ended", "error", err)
			}
			return
		}
	}
}

// waitLoop reaps the child, lets the reader drain, then releases the pty.
func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
	close(p.exitedCh)
	p.logger.Debug("process exited", "code", code)

	select {
	case <-p.readDone:
	case <-p.clock.After(drainTimeout):
	}
	p.release()
}
