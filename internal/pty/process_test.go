package pty

import (
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rafket/vscode-hub/internal/clock"
	"github.com/rafket/vscode-hub/internal/model"
)

func spawn(t *testing.T, opts Options) *Process {
	t.Helper()
	p, err := Spawn(opts)
	if err != nil {
		t.Fatalf("Spawn(%v): %v", opts.Command, err)
	}
	t.Cleanup(func() { p.Terminate() })
	return p
}

func command(argv ...string) Options {
	return Options{SpawnConfig: model.SpawnConfig{Command: argv}}
}

// readUntil collects stream output until it contains want or the stream ends.
func readUntil(t *testing.T, stream <-chan []byte, want string) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return sb.String()
			}
			sb.Write(chunk)
			if want != "" && strings.Contains(sb.String(), want) {
				return sb.String()
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, have %q", want, sb.String())
		}
	}
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process %d did not exit", p.PID())
	}
}

func TestSpawnEcho(t *testing.T) {
	p := spawn(t, command("echo", "hi"))

	stream, err := p.Stream()
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	out := readUntil(t, stream, "")
	if !strings.Contains(out, "hi") {
		t.Errorf("output = %q, want it to contain hi", out)
	}

	waitDone(t, p)
	if !p.Exited() || p.Alive() {
		t.Error("process should report exited")
	}
	if p.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0", p.ExitCode())
	}
}

func TestSpawnErrors(t *testing.T) {
	tests := []struct {
		name   string
		argv   []string
		reason model.SpawnReason
	}{
		{"not on path", []string{"termhub-no-such-command"}, model.SpawnNotFound},
		{"missing path", []string{"/nonexistent/bin/tool"}, model.SpawnNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Spawn(command(tt.argv...))
			var spawnErr *model.SpawnError
			if !errors.As(err, &spawnErr) {
				t.Fatalf("Spawn error = %v, want *model.SpawnError", err)
			}
			if spawnErr.Reason != tt.reason {
				t.Errorf("Reason = %s, want %s", spawnErr.Reason, tt.reason)
			}
		})
	}
}

func TestSpawnPermissionDenied(t *testing.T) {
	path := t.TempDir() + "/script"
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Spawn(command(path))
	var spawnErr *model.SpawnError
	if !errors.As(err, &spawnErr) || spawnErr.Reason != model.SpawnPermissionDenied {
		t.Fatalf("Spawn error = %v, want permission-denied", err)
	}
}

func TestSpawnRequiresCommand(t *testing.T) {
	if _, err := Spawn(Options{}); !errors.Is(err, model.ErrCommandRequired) {
		t.Errorf("Spawn(empty) = %v, want ErrCommandRequired", err)
	}
}

func TestStreamOnlyOnce(t *testing.T) {
	p := spawn(t, command("true"))
	if _, err := p.Stream(); err != nil {
		t.Fatalf("first Stream: %v", err)
	}
	if _, err := p.Stream(); !errors.Is(err, model.ErrStreamConsumed) {
		t.Errorf("second Stream = %v, want ErrStreamConsumed", err)
	}
}

func TestWriteReachesProcess(t *testing.T) {
	p := spawn(t, command("cat"))
	stream, _ := p.Stream()

	if _, err := p.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// The terminal echoes the line and cat repeats it.
	out := readUntil(t, stream, "ping\r\nping")
	if strings.Count(out, "ping") < 2 {
		t.Errorf("output = %q", out)
	}
}

func TestWriteAfterExit(t *testing.T) {
	p := spawn(t, command("true"))
	waitDone(t, p)

	_, err := p.Write([]byte("late"))
	if !errors.Is(err, model.ErrClosed) {
		t.Errorf("Write after exit = %v, want ErrClosed", err)
	}
	if err := p.Resize(40, 120); !errors.Is(err, model.ErrClosed) {
		t.Errorf("Resize after exit = %v, want ErrClosed", err)
	}
}

func TestResizeUnchangedIsNoop(t *testing.T) {
	p := spawn(t, Options{SpawnConfig: model.SpawnConfig{Command: []string{"cat"}, Rows: 24, Cols: 80}})

	var mu sync.Mutex
	calls := 0
	p.setsize = func(f *os.File, rows, cols uint16) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return setsize(f, rows, cols)
	}
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	if err := p.Resize(24, 80); err != nil {
		t.Fatalf("Resize(24,80): %v", err)
	}
	if count() != 0 {
		t.Errorf("unchanged resize sent %d signals, want 0", count())
	}

	if err := p.Resize(30, 100); err != nil {
		t.Fatalf("Resize(30,100): %v", err)
	}
	if err := p.Resize(30, 100); err != nil {
		t.Fatalf("Resize(30,100) again: %v", err)
	}
	if count() != 1 {
		t.Errorf("setsize calls = %d, want 1", count())
	}
	if got := p.Size(); got != (Size{Rows: 30, Cols: 100}) {
		t.Errorf("Size() = %+v", got)
	}

	if err := p.Resize(0, 10); !errors.Is(err, model.ErrInvalidSize) {
		t.Errorf("Resize(0,10) = %v, want ErrInvalidSize", err)
	}
}

func TestTerminateGraceful(t *testing.T) {
	p := spawn(t, command("sleep", "30"))

	start := time.Now()
	if err := p.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > DefaultGrace {
		t.Errorf("Terminate took %v, SIGTERM should have been enough", elapsed)
	}
	waitDone(t, p)
	if p.Alive() {
		t.Error("process should not be alive")
	}
	if err := p.Terminate(); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
	if _, err := p.Write([]byte("x")); !errors.Is(err, model.ErrClosed) {
		t.Errorf("Write after Terminate = %v, want ErrClosed", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	fake := clock.Fake(time.Now())
	p := spawn(t, Options{
		SpawnConfig: model.SpawnConfig{Command: []string{"sh", "-c", `trap "" TERM; echo ready; sleep 30`}},
		Clock:       fake,
	})
	stream, _ := p.Stream()
	readUntil(t, stream, "ready")

	var mu sync.Mutex
	var sent []syscall.Signal
	p.signal = func(pid int, sig syscall.Signal) error {
		mu.Lock()
		sent = append(sent, sig)
		mu.Unlock()
		return signalGroup(pid, sig)
	}

	done := make(chan error, 1)
	go func() { done <- p.Terminate() }()

	// Terminate arms the grace timer after SIGTERM.
	fake.WaitForTimers(1)
	select {
	case <-p.Done():
		t.Fatal("process exited on SIGTERM despite ignoring it")
	case <-time.After(200 * time.Millisecond):
	}

	fake.Advance(DefaultGrace)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate did not return after grace period")
	}
	waitDone(t, p)
	mu.Lock()
	if len(sent) != 2 || sent[0] != syscall.SIGTERM || sent[1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGTERM SIGKILL]", sent)
	}
	mu.Unlock()
	if p.ExitCode() != -1 {
		t.Errorf("ExitCode() = %d, want -1 for a killed process", p.ExitCode())
	}
}

// closeRecorder reports when the process releases its recorder.
type closeRecorder struct {
	once   sync.Once
	closed chan struct{}
}

func (r *closeRecorder) WriteOutput([]byte) error   { return nil }
func (r *closeRecorder) WriteInput([]byte) error    { return nil }
func (r *closeRecorder) WriteResize(int, int) error { return nil }
func (r *closeRecorder) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}

func TestDrainWindowFollowsClock(t *testing.T) {
	fake := clock.Fake(time.Now())
	rec := &closeRecorder{closed: make(chan struct{})}
	// The background sleep keeps the terminal open after sh exits, so only
	// the drain window releases the pty.
	p := spawn(t, Options{
		SpawnConfig: model.SpawnConfig{Command: []string{"sh", "-c", "sleep 3 & echo bye"}},
		Recorder:    rec,
		Clock:       fake,
	})
	stream, _ := p.Stream()
	readUntil(t, stream, "bye")
	waitDone(t, p)

	fake.WaitForTimers(1)
	select {
	case <-rec.closed:
		t.Fatal("pty released before the drain window elapsed")
	case <-time.After(200 * time.Millisecond):
	}

	fake.Advance(drainTimeout)
	select {
	case <-rec.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("pty not released after the drain window")
	}
}
