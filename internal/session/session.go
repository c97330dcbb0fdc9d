package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rafket/vscode-hub/internal/broadcast"
	"github.com/rafket/vscode-hub/internal/model"
	"github.com/rafket/vscode-hub/internal/pty"
)

// Store persists session metadata. *repository.SessionRepository implements it.
type Store interface {
	Save(ctx context.Context, session *model.Session) error
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error
	UpdateSize(ctx context.Context, id string, rows, cols uint16) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context) ([]*model.Session, error)
	Delete(ctx context.Context, id string) error
}

const storeTimeout = 5 * time.Second

// Session is one live terminal: a process, its broadcaster and the
// bookkeeping the registry needs for retention decisions.
type Session struct {
	id            string
	spawn         model.SpawnConfig
	retention     model.RetentionPolicy
	exclusive     bool
	proc          *pty.Process
	hub           *broadcast.Hub
	recordingPath string
	store         Store
	logger        *slog.Logger

	// guarded by the registry lock
	evicted bool

	mu         sync.Mutex
	idleSince  time.Time // zero while subscribed
	terminated bool      // ended by Remove, GC or retention rather than on its own

	pumpDone chan struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Process returns the session's child process.
func (s *Session) Process() *pty.Process { return s.proc }

// Hub returns the session's output broadcaster.
func (s *Session) Hub() *broadcast.Hub { return s.hub }

// Retention returns the session's retention policy.
func (s *Session) Retention() model.RetentionPolicy { return s.retention }

// RecordingPath returns the recording file, or "" when recording is off.
func (s *Session) RecordingPath() string { return s.recordingPath }

// Alive reports whether the process is still running.
func (s *Session) Alive() bool { return s.proc.Alive() }

// Done is closed after the exit frame has been published.
func (s *Session) Done() <-chan struct{} { return s.pumpDone }

// Write forwards input to the process.
func (s *Session) Write(p []byte) (int, error) { return s.proc.Write(p) }

// Resize changes the terminal size and records it.
func (s *Session) Resize(rows, cols uint16) error {
	before := s.proc.Size()
	if err := s.proc.Resize(rows, cols); err != nil {
		return err
	}
	if s.store != nil && (before.Rows != rows || before.Cols != cols) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.store.UpdateSize(ctx, s.id, rows, cols); err != nil {
			s.logger.Warn("failed to record terminal size", "error", err)
		}
	}
	return nil
}

// IdleSince returns when the session lost its last subscriber, or the zero
// time while it has subscribers.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleSince
}

func (s *Session) setIdle(t time.Time) {
	s.mu.Lock()
	s.idleSince = t
	s.mu.Unlock()
}

func (s *Session) markTerminated() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

func (s *Session) wasTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Info returns a metadata snapshot.
func (s *Session) Info() *model.Session {
	size := s.proc.Size()
	pid := s.proc.PID()
	info := &model.Session{
		ID:            s.id,
		Command:       s.spawn.Command,
		Dir:           s.spawn.Dir,
		Env:           s.spawn.Env,
		Retention:     s.retention,
		Status:        model.SessionStatusRunning,
		PID:           &pid,
		Rows:          size.Rows,
		Cols:          size.Cols,
		Subscribers:   s.hub.Count(),
		RecordingPath: s.recordingPath,
		CreatedAt:     s.proc.CreatedAt(),
		UpdatedAt:     s.proc.CreatedAt(),
	}
	if s.proc.Exited() {
		code := s.proc.ExitCode()
		info.ExitCode = &code
		info.Status = s.endStatus()
	}
	return info
}

func (s *Session) endStatus() model.SessionStatus {
	if s.wasTerminated() {
		return model.SessionStatusTerminated
	}
	return model.SessionStatusExited
}
