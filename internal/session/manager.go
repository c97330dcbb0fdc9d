package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rafket/vscode-hub/internal/broadcast"
	"github.com/rafket/vscode-hub/internal/model"
	"github.com/rafket/vscode-hub/internal/pty"
)

// Config holds the sharing policy and the default process for new sessions.
type Config struct {
	Sharing   model.SharingPolicy
	DefaultID string
	Spawn     model.SpawnConfig
	// Eager starts the default session in Start instead of on first attach.
	Eager bool
}

// Manager binds connections to sessions according to the sharing policy.
type Manager struct {
	registry *Registry
	store    Store
	cfg      Config
	logger   *slog.Logger
}

// NewManager creates a Manager over registry. store may be nil.
func NewManager(registry *Registry, store Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Sharing == "" {
		cfg.Sharing = model.SharingShared
	}
	if cfg.DefaultID == "" {
		cfg.DefaultID = "main"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, store: store, cfg: cfg, logger: logger}
}

// Registry returns the underlying session table.
func (m *Manager) Registry() *Registry { return m.registry }

// Sharing returns the configured sharing policy.
func (m *Manager) Sharing() model.SharingPolicy { return m.cfg.Sharing }

// Start creates the default session when eager start is configured.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Eager || m.cfg.Sharing != model.SharingShared {
		return nil
	}
	_, err := m.registry.GetOrCreate(ctx, m.cfg.DefaultID, m.cfg.Spawn)
	return err
}

// AttachRequest describes a connection asking for a session.
type AttachRequest struct {
	ConnID string
	// SessionID is honored under shared sharing; empty means the default.
	SessionID string
	Rows      uint16
	Cols      uint16
}

func (m *Manager) resolveID(req AttachRequest) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	return m.cfg.DefaultID
}

// Attach resolves a session for the connection, creating it if needed, and
// subscribes the connection to its output.
func (m *Manager) Attach(ctx context.Context, req AttachRequest) (*Attachment, error) {
	if req.ConnID == "" {
		req.ConnID = uuid.NewString()
	}
	a := &Attachment{connID: req.ConnID, logger: m.logger.With("conn", req.ConnID)}
	a.state.Store(int32(StateConnecting))

	spawn := m.cfg.Spawn
	if req.Rows > 0 && req.Cols > 0 {
		spawn.Rows, spawn.Cols = req.Rows, req.Cols
	}

	var (
		s   *Session
		sub *broadcast.Subscription
		err error
	)
	if m.cfg.Sharing == model.SharingExclusive {
		s, sub, err = m.registry.AttachExclusive(ctx, spawn, req.ConnID)
	} else {
		s, sub, err = m.registry.Attach(ctx, m.resolveID(req), spawn, req.ConnID)
	}
	if err != nil {
		a.state.Store(int32(StateDetached))
		return nil, err
	}
	a.session = s
	a.sub = sub
	a.logger = a.logger.With("session", s.ID())
	a.state.Store(int32(StateAttached))

	if req.Rows > 0 && req.Cols > 0 {
		if err := s.Resize(req.Rows, req.Cols); err != nil && !errors.Is(err, model.ErrClosed) {
			a.logger.Warn("initial resize failed", "error", err)
		}
	}
	a.logger.Info("attached", "subscribers", s.Hub().Count())
	return a, nil
}

// Create starts a session from an API request. The command defaults to the
// configured one.
func (m *Manager) Create(ctx context.Context, req *model.CreateSessionRequest) (*model.Session, error) {
	spawn := req.SpawnConfig()
	if len(spawn.Command) == 0 {
		spawn.Command = m.cfg.Spawn.Command
	}
	if spawn.Dir == "" {
		spawn.Dir = m.cfg.Spawn.Dir
	}
	spawn = spawn.WithDefaults(m.cfg.Spawn.Rows, m.cfg.Spawn.Cols)
	if err := spawn.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	s, err := m.registry.GetOrCreate(ctx, id, spawn)
	if err != nil {
		return nil, err
	}
	return s.Info(), nil
}

// Get returns a live session's metadata, falling back to the store.
func (m *Manager) Get(ctx context.Context, id string) (*model.Session, error) {
	if s, ok := m.registry.Get(id); ok {
		return s.Info(), nil
	}
	if m.store == nil {
		return nil, model.ErrSessionNotFound
	}
	return m.store.GetByID(ctx, id)
}

// List returns live sessions and, with a store, finished ones too.
func (m *Manager) List(ctx context.Context) ([]*model.Session, error) {
	live := m.registry.List()
	seen := make(map[string]bool, len(live))
	result := make([]*model.Session, 0, len(live))
	for _, s := range live {
		seen[s.ID()] = true
		result = append(result, s.Info())
	}
	if m.store == nil {
		return result, nil
	}

	stored, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range stored {
		if !seen[s.ID] {
			result = append(result, s)
		}
	}
	return result, nil
}

// Delete terminates a live session and forgets its record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	_, live := m.registry.Get(id)
	if err := m.registry.Remove(ctx, id); err != nil {
		return err
	}
	if m.store == nil {
		if !live {
			return model.ErrSessionNotFound
		}
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil && !(live && errors.Is(err, model.ErrSessionNotFound)) {
		return err
	}
	return nil
}

// Resize changes a live session's terminal size.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return model.ErrSessionNotFound
	}
	return s.Resize(rows, cols)
}

// Stats samples the process of a live session.
func (m *Manager) Stats(id string) (pty.Stats, error) {
	s, ok := m.registry.Get(id)
	if !ok {
		return pty.Stats{}, model.ErrSessionNotFound
	}
	return s.Process().Stats()
}

// RecordingPath returns where a session's recording is stored.
func (m *Manager) RecordingPath(ctx context.Context, id string) (string, error) {
	info, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if info.RecordingPath == "" {
		return "", fmt.Errorf("session %s has no recording: %w", id, model.ErrSessionNotFound)
	}
	return info.RecordingPath, nil
}

// Close terminates all sessions.
func (m *Manager) Close(ctx context.Context) error {
	return m.registry.Close(ctx)
}

// State is the lifecycle position of one connection.
type State int32

const (
	StateConnecting State = iota
	StateAttached
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Attachment is a connection's subscription to a session. Detached is terminal.
type Attachment struct {
	connID  string
	session *Session
	sub     *broadcast.Subscription
	logger  *slog.Logger

	state      atomic.Int32
	detachOnce sync.Once
	mu         sync.Mutex
	err        error
}

// ConnID returns the connection id.
func (a *Attachment) ConnID() string { return a.connID }

// Session returns the attached session.
func (a *Attachment) Session() *Session { return a.session }

// State returns the current state.
func (a *Attachment) State() State { return State(a.state.Load()) }

// Frames delivers session output in order, ending with an exit frame when the
// process ends.
func (a *Attachment) Frames() <-chan broadcast.Frame { return a.sub.C() }

// Done is closed when the attachment is detached or dropped by the hub.
func (a *Attachment) Done() <-chan struct{} { return a.sub.Done() }

// Err reports why the attachment ended, or nil.
func (a *Attachment) Err() error {
	a.mu.Lock()
	err := a.err
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.sub.Err()
}

// Input forwards keystrokes to the session. A closed session detaches the
// attachment.
func (a *Attachment) Input(p []byte) error {
	if a.State() != StateAttached {
		return fmt.Errorf("input: %w", model.ErrClosed)
	}
	if _, err := a.session.Write(p); err != nil {
		if errors.Is(err, model.ErrClosed) {
			a.detach(err)
		}
		return err
	}
	return nil
}

// Resize changes the session's terminal size.
func (a *Attachment) Resize(rows, cols uint16) error {
	if a.State() != StateAttached {
		return fmt.Errorf("resize: %w", model.ErrClosed)
	}
	err := a.session.Resize(rows, cols)
	if errors.Is(err, model.ErrClosed) {
		a.detach(err)
	}
	return err
}

// Detach unsubscribes from the session. It never blocks on the session and is
// idempotent.
func (a *Attachment) Detach() { a.detach(nil) }

func (a *Attachment) detach(reason error) {
	a.detachOnce.Do(func() {
		a.mu.Lock()
		a.err = reason
		a.mu.Unlock()
		a.state.Store(int32(StateDetached))
		a.sub.Close()
		a.logger.Info("detached", "reason", reason)
	})
}
