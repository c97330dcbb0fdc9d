package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/rafket/vscode-hub/internal/broadcast"
	"github.com/rafket/vscode-hub/internal/clock"
	"github.com/rafket/vscode-hub/internal/model"
	"github.com/rafket/vscode-hub/internal/pty"
	"github.com/rafket/vscode-hub/internal/recorder"
)

// errEvicted means a session left the table between lookup and subscribe.
var errEvicted = errors.New("session evicted")

// Spawner starts a process. pty.Spawn in production; tests substitute a counter.
type Spawner func(pty.Options) (*pty.Process, error)

// RegistryConfig holds the lifecycle policy for every session in a registry.
type RegistryConfig struct {
	Retention model.RetentionPolicy

	// IdleTimeout is how long an ephemeral session without subscribers is
	// kept. Zero terminates it when its last subscriber detaches.
	IdleTimeout time.Duration
	GCInterval  time.Duration
	LockTimeout time.Duration
	Grace       time.Duration
	MaxSessions int

	Broadcast broadcast.Options

	RecordDir          string
	CompressRecordings bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStore persists session metadata.
func WithStore(store Store) RegistryOption {
	return func(r *Registry) { r.store = store }
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithSpawner replaces pty.Spawn.
func WithSpawner(spawn Spawner) RegistryOption {
	return func(r *Registry) { r.spawn = spawn }
}

// Registry is the table of live sessions. Table mutations (create, evict,
// subscriber changes) hold a weighted semaphore of size one so they can give
// up after LockTimeout; concurrent creates of one id share a single spawn.
type Registry struct {
	cfg RegistryConfig

	lock    *semaphore.Weighted
	flights singleflight.Group

	mapMu    sync.RWMutex
	sessions map[string]*Session
	closed   bool

	store  Store
	clock  clock.Clock
	logger *slog.Logger
	spawn  Spawner

	wg sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) *Registry {
	if cfg.Retention == "" {
		cfg.Retention = model.RetentionPersistent
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = pty.DefaultGrace
	}
	r := &Registry{
		cfg:      cfg,
		lock:     semaphore.NewWeighted(1),
		sessions: make(map[string]*Session),
		clock:    clock.Real(),
		logger:   slog.Default(),
		spawn:    pty.Spawn,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.Broadcast.Clock == nil {
		r.cfg.Broadcast.Clock = r.clock
	}
	return r
}

func (r *Registry) acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	defer cancel()
	if err := r.lock.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.ErrRegistryContention
	}
	return nil
}

func (r *Registry) release() { r.lock.Release(1) }

// Get returns the session with id, live or not yet evicted.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) lookupLive(id string) *Session {
	if s, ok := r.Get(id); ok && s.Alive() {
		return s
	}
	return nil
}

// List returns the sessions in the table, oldest first.
func (r *Registry) List() []*Session {
	r.mapMu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mapMu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].proc.CreatedAt().Before(list[j].proc.CreatedAt())
	})
	return list
}

// Len returns the number of sessions in the table.
func (r *Registry) Len() int {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	return len(r.sessions)
}

// GetOrCreate returns the live session for id, spawning it from spawn if there
// is none. Concurrent callers for one id observe exactly one spawn.
func (r *Registry) GetOrCreate(ctx context.Context, id string, spawn model.SpawnConfig) (*Session, error) {
	if s := r.lookupLive(id); s != nil {
		return s, nil
	}
	v, err, _ := r.flights.Do(id, func() (interface{}, error) {
		return r.create(ctx, id, spawn, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// create spawns and registers a session. An exclusive session is ephemeral
// and ends when its only subscriber leaves, whatever the registry policy.
func (r *Registry) create(ctx context.Context, id string, spawn model.SpawnConfig, exclusive bool) (*Session, error) {
	if err := model.ValidateSessionID(id); err != nil {
		return nil, err
	}
	if err := spawn.Validate(); err != nil {
		return nil, err
	}
	if err := r.acquire(ctx); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	defer r.release()

	r.mapMu.RLock()
	closed := r.closed
	existing := r.sessions[id]
	r.mapMu.RUnlock()
	if closed {
		return nil, fmt.Errorf("create session %s: registry %w", id, model.ErrClosed)
	}
	if existing != nil {
		if existing.Alive() {
			return existing, nil
		}
		// Exited but its pump has not evicted it yet.
		r.evictLocked(existing)
	}
	if r.cfg.MaxSessions > 0 && r.Len() >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("create session %s: %w", id, model.ErrConcurrencyLimit)
	}

	logger := r.logger.With("session", id)
	now := r.clock.Now()

	var rec pty.Recorder
	var recordingPath string
	if r.cfg.RecordDir != "" {
		name := id + "-" + now.UTC().Format("20060102T150405")
		rc, err := recorder.Create(r.cfg.RecordDir, name, recorder.Options{
			Cols:     int(spawn.Cols),
			Rows:     int(spawn.Rows),
			Command:  spawn.Command,
			Compress: r.cfg.CompressRecordings,
			Clock:    r.clock,
		})
		if err != nil {
			logger.Warn("recording disabled for session", "error", err)
		} else {
			rec = rc
			recordingPath = rc.Path()
		}
	}

	proc, err := r.spawn(pty.Options{
		SpawnConfig: spawn,
		Recorder:    rec,
		Clock:       r.clock,
		Grace:       r.cfg.Grace,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}

	retention := r.cfg.Retention
	if exclusive {
		retention = model.RetentionEphemeral
	}
	hubOpts := r.cfg.Broadcast
	hubOpts.Logger = logger
	s := &Session{
		id:            id,
		spawn:         spawn,
		retention:     retention,
		exclusive:     exclusive,
		proc:          proc,
		hub:           broadcast.New(hubOpts),
		recordingPath: recordingPath,
		store:         r.store,
		logger:        logger,
		idleSince:     now,
		pumpDone:      make(chan struct{}),
	}
	s.hub.SetOnEmpty(func() { r.handleEmpty(s) })

	r.mapMu.Lock()
	r.sessions[id] = s
	r.mapMu.Unlock()

	if r.store != nil {
		if err := r.store.Save(ctx, s.Info()); err != nil {
			logger.Warn("failed to persist session", "error", err)
		}
	}

	r.wg.Add(1)
	go r.pump(s)

	logger.Info("session started", "pid", proc.PID(), "command", spawn.Command, "retention", s.retention)
	return s, nil
}

// Subscribe attaches connID to s under the registry lock. It fails with
// errEvicted if s left the table after it was looked up.
func (r *Registry) Subscribe(ctx context.Context, s *Session, connID string) (*broadcast.Subscription, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.id, err)
	}
	defer r.release()

	if s.evicted {
		return nil, errEvicted
	}
	sub, err := s.hub.Subscribe(connID)
	if err != nil {
		return nil, err
	}
	s.setIdle(time.Time{})
	return sub, nil
}

// Attach resolves id and subscribes connID to it, retrying once if the
// session was evicted in between.
func (r *Registry) Attach(ctx context.Context, id string, spawn model.SpawnConfig, connID string) (*Session, *broadcast.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, err := r.GetOrCreate(ctx, id, spawn)
		if err != nil {
			return nil, nil, err
		}
		sub, err := r.Subscribe(ctx, s, connID)
		if err == nil {
			return s, sub, nil
		}
		if !errors.Is(err, errEvicted) && !errors.Is(err, model.ErrClosed) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("attach %s: %w", id, lastErr)
}

// AttachExclusive spawns a private session under a fresh id and subscribes
// connID to it. The session is terminated as soon as connID detaches.
func (r *Registry) AttachExclusive(ctx context.Context, spawn model.SpawnConfig, connID string) (*Session, *broadcast.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		s, err := r.create(ctx, uuid.NewString(), spawn, true)
		if err != nil {
			return nil, nil, err
		}
		sub, err := r.Subscribe(ctx, s, connID)
		if err == nil {
			return s, sub, nil
		}
		// Nobody else can reach s; do not leave it running.
		if rerr := r.Remove(context.Background(), s.id); rerr != nil {
			s.logger.Warn("failed to remove unattached session", "error", rerr)
		}
		if !errors.Is(err, errEvicted) && !errors.Is(err, model.ErrClosed) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("attach exclusive session: %w", lastErr)
}

// handleEmpty applies the retention policy when a session's subscriber count
// drops to zero.
func (r *Registry) handleEmpty(s *Session) {
	if err := r.acquire(context.Background()); err != nil {
		s.logger.Warn("could not apply retention policy", "error", err)
		return
	}
	if s.evicted || s.hub.Count() > 0 {
		r.release()
		return
	}
	s.setIdle(r.clock.Now())
	evict := s.exclusive || (s.retention == model.RetentionEphemeral && r.cfg.IdleTimeout <= 0)
	if evict {
		r.evictLocked(s)
	}
	r.release()

	if evict {
		r.terminateAsync(s, "last subscriber detached")
	} else {
		s.logger.Debug("session idle", "retention", s.retention)
	}
}

// evictLocked removes s from the table. The caller holds the registry lock.
func (r *Registry) evictLocked(s *Session) {
	s.evicted = true
	r.mapMu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mapMu.Unlock()
}

func (r *Registry) terminateAsync(s *Session, reason string) {
	s.markTerminated()
	s.logger.Info("terminating session", "reason", reason)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := s.proc.Terminate(); err != nil {
			s.logger.Error("terminate failed", "error", err)
		}
	}()
}

// pump is the single publisher for a session: it moves process output into
// the hub, then sends the exit frame and evicts the session.
func (r *Registry) pump(s *Session) {
	defer r.wg.Done()
	defer close(s.pumpDone)

	stream, err := s.proc.Stream()
	if err != nil {
		s.logger.Error("session output unavailable", "error", err)
	} else {
		for chunk := range stream {
			s.hub.Publish(chunk)
		}
	}

	<-s.proc.Done()
	code := s.proc.ExitCode()
	s.hub.Close(code)

	if err := r.acquire(context.Background()); err != nil {
		s.logger.Warn("evicting exited session without lock", "error", err)
		r.evictLocked(s)
	} else {
		r.evictLocked(s)
		r.release()
	}

	status := s.endStatus()
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := r.store.UpdateStatus(ctx, s.id, status, &code); err != nil {
			s.logger.Warn("failed to record session exit", "error", err)
		}
		cancel()
	}
	s.logger.Info("session ended", "status", status, "exit_code", code)
}

// Remove terminates and evicts the session with id. It returns nil if there
// is no such session.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if err := r.acquire(ctx); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	s, ok := r.Get(id)
	if ok {
		r.evictLocked(s)
	}
	r.release()

	if !ok {
		return nil
	}
	s.markTerminated()
	s.logger.Info("terminating session", "reason", "removed")
	return s.proc.Terminate()
}

// GC terminates ephemeral sessions that have had no subscribers for at least
// IdleTimeout and returns how many it evicted. It does nothing when
// IdleTimeout is zero.
func (r *Registry) GC() int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	if err := r.acquire(context.Background()); err != nil {
		r.logger.Warn("gc skipped", "error", err)
		return 0
	}
	now := r.clock.Now()
	var victims []*Session
	for _, s := range r.List() {
		if s.retention != model.RetentionEphemeral || s.hub.Count() > 0 {
			continue
		}
		idle := s.IdleSince()
		if idle.IsZero() || now.Sub(idle) < r.cfg.IdleTimeout {
			continue
		}
		r.evictLocked(s)
		victims = append(victims, s)
	}
	r.release()

	for _, s := range victims {
		r.terminateAsync(s, "idle")
	}
	return len(victims)
}

// Run calls GC every GCInterval until ctx is done. It returns immediately
// when idle collection is disabled.
func (r *Registry) Run(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 || r.cfg.GCInterval <= 0 {
		return
	}
	ticker := r.clock.NewTicker(r.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.GC(); n > 0 {
				r.logger.Info("collected idle sessions", "count", n)
			}
		}
	}
}

// Close terminates every session, refuses new ones, and waits for session
// goroutines to finish or ctx to end.
func (r *Registry) Close(ctx context.Context) error {
	if err := r.acquire(ctx); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	r.mapMu.Lock()
	r.closed = true
	r.mapMu.Unlock()
	sessions := r.List()
	for _, s := range sessions {
		r.evictLocked(s)
	}
	r.release()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		s.markTerminated()
		g.Go(func() error {
			if err := s.proc.Terminate(); err != nil {
				return fmt.Errorf("terminate %s: %w", s.id, err)
			}
			return nil
		})
	}
	termErr := g.Wait()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return termErr
}
