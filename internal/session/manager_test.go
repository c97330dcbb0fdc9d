package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rafket/vscode-hub/internal/broadcast"
	"github.com/rafket/vscode-hub/internal/model"
)

func setupTestManager(t *testing.T, sharing model.SharingPolicy, retention model.RetentionPolicy) (*Manager, *Registry) {
	t.Helper()
	store := newTestStore(t)
	registry := newTestRegistry(t, RegistryConfig{Retention: retention}, WithStore(store))
	manager := NewManager(registry, store, Config{
		Sharing:   sharing,
		DefaultID: "main",
		Spawn:     spawnConfig("cat"),
	}, nil)
	return manager, registry
}

func attach(t *testing.T, m *Manager, req AttachRequest) *Attachment {
	t.Helper()
	a, err := m.Attach(context.Background(), req)
	if err != nil {
		t.Fatalf("Attach(%+v): %v", req, err)
	}
	t.Cleanup(a.Detach)
	return a
}

func TestManager_SharedAttachmentsSeeSameOutput(t *testing.T) {
	m, registry := setupTestManager(t, model.SharingShared, model.RetentionPersistent)

	a := attach(t, m, AttachRequest{ConnID: "a"})
	b := attach(t, m, AttachRequest{ConnID: "b"})

	if a.Session() != b.Session() {
		t.Fatal("shared attachments got different sessions")
	}
	if a.Session().ID() != "main" {
		t.Errorf("session id = %q, want default %q", a.Session().ID(), "main")
	}
	if registry.Len() != 1 {
		t.Errorf("Len() = %d, want 1", registry.Len())
	}

	if err := a.Input([]byte("hello\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	for _, att := range []*Attachment{a, b} {
		if out, _ := collect(t, att.Frames(), "hello"); !strings.Contains(out, "hello") {
			t.Errorf("%s saw %q", att.ConnID(), out)
		}
	}
}

func TestManager_SharedHonorsRequestedID(t *testing.T) {
	m, _ := setupTestManager(t, model.SharingShared, model.RetentionPersistent)

	a := attach(t, m, AttachRequest{SessionID: "work"})
	b := attach(t, m, AttachRequest{})

	if a.Session().ID() != "work" {
		t.Errorf("session id = %q, want %q", a.Session().ID(), "work")
	}
	if b.Session() == a.Session() {
		t.Error("default attachment joined the named session")
	}
}

func TestManager_ExclusiveGetsDistinctSessions(t *testing.T) {
	m, registry := setupTestManager(t, model.SharingExclusive, model.RetentionEphemeral)

	a := attach(t, m, AttachRequest{SessionID: "ignored"})
	b := attach(t, m, AttachRequest{SessionID: "ignored"})

	if a.Session() == b.Session() {
		t.Fatal("exclusive attachments share a session")
	}
	if registry.Len() != 2 {
		t.Errorf("Len() = %d, want 2", registry.Len())
	}

	s := a.Session()
	a.Detach()
	waitSessionDone(t, s)
	if registry.Len() != 1 {
		t.Errorf("Len() = %d after ephemeral detach, want 1", registry.Len())
	}
}

func TestManager_ExclusiveTerminatesOnDetachUnderPersistentRetention(t *testing.T) {
	store := newTestStore(t)
	registry := newTestRegistry(t, RegistryConfig{
		Retention:   model.RetentionPersistent,
		IdleTimeout: time.Hour,
	}, WithStore(store))
	m := NewManager(registry, store, Config{
		Sharing: model.SharingExclusive,
		Spawn:   spawnConfig("cat"),
	}, nil)

	for i := 0; i < 3; i++ {
		a := attach(t, m, AttachRequest{})
		s := a.Session()
		if s.Retention() != model.RetentionEphemeral {
			t.Errorf("exclusive session retention = %s, want ephemeral", s.Retention())
		}
		a.Detach()
		waitSessionDone(t, s)
		if s.Alive() {
			t.Errorf("session %s still running after its connection detached", s.ID())
		}
		info, err := store.GetByID(context.Background(), s.ID())
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if info.Status != model.SessionStatusTerminated {
			t.Errorf("stored status = %s, want %s", info.Status, model.SessionStatusTerminated)
		}
	}
	if registry.Len() != 0 {
		t.Errorf("Len() = %d after every exclusive connection left, want 0", registry.Len())
	}
}

func TestManager_AttachAppliesSize(t *testing.T) {
	m, _ := setupTestManager(t, model.SharingShared, model.RetentionPersistent)

	a := attach(t, m, AttachRequest{Rows: 40, Cols: 120})
	size := a.Session().Process().Size()
	if size.Rows != 40 || size.Cols != 120 {
		t.Errorf("size = %dx%d, want 40x120", size.Rows, size.Cols)
	}

	if err := a.Resize(50, 132); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	info := a.Session().Info()
	if info.Rows != 50 || info.Cols != 132 {
		t.Errorf("info size = %dx%d, want 50x132", info.Rows, info.Cols)
	}
	if err := a.Resize(0, 10); !errors.Is(err, model.ErrInvalidSize) {
		t.Errorf("Resize(0, 10) = %v, want ErrInvalidSize", err)
	}
	if a.State() != StateAttached {
		t.Errorf("state = %s after invalid resize", a.State())
	}
}

func TestManager_DetachIsIdempotent(t *testing.T) {
	m, _ := setupTestManager(t, model.SharingShared, model.RetentionPersistent)

	a := attach(t, m, AttachRequest{ConnID: "once"})
	if a.State() != StateAttached {
		t.Fatalf("state = %s, want attached", a.State())
	}
	a.Detach()
	a.Detach()

	if a.State() != StateDetached {
		t.Errorf("state = %s, want detached", a.State())
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Detach")
	}
	if err := a.Input([]byte("x")); !errors.Is(err, model.ErrClosed) {
		t.Errorf("Input after Detach = %v, want ErrClosed", err)
	}
	if a.Session().Hub().Count() != 0 {
		t.Errorf("subscribers = %d after Detach", a.Session().Hub().Count())
	}
}

func TestManager_InputAfterExitDetaches(t *testing.T) {
	store := newTestStore(t)
	registry := newTestRegistry(t, RegistryConfig{}, WithStore(store))
	m := NewManager(registry, store, Config{Spawn: spawnConfig("sh", "-c", "read x; exit 0")}, nil)

	a := attach(t, m, AttachRequest{})
	if err := a.Input([]byte("go\n")); err != nil {
		t.Fatalf("Input: %v", err)
	}
	_, exit := collect(t, a.Frames(), "")
	if exit == nil || exit.Kind != broadcast.FrameExit {
		t.Fatal("no exit frame")
	}
	<-a.Session().Process().Done()

	if err := a.Input([]byte("more")); !errors.Is(err, model.ErrClosed) {
		t.Errorf("Input after exit = %v, want ErrClosed", err)
	}
	if a.State() != StateDetached {
		t.Errorf("state = %s, want detached", a.State())
	}
}

func TestManager_CreateListDelete(t *testing.T) {
	m, _ := setupTestManager(t, model.SharingShared, model.RetentionPersistent)
	ctx := context.Background()

	created, err := m.Create(ctx, &model.CreateSessionRequest{ID: "api"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != model.SessionStatusRunning {
		t.Errorf("status = %s, want running", created.Status)
	}
	if strings.Join(created.Command, " ") != "cat" {
		t.Errorf("command = %v, want default", created.Command)
	}

	finished, err := m.Create(ctx, &model.CreateSessionRequest{ID: "done", Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Create(true): %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := m.Get(ctx, finished.ID)
		if err == nil && info.Status == model.SessionStatusExited {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s never recorded as exited: %+v, %v", finished.ID, info, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	list, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byID := map[string]*model.Session{}
	for _, s := range list {
		byID[s.ID] = s
	}
	if byID["api"] == nil || byID["api"].Status != model.SessionStatusRunning {
		t.Errorf("live session missing from list: %+v", byID["api"])
	}
	if byID["done"] == nil || byID["done"].Status != model.SessionStatusExited {
		t.Errorf("finished session missing from list: %+v", byID["done"])
	}

	if err := m.Delete(ctx, "api"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "api"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Get after Delete = %v, want ErrSessionNotFound", err)
	}
	if err := m.Delete(ctx, "never"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Delete(unknown) = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_ResizeUnknown(t *testing.T) {
	m, _ := setupTestManager(t, model.SharingShared, model.RetentionPersistent)
	if err := m.Resize("ghost", 10, 10); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Resize = %v, want ErrSessionNotFound", err)
	}
}

func TestManager_EagerStart(t *testing.T) {
	store := newTestStore(t)
	registry := newTestRegistry(t, RegistryConfig{}, WithStore(store))
	m := NewManager(registry, store, Config{DefaultID: "boot", Spawn: spawnConfig("cat"), Eager: true}, nil)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, ok := registry.Get("boot"); !ok {
		t.Error("default session not started eagerly")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateConnecting: "connecting",
		StateAttached:   "attached",
		StateDetached:   "detached",
		State(9):        "State(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int32(state), got, want)
		}
	}
}
