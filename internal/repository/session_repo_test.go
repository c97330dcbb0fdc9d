package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rafket/vscode-hub/internal/db"
	"github.com/rafket/vscode-hub/internal/model"
)

func setupRepo(t *testing.T) *SessionRepository {
	t.Helper()
	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewSessionRepository(database)
}

func newSession(id string) *model.Session {
	now := time.Now().UTC().Truncate(time.Second)
	pid := 4242
	return &model.Session{
		ID:        id,
		Command:   []string{"bash", "-l"},
		Dir:       "/tmp",
		Env:       map[string]string{"FOO": "bar"},
		Retention: model.RetentionPersistent,
		Status:    model.SessionStatusRunning,
		PID:       &pid,
		Rows:      24,
		Cols:      80,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSaveAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	s := newSession("main")
	if err := repo.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.GetByID(ctx, "main")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(got.Command) != 2 || got.Command[1] != "-l" {
		t.Errorf("Command = %v", got.Command)
	}
	if got.Env["FOO"] != "bar" || got.Dir != "/tmp" {
		t.Errorf("Env = %v, Dir = %q", got.Env, got.Dir)
	}
	if got.Retention != model.RetentionPersistent || got.Status != model.SessionStatusRunning {
		t.Errorf("Retention = %s, Status = %s", got.Retention, got.Status)
	}
	if got.PID == nil || *got.PID != 4242 {
		t.Errorf("PID = %v", got.PID)
	}
	if got.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil", *got.ExitCode)
	}
}

func TestSaveReplacesRecord(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	first := newSession("main")
	repo.Save(ctx, first)
	code := 0
	repo.UpdateStatus(ctx, "main", model.SessionStatusExited, &code)

	second := newSession("main")
	second.Command = []string{"zsh"}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("Save again: %v", err)
	}

	got, _ := repo.GetByID(ctx, "main")
	if got.Status != model.SessionStatusRunning || got.ExitCode != nil {
		t.Errorf("respawned record = %s exit %v", got.Status, got.ExitCode)
	}
	if got.Command[0] != "zsh" {
		t.Errorf("Command = %v", got.Command)
	}
	all, _ := repo.List(ctx)
	if len(all) != 1 {
		t.Errorf("List() returned %d records, want 1", len(all))
	}
}

func TestUpdatesOnMissingSession(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "nope"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("GetByID = %v", err)
	}
	if err := repo.UpdateStatus(ctx, "nope", model.SessionStatusExited, nil); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("UpdateStatus = %v", err)
	}
	if err := repo.UpdateSize(ctx, "nope", 1, 1); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("UpdateSize = %v", err)
	}
	if err := repo.Delete(ctx, "nope"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("Delete = %v", err)
	}
}

func TestUpdateSizeAndDelete(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	repo.Save(ctx, newSession("a"))

	if err := repo.UpdateSize(ctx, "a", 50, 132); err != nil {
		t.Fatalf("UpdateSize: %v", err)
	}
	got, _ := repo.GetByID(ctx, "a")
	if got.Rows != 50 || got.Cols != 132 {
		t.Errorf("size = %dx%d", got.Rows, got.Cols)
	}

	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, "a"); !errors.Is(err, model.ErrSessionNotFound) {
		t.Errorf("GetByID after Delete = %v", err)
	}
}

func TestMarkOrphaned(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	repo.Save(ctx, newSession("running-1"))
	repo.Save(ctx, newSession("running-2"))
	done := newSession("done")
	repo.Save(ctx, done)
	code := 1
	repo.UpdateStatus(ctx, "done", model.SessionStatusExited, &code)

	n, err := repo.MarkOrphaned(ctx)
	if err != nil {
		t.Fatalf("MarkOrphaned: %v", err)
	}
	if n != 2 {
		t.Errorf("MarkOrphaned = %d, want 2", n)
	}
	if c, _ := repo.CountByStatus(ctx, model.SessionStatusRunning); c != 0 {
		t.Errorf("%d sessions still running", c)
	}
	got, _ := repo.GetByID(ctx, "done")
	if got.Status != model.SessionStatusExited {
		t.Errorf("exited session became %s", got.Status)
	}
}
