package db

import (
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "termhub.db")
	database, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	var name string
	err = database.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='sessions'`).Scan(&name)
	if err != nil {
		t.Fatalf("sessions table missing: %v", err)
	}

	// Reopening runs the migrations again without error.
	again, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	again.Close()
}

func TestNewTestDBIsolated(t *testing.T) {
	a, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB: %v", err)
	}
	defer a.Close()
	b, err := NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB: %v", err)
	}
	defer b.Close()

	if _, err := a.Exec(`INSERT INTO sessions (id, command, retention) VALUES ('x', '["sh"]', 'ephemeral')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var n int
	b.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n)
	if n != 0 {
		t.Errorf("second test database sees %d rows", n)
	}
}
