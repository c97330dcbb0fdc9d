package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rafket/vscode-hub/internal/model"
)

// SessionRepository provides data access for session metadata.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, command, dir, env, retention, status, exit_code, pid, rows, cols, recording_path, created_at, updated_at`

// Save inserts a session, replacing an earlier record with the same id. A
// shared id such as "main" is reused each time its process is respawned.
func (r *SessionRepository) Save(ctx context.Context, session *model.Session) error {
	envJSON, err := session.EnvToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}
	cmdJSON, err := session.CommandToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize command: %w", err)
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			command = excluded.command,
			dir = excluded.dir,
			env = excluded.env,
			retention = excluded.retention,
			status = excluded.status,
			exit_code = excluded.exit_code,
			pid = excluded.pid,
			rows = excluded.rows,
			cols = excluded.cols,
			recording_path = excluded.recording_path,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		session.ID,
		cmdJSON,
		session.Dir,
		envJSON,
		session.Retention,
		session.Status,
		session.ExitCode,
		session.PID,
		session.Rows,
		session.Cols,
		session.RecordingPath,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	session := &model.Session{}
	var cmdJSON string
	var dir, envJSON, recordingPath sql.NullString
	var exitCode, pid sql.NullInt64

	err := row.Scan(
		&session.ID,
		&cmdJSON,
		&dir,
		&envJSON,
		&session.Retention,
		&session.Status,
		&exitCode,
		&pid,
		&session.Rows,
		&session.Cols,
		&recordingPath,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := session.CommandFromJSON(cmdJSON); err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if envJSON.Valid {
		if err := session.EnvFromJSON(envJSON.String); err != nil {
			return nil, fmt.Errorf("failed to parse env: %w", err)
		}
	}
	session.Dir = dir.String
	session.RecordingPath = recordingPath.String
	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}
	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}
	return session, nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// List retrieves all sessions, newest first.
func (r *SessionRepository) List(ctx context.Context) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// Delete removes a session from the database.
func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(result)
}

// UpdateStatus records a session's status and exit code.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int) error {
	query := `
		UPDATE sessions
		SET status = ?, exit_code = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query, status, exitCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return requireRow(result)
}

// UpdateSize records the current terminal size of a session.
func (r *SessionRepository) UpdateSize(ctx context.Context, id string, rows, cols uint16) error {
	query := `
		UPDATE sessions
		SET rows = ?, cols = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query, rows, cols, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session size: %w", err)
	}
	return requireRow(result)
}

// MarkOrphaned flags every record still marked running. Called at startup,
// when no process from an earlier server can still be attached.
func (r *SessionRepository) MarkOrphaned(ctx context.Context) (int64, error) {
	query := `
		UPDATE sessions
		SET status = ?, updated_at = ?
		WHERE status = ?
	`
	result, err := r.db.ExecContext(ctx, query, model.SessionStatusOrphaned, time.Now(), model.SessionStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned sessions: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus returns the number of sessions with the given status.
func (r *SessionRepository) CountByStatus(ctx context.Context, status model.SessionStatus) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return count, nil
}

func requireRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}
