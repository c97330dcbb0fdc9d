package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// SessionStatus represents the status of a terminal session.
type SessionStatus string

const (
	SessionStatusRunning    SessionStatus = "running"
	SessionStatusExited     SessionStatus = "exited"
	SessionStatusTerminated SessionStatus = "terminated"
	SessionStatusFailed     SessionStatus = "failed"
	// SessionStatusOrphaned marks a record left running by a previous server process.
	SessionStatusOrphaned SessionStatus = "orphaned"
)

// SpawnConfig describes the process a session runs.
type SpawnConfig struct {
	Command []string          `json:"command" yaml:"command"`
	Dir     string            `json:"dir,omitempty" yaml:"dir"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	Rows    uint16            `json:"rows,omitempty" yaml:"rows"`
	Cols    uint16            `json:"cols,omitempty" yaml:"cols"`
}

// Validate checks that the configuration names a command.
func (c SpawnConfig) Validate() error {
	if len(c.Command) == 0 || c.Command[0] == "" {
		return ErrCommandRequired
	}
	return nil
}

// WithDefaults fills the size from rows and cols when unset.
func (c SpawnConfig) WithDefaults(rows, cols uint16) SpawnConfig {
	if c.Rows == 0 {
		c.Rows = rows
	}
	if c.Cols == 0 {
		c.Cols = cols
	}
	return c
}

// Session is the persisted metadata of a terminal session.
type Session struct {
	ID            string            `json:"id"`
	Command       []string          `json:"command"`
	Dir           string            `json:"dir,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Retention     RetentionPolicy   `json:"retention"`
	Status        SessionStatus     `json:"status"`
	ExitCode      *int              `json:"exitCode,omitempty"`
	PID           *int              `json:"pid,omitempty"`
	Rows          uint16            `json:"rows"`
	Cols          uint16            `json:"cols"`
	Subscribers   int               `json:"subscribers"`
	RecordingPath string            `json:"recordingPath,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// EnvToJSON converts the Env map to a JSON string for storage.
func (s *Session) EnvToJSON() (string, error) {
	if s.Env == nil {
		return "", nil
	}
	data, err := json.Marshal(s.Env)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EnvFromJSON parses a JSON string into the Env map.
func (s *Session) EnvFromJSON(data string) error {
	if data == "" {
		s.Env = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &s.Env)
}

// CommandToJSON converts the argument vector to a JSON string for storage.
func (s *Session) CommandToJSON() (string, error) {
	data, err := json.Marshal(s.Command)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CommandFromJSON parses a stored argument vector.
func (s *Session) CommandFromJSON(data string) error {
	if data == "" {
		s.Command = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &s.Command)
}

// Duration returns the running duration of the session.
func (s *Session) Duration() time.Duration {
	return time.Since(s.CreatedAt)
}

// CreateSessionRequest represents a request to create a session over the REST API.
type CreateSessionRequest struct {
	ID      string            `json:"id"`
	Command []string          `json:"command"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
	Rows    uint16            `json:"rows"`
	Cols    uint16            `json:"cols"`
}

// SpawnConfig converts the request into a spawn configuration.
func (r *CreateSessionRequest) SpawnConfig() SpawnConfig {
	return SpawnConfig{Command: r.Command, Dir: r.Dir, Env: r.Env, Rows: r.Rows, Cols: r.Cols}
}

// ResizeRequest represents a request to change a session's terminal size.
type ResizeRequest struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// Validate validates the resize request.
func (r *ResizeRequest) Validate() error {
	if r.Rows == 0 || r.Cols == 0 {
		return ErrInvalidSize
	}
	return nil
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateSessionID checks that id is usable as a session identifier and as
// part of a recording file name.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}
