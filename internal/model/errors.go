package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCommandRequired is returned when a spawn configuration has an empty command.
	ErrCommandRequired = errors.New("command is required")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidSessionID is returned for a session id that is empty or contains
	// characters outside [A-Za-z0-9._-].
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrClosed is returned when writing to or resizing a session whose process has exited.
	ErrClosed = errors.New("session is closed")

	// ErrStreamConsumed is returned when a process output stream is requested a second time.
	ErrStreamConsumed = errors.New("output stream already consumed")

	// ErrInvalidSize is returned for a terminal size with a zero dimension.
	ErrInvalidSize = errors.New("invalid terminal size")

	// ErrSlowConsumer is the reason a subscriber is dropped under best-effort backpressure.
	ErrSlowConsumer = errors.New("subscriber queue exceeded high-water mark")

	// ErrRegistryContention is returned when the session table lock could not be
	// acquired in time. Callers may retry.
	ErrRegistryContention = errors.New("session registry contention timeout")

	// ErrConcurrencyLimit is returned when the maximum number of live sessions is reached.
	ErrConcurrencyLimit = errors.New("concurrent session limit exceeded")
)

// SpawnReason classifies why a process could not be started.
type SpawnReason string

const (
	SpawnNotFound          SpawnReason = "not-found"
	SpawnPermissionDenied  SpawnReason = "permission-denied"
	SpawnResourceExhausted SpawnReason = "resource-exhausted"
	SpawnFailed            SpawnReason = "failed"
)

// SpawnError reports a failed session process start.
type SpawnError struct {
	Command []string
	Reason  SpawnReason
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %s: %v", strings.Join(e.Command, " "), e.Reason, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TransportError reports a connection-local failure: a malformed frame or an
// I/O error on the underlying transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient condition worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRegistryContention)
}
