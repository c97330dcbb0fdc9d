package model

import "fmt"

// SharingPolicy decides how connections map onto sessions.
type SharingPolicy string

const (
	// SharingShared attaches every connection asking for the same id to one session.
	SharingShared SharingPolicy = "shared"
	// SharingExclusive gives each connection its own session.
	SharingExclusive SharingPolicy = "exclusive"
)

// RetentionPolicy decides what happens when a session loses its last subscriber.
type RetentionPolicy string

const (
	RetentionEphemeral  RetentionPolicy = "ephemeral"
	RetentionPersistent RetentionPolicy = "persistent"
)

// BackpressurePolicy decides how a slow subscriber is handled.
type BackpressurePolicy string

const (
	// BackpressureBestEffort drops a subscriber whose queue is full. Default.
	BackpressureBestEffort BackpressurePolicy = "best-effort"
	// BackpressureLossless blocks the publisher until the subscriber drains.
	BackpressureLossless BackpressurePolicy = "lossless"
)

func (p SharingPolicy) Validate() error {
	switch p {
	case SharingShared, SharingExclusive:
		return nil
	}
	return fmt.Errorf("unknown sharing policy %q", string(p))
}

func (p RetentionPolicy) Validate() error {
	switch p {
	case RetentionEphemeral, RetentionPersistent:
		return nil
	}
	return fmt.Errorf("unknown retention policy %q", string(p))
}

func (p BackpressurePolicy) Validate() error {
	switch p {
	case BackpressureBestEffort, BackpressureLossless:
		return nil
	}
	return fmt.Errorf("unknown backpressure policy %q", string(p))
}
