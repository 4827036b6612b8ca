package domain

import "time"

// Snapshot represents a point-in-time set of pipeline definitions.
type Snapshot struct {
	Generation int64
	Pipelines  []*Pipeline
	Timestamp  time.Time
}

// ConfigService defines the interface for configuration management.
type ConfigService interface {
	// CurrentSnapshot returns the current configuration.
	CurrentSnapshot() Snapshot

	// Subscribe to configuration changes.
	Subscribe() <-chan Snapshot
}
