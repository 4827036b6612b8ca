package config

import (
	"time"
)

// Snapshot is the file representation of a set of pipelines (DTO).
type Snapshot struct {
	Generation int64          `json:"generation" yaml:"generation"`
	ReceivedAt time.Time      `json:"receivedAt" yaml:"-"`
	Pipelines  []PipelineSpec `json:"pipelines" yaml:"pipelines"`
}
