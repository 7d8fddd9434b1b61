// Package events publishes compaction job lifecycle events to Kafka.
// Publishing is optional: when it is disabled the scheduler is wired with a
// NopPublisher and nothing leaves the process. Events are advisory,
// downstream consumers must treat the catalog as the source of truth.
package events

import (
	"context"
	"time"
)

// Status classifies how a compaction job ended.
type Status string

const (
	// StatusCompleted means the job committed its outputs.
	StatusCompleted Status = "completed"

	// StatusFailed means the job failed during execution or commit.
	StatusFailed Status = "failed"

	// StatusConflict means the commit lost an optimistic concurrency race
	// and the job's outputs were discarded.
	StatusConflict Status = "conflict"
)

// JobEvent is one JSON message describing a finished compaction job.
type JobEvent struct {
	Status      Status `json:"status"`
	NodeID      string `json:"nodeId,omitempty"`
	PartitionID int64  `json:"partitionId"`
	TableID     int64  `json:"tableId"`
	OutputLevel string `json:"outputLevel"`

	InputFiles  int `json:"inputFiles"`
	OutputFiles int `json:"outputFiles"`

	RowsWritten  int64 `json:"rowsWritten"`
	RowsDeduped  int64 `json:"rowsDeduped"`
	BytesRead    int64 `json:"bytesRead"`
	BytesWritten int64 `json:"bytesWritten"`

	// Error carries the failure or conflict message, empty on success.
	Error string `json:"error,omitempty"`

	EmittedAt time.Time `json:"emittedAt"`
}

// Publisher emits job events. Publish failures are reported to the caller,
// which logs and moves on; event delivery never gates job handling.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent) error
	Close()
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, JobEvent) error { return nil }

func (NopPublisher) Close() {}
