// Package jobs hosts the background maintenance tasks that run outside the
// request path.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskJunctionSweep purges junction rows whose endpoint entity has been
	// soft-deleted. The rows are invisible to reads already; the sweep just
	// reclaims them.
	TaskJunctionSweep = "rbac:junction_sweep"
)

// JunctionSweepPayload parameterises one sweep run.
type JunctionSweepPayload struct {
	// BatchSize caps the rows removed per table per run. Zero means no cap.
	BatchSize int `json:"batchSize"`
}

// NewJunctionSweepTask constructs an Asynq task.
func NewJunctionSweepTask(payload JunctionSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskJunctionSweep, data), nil
}
