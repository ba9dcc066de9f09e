package engine

import (
	"time"

	"github.com/loomworks/loom/internals/taskgraph"
)

// ExecutionResult is the terminal snapshot of one run.
type ExecutionResult struct {
	SessionID string          `json:"session_id"`
	Status    Status          `json:"status"`
	Stats     taskgraph.Stats `json:"stats"`

	// Results maps kind (or kind_N for unit tasks) to the accepted text.
	Results map[string]string `json:"results,omitempty"`

	Err         string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
