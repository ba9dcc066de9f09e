package taskgraph

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal status move.
// pending -> ready -> running -> {completed|failed|skipped}; pending may be
// skipped directly when an upstream dependency fails or is rejected.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusReady || to == StatusSkipped
	case StatusReady:
		return to == StatusRunning || to == StatusSkipped
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusSkipped
	default:
		return false
	}
}

// Task is one schedulable unit of work inside a session. It is created at
// planning time and mutated only by the engine that owns the session.
type Task struct {
	ID          string
	Kind        string
	Description string

	// DependsOn holds resolved task ids, not kind tags.
	DependsOn []string

	Status   Status
	Unit     int // 1-based unit index; 0 for singleton kinds
	Parallel bool
	Optional bool

	Result      string
	Error       string
	Provider    string
	Instruction string
	// Selection carries the reviewer's opaque pick from the approval
	// decision; the engine records it without interpreting it.
	Selection string

	Score          float64
	QualityFailed  bool
	QualityIssues  []string
	FailedAttempts int

	PromptTokens     int
	CompletionTokens int
	Cost             float64

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

func New(kind, description string) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Key identifies a task's work across planning calls, where ids are
// regenerated. Resume matching uses it.
func (t *Task) Key() WorkKey {
	return WorkKey{Kind: t.Kind, Unit: t.Unit}
}

type WorkKey struct {
	Kind string
	Unit int
}
