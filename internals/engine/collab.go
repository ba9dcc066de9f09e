package engine

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/internals/events"
	"github.com/loomworks/loom/internals/scheduler"
	"github.com/loomworks/loom/internals/taskgraph"
)

// Collaborator contracts. The engine treats all of these as opaque: a
// returned error is a collaborator failure and fails the task (never retried
// as a quality problem).

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

type Generation struct {
	Text     string `json:"text"`
	Usage    Usage  `json:"usage"`
	Provider string `json:"provider"`
}

type Sampling struct {
	Temperature float64 `json:"temperature"`
}

type Generator interface {
	Generate(ctx context.Context, instruction, kind string, sampling Sampling) (Generation, error)
}

// ProviderResolver is optionally implemented by generators that know up
// front which provider will serve a kind. Recording is informational only;
// provider selection and fallback stay the generator's concern.
type ProviderResolver interface {
	Provider(kind string) string
}

type Evaluation struct {
	Passed      bool     `json:"passed"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type Judge interface {
	Evaluate(ctx context.Context, kind, text, contextText string, goal scheduler.Goal) (Evaluation, error)
}

type Memory interface {
	Retrieve(ctx context.Context, kind string, unit, topK int) (string, error)
	Store(ctx context.Context, kind string, unit int, text string, meta map[string]string, eval Evaluation) error
}

// Snapshot is the persisted recovery record for one session.
type Snapshot struct {
	SessionID      string          `json:"session_id"`
	Status         string          `json:"status"`
	Stats          taskgraph.Stats `json:"stats"`
	Resumable      bool            `json:"resumable"`
	LastTaskCursor *int            `json:"last_task_cursor"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Persistence interface {
	SaveTask(ctx context.Context, sessionID string, task *taskgraph.Task) error
	UpdateSessionStatus(ctx context.Context, sessionID, status, errMsg string) error
	SaveEngineSnapshot(ctx context.Context, snap Snapshot) error
	LoadEngineSnapshot(ctx context.Context, sessionID string) (*Snapshot, error)
	ListResumableSessions(ctx context.Context) ([]Snapshot, error)
}

// EventSink receives fire-and-forget notifications. Publish must not block.
type EventSink interface {
	Publish(evt events.Event)
}

type DecisionAction string

const (
	DecisionApprove    DecisionAction = "approve"
	DecisionReject     DecisionAction = "reject"
	DecisionRegenerate DecisionAction = "regenerate"
)

func (a DecisionAction) Valid() bool {
	switch a {
	case DecisionApprove, DecisionReject, DecisionRegenerate:
		return true
	default:
		return false
	}
}

// Decision is the one-shot answer to a pending approval.
type Decision struct {
	Action    DecisionAction `json:"action"`
	Feedback  string         `json:"feedback,omitempty"`
	Selection string         `json:"selection,omitempty"`
}

var (
	// ErrNoPendingDecision is returned when a decision arrives and no task is
	// waiting for approval, including a second decision for an approval that
	// was already resolved.
	ErrNoPendingDecision = errors.New("engine: no pending approval decision")

	ErrInvalidDecision = errors.New("engine: invalid decision action")

	errStopRequested = errors.New("engine: stop requested")
)
