package schemas

import (
	"regexp"

	z "github.com/Oudwins/zog"

	"github.com/loomworks/loom/internals/scheduler"
	"github.com/loomworks/loom/internals/taskgraph"
)

type RunCreateRequest struct {
	SessionID string   `json:"session_id" zog:"session_id"`
	Title     string   `json:"title" zog:"title"`
	Brief     string   `json:"brief" zog:"brief"`
	Units     int      `json:"units" zog:"units"`
	Resume    bool     `json:"resume" zog:"resume"`
	Options   *RunOpts `json:"options" zog:"options"`

	// Params are free-form goal attributes (genre, tone, length targets);
	// the instruction builder folds them into every task instruction.
	Params map[string]string `json:"params,omitempty"`
}

// RunOpts overrides engine policy per run; nil fields fall back to the
// daemon config.
type RunOpts struct {
	MaxRetries       *int  `json:"max_retries" zog:"max_retries"`
	ApprovalRequired *bool `json:"approval_required" zog:"approval_required"`
	ContinueOnError  *bool `json:"continue_on_error" zog:"continue_on_error"`
}

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9\-]+$`)

var RunCreateSchema = z.Struct(z.Shape{
	"SessionID": z.String().Optional().Trim().Match(sessionIDRegex),
	"Title":     z.String().Required().Trim(),
	"Brief":     z.String().Optional().Trim(),
	"Units":     z.Int().Optional().GTE(0),
	"Resume":    z.Bool().Optional(),
	"Options": z.Ptr(z.Struct(z.Shape{
		"MaxRetries":       z.Ptr(z.Int().GTE(0)),
		"ApprovalRequired": z.Ptr(z.Bool()),
		"ContinueOnError":  z.Ptr(z.Bool()),
	})),
})

type RunCreateResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type RunStatusResponse struct {
	SessionID string               `json:"session_id"`
	Status    string               `json:"status"`
	Stats     taskgraph.Stats      `json:"stats"`
	Progress  *scheduler.Progress  `json:"progress,omitempty"`
	Error     string               `json:"error,omitempty"`
	Results   map[string]string    `json:"results,omitempty"`
}
