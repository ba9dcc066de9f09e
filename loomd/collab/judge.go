package collab

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/loomworks/loom/internals/engine"
	"github.com/loomworks/loom/internals/scheduler"
)

type HTTPJudge struct {
	endpoint  string
	threshold float64
	client    *http.Client
}

func NewHTTPJudge(endpoint string, threshold float64) *HTTPJudge {
	return &HTTPJudge{
		endpoint:  endpoint,
		threshold: threshold,
		client:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type evaluateRequest struct {
	Kind      string            `json:"kind"`
	Text      string            `json:"text"`
	Context   string            `json:"context,omitempty"`
	Title     string            `json:"title"`
	Brief     string            `json:"brief,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Threshold float64           `json:"threshold"`
}

type evaluateResponse struct {
	Passed      *bool    `json:"passed"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues"`
	Suggestions []string `json:"suggestions"`
}

func (j *HTTPJudge) Evaluate(ctx context.Context, kind, text, contextText string, goal scheduler.Goal) (engine.Evaluation, error) {
	var out evaluateResponse
	err := postJSON(ctx, j.client, j.endpoint, evaluateRequest{
		Kind:      kind,
		Text:      text,
		Context:   contextText,
		Title:     goal.Title,
		Brief:     goal.Brief,
		Params:    goal.Params,
		Threshold: j.threshold,
	}, &out)
	if err != nil {
		return engine.Evaluation{}, fmt.Errorf("judge: %w", err)
	}

	eval := engine.Evaluation{
		Score:       out.Score,
		Issues:      out.Issues,
		Suggestions: out.Suggestions,
	}
	// Judges that only score delegate the pass decision to the threshold.
	if out.Passed != nil {
		eval.Passed = *out.Passed
	} else {
		eval.Passed = out.Score >= j.threshold
	}
	return eval, nil
}
