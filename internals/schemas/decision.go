package schemas

import (
	z "github.com/Oudwins/zog"
)

type DecisionRequest struct {
	Action    string `json:"action" zog:"action"`
	Feedback  string `json:"feedback" zog:"feedback"`
	Selection string `json:"selection" zog:"selection"`
}

var DecisionSchema = z.Struct(z.Shape{
	"Action":    z.String().Required().Trim().OneOf([]string{"approve", "reject", "regenerate"}),
	"Feedback":  z.String().Optional().Trim(),
	"Selection": z.String().Optional().Trim(),
})

type DecisionResponse struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}
