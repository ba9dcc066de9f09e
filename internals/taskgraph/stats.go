package taskgraph

// Stats are the per-run execution counters. Owned by one engine, reset each
// run.
type Stats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Retried   int `json:"retried"`

	GeneratorCalls   int     `json:"generator_calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// Settled is the number of tasks in a terminal status. It never exceeds
// Total once planning has fixed it.
func (s Stats) Settled() int {
	return s.Completed + s.Failed + s.Skipped
}
