package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/internals/scheduler"
	"github.com/loomworks/loom/internals/taskgraph"
)

// InstructionInput is everything the builder may weave into an instruction:
// the task, the session goal, retrieved context, and on rewrites the previous
// attempt plus the judge's issues. Feedback carries reviewer notes from a
// regenerate decision.
type InstructionInput struct {
	Task     *taskgraph.Task
	Goal     scheduler.Goal
	Context  string
	Previous string
	Issues   []string
	Feedback string
	Attempt  int
}

// InstructionFunc builds the generator instruction for one attempt. Prompt
// engineering is not this engine's business; the default builder only
// assembles the pieces it is handed.
type InstructionFunc func(in InstructionInput) string

func (e *Engine) instruction(in InstructionInput) string {
	if e.deps.Instruction != nil {
		return e.deps.Instruction(in)
	}
	return DefaultInstruction(in)
}

func DefaultInstruction(in InstructionInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", in.Goal.Title)
	if in.Goal.Brief != "" {
		fmt.Fprintf(&b, "Brief: %s\n", in.Goal.Brief)
	}
	if len(in.Goal.Params) > 0 {
		keys := make([]string, 0, len(in.Goal.Params))
		for k := range in.Goal.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, in.Goal.Params[k])
		}
	}
	fmt.Fprintf(&b, "\nTask: %s\n", in.Task.Description)
	if in.Context != "" {
		fmt.Fprintf(&b, "\nReference material:\n%s\n", in.Context)
	}
	if in.Previous != "" {
		fmt.Fprintf(&b, "\nThis is rewrite attempt %d. Previous attempt:\n%s\n", in.Attempt, in.Previous)
		if len(in.Issues) > 0 {
			b.WriteString("\nAddress these issues:\n")
			for _, issue := range in.Issues {
				fmt.Fprintf(&b, "- %s\n", issue)
			}
		}
	}
	if in.Feedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback:\n%s\n", in.Feedback)
	}
	return b.String()
}
