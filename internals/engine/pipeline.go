package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internals/events"
	"github.com/loomworks/loom/internals/taskgraph"
)

// executeTask runs one task through generate -> evaluate -> retry -> accept
// -> approve. A non-nil return is a task failure; rejection and stop-release
// are not failures.
func (e *Engine) executeTask(ctx context.Context, task *taskgraph.Task) error {
	logger := e.logger.With(
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.Int("unit", task.Unit))

	if err := e.sched.UpdateStatus(task.ID, taskgraph.StatusRunning, "", ""); err != nil {
		return err
	}
	task.StartedAt = time.Now().UTC()
	if resolver, ok := e.deps.Generator.(ProviderResolver); ok {
		task.Provider = resolver.Provider(task.Kind)
	}
	e.publish(events.Event{
		Type:   events.TaskStart,
		TaskID: task.ID,
		Kind:   task.Kind,
		Unit:   task.Unit,
	})
	logger.Info("task started")

	feedback := ""
	for {
		text, eval, err := e.produce(ctx, task, feedback)
		if err != nil {
			return e.failTask(ctx, task, err)
		}

		if !e.cfg.ApprovalRequired {
			return e.acceptTask(ctx, task, text, eval)
		}

		decision, err := e.awaitDecision(ctx, task, text, eval)
		if err != nil {
			// stop or cancellation released the rendezvous; the task did not
			// fail, it just never got an answer
			logger.Info("approval wait released without a decision", slog.String("reason", err.Error()))
			task.CompletedAt = time.Now().UTC()
			return e.sched.UpdateStatus(task.ID, taskgraph.StatusSkipped, "", "")
		}

		switch decision.Action {
		case DecisionApprove:
			task.Selection = decision.Selection
			return e.acceptTask(ctx, task, text, eval)
		case DecisionReject:
			logger.Info("task rejected by reviewer")
			task.CompletedAt = time.Now().UTC()
			return e.sched.UpdateStatus(task.ID, taskgraph.StatusSkipped, "", "")
		case DecisionRegenerate:
			logger.Info("regenerating task on reviewer request")
			feedback = decision.Feedback
			task.QualityFailed = false
			task.QualityIssues = nil
			continue
		default:
			return e.failTask(ctx, task, fmt.Errorf("unknown decision action %q", decision.Action))
		}
	}
}

// produce is the retry/evaluation core: one initial generation plus at most
// MaxRetries rewrites. The best-scoring attempt is always retained; a worse
// rewrite never evicts a better one. Collaborator errors abort immediately.
func (e *Engine) produce(ctx context.Context, task *taskgraph.Task, feedback string) (string, Evaluation, error) {
	contextText := ""
	if e.deps.Memory != nil {
		retrieved, err := e.deps.Memory.Retrieve(ctx, task.Kind, task.Unit, e.cfg.MemoryTopK)
		if err != nil {
			return "", Evaluation{}, fmt.Errorf("retrieve context: %w", err)
		}
		contextText = retrieved
	}

	in := InstructionInput{
		Task:     task,
		Goal:     e.goal,
		Context:  contextText,
		Feedback: feedback,
	}
	instruction := e.instruction(in)
	sampling := Sampling{Temperature: e.cfg.BaseTemperature}

	gen, err := e.generate(ctx, task, instruction, sampling)
	if err != nil {
		return "", Evaluation{}, err
	}
	eval, err := e.deps.Judge.Evaluate(ctx, task.Kind, gen.Text, contextText, e.goal)
	if err != nil {
		return "", Evaluation{}, fmt.Errorf("evaluate: %w", err)
	}
	if eval.Passed {
		task.Instruction = instruction
		return gen.Text, eval, nil
	}

	bestText, bestEval := gen.Text, eval
	prevText, prevIssues := gen.Text, eval.Issues

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		e.mu.Lock()
		e.stats.Retried++
		e.mu.Unlock()
		task.FailedAttempts++

		in.Previous = prevText
		in.Issues = prevIssues
		in.Attempt = attempt
		instruction = e.instruction(in)
		sampling.Temperature = min(1.0, e.cfg.BaseTemperature+0.1*float64(attempt))

		gen, err = e.generate(ctx, task, instruction, sampling)
		if err != nil {
			return "", Evaluation{}, err
		}
		eval, err = e.deps.Judge.Evaluate(ctx, task.Kind, gen.Text, contextText, e.goal)
		if err != nil {
			return "", Evaluation{}, fmt.Errorf("evaluate: %w", err)
		}
		if eval.Passed {
			task.Instruction = instruction
			return gen.Text, eval, nil
		}
		if eval.Score > bestEval.Score {
			bestText, bestEval = gen.Text, eval
		}
		prevText, prevIssues = gen.Text, eval.Issues
	}

	// bound exhausted: forward progress beats an unreachable bar
	task.QualityFailed = true
	task.QualityIssues = topIssues(bestEval.Issues, 3)
	task.Instruction = instruction
	e.logger.Warn("accepting best attempt after retry bound",
		slog.String("task_id", task.ID),
		slog.Float64("score", bestEval.Score))
	return bestText, bestEval, nil
}

// generate wraps the generator call with usage accounting. A generator error
// is the one fatal, non-retried case in the pipeline: it signals an unusable
// collaborator, not low-quality content.
func (e *Engine) generate(ctx context.Context, task *taskgraph.Task, instruction string, sampling Sampling) (Generation, error) {
	gen, err := e.deps.Generator.Generate(ctx, instruction, task.Kind, sampling)
	e.mu.Lock()
	e.stats.GeneratorCalls++
	e.stats.PromptTokens += gen.Usage.PromptTokens
	e.stats.CompletionTokens += gen.Usage.CompletionTokens
	e.stats.Cost += gen.Usage.Cost
	e.mu.Unlock()
	if err != nil {
		return Generation{}, fmt.Errorf("generate: %w", err)
	}
	task.PromptTokens += gen.Usage.PromptTokens
	task.CompletionTokens += gen.Usage.CompletionTokens
	task.Cost += gen.Usage.Cost
	if gen.Provider != "" {
		task.Provider = gen.Provider
	}
	return gen, nil
}

// awaitDecision is the approval rendezvous: clear any stale decision,
// publish the approval event, block until exactly one decision arrives. Only
// the current task suspends; the rest of the process keeps running.
func (e *Engine) awaitDecision(ctx context.Context, task *taskgraph.Task, text string, eval Evaluation) (Decision, error) {
	e.mu.Lock()
	select {
	case <-e.decisionCh:
	default:
	}
	e.pendingDecision = true
	e.status = StatusWaitingApproval
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.pendingDecision = false
		if e.status == StatusWaitingApproval {
			if e.paused {
				e.status = StatusPaused
			} else {
				e.status = StatusRunning
			}
		}
		e.mu.Unlock()
	}()

	e.publish(events.Event{
		Type:   events.ApprovalNeeded,
		TaskID: task.ID,
		Kind:   task.Kind,
		Unit:   task.Unit,
		Text:   text,
		Score:  eval.Score,
		Passed: eval.Passed,
		Issues: eval.Issues,
	})

	select {
	case d := <-e.decisionCh:
		return d, nil
	case <-e.stopCh:
		return Decision{}, errStopRequested
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// acceptTask persists the accepted text, stores it to semantic memory and
// finalizes bookkeeping. Persistence or memory errors downgrade the task to
// failed per the collaborator-failure rule.
func (e *Engine) acceptTask(ctx context.Context, task *taskgraph.Task, text string, eval Evaluation) error {
	task.Result = text
	task.Score = eval.Score
	task.CompletedAt = time.Now().UTC()

	if e.deps.Store != nil {
		record := *task
		record.Status = taskgraph.StatusCompleted
		if err := e.deps.Store.SaveTask(ctx, e.id, &record); err != nil {
			return e.failTask(ctx, task, fmt.Errorf("persist result: %w", err))
		}
	}
	if e.deps.Memory != nil {
		meta := map[string]string{"session_id": e.id, "task_id": task.ID}
		if err := e.deps.Memory.Store(ctx, task.Kind, task.Unit, text, meta, eval); err != nil {
			return e.failTask(ctx, task, fmt.Errorf("store memory: %w", err))
		}
	}

	if err := e.sched.UpdateStatus(task.ID, taskgraph.StatusCompleted, text, ""); err != nil {
		return err
	}
	e.publish(events.Event{
		Type:   events.TaskComplete,
		TaskID: task.ID,
		Kind:   task.Kind,
		Unit:   task.Unit,
		Score:  eval.Score,
		Passed: eval.Passed,
	})
	e.logger.Info("task completed",
		slog.String("task_id", task.ID),
		slog.Float64("score", eval.Score),
		slog.Bool("quality_failed", task.QualityFailed))
	return nil
}

func (e *Engine) failTask(ctx context.Context, task *taskgraph.Task, taskErr error) error {
	task.Error = taskErr.Error()
	task.CompletedAt = time.Now().UTC()
	if err := e.sched.UpdateStatus(task.ID, taskgraph.StatusFailed, "", taskErr.Error()); err != nil {
		e.logger.Error("failed to mark task failed", slog.String("error", err.Error()))
	}
	if e.deps.Store != nil {
		record := *task
		record.Status = taskgraph.StatusFailed
		if err := e.deps.Store.SaveTask(ctx, e.id, &record); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("failed to persist failed task", slog.String("error", err.Error()))
		}
	}
	e.publish(events.Event{
		Type:    events.TaskFail,
		TaskID:  task.ID,
		Kind:    task.Kind,
		Unit:    task.Unit,
		Message: taskErr.Error(),
	})
	e.logger.Error("task failed", slog.String("error", taskErr.Error()))
	return taskErr
}

func topIssues(issues []string, n int) []string {
	if len(issues) <= n {
		return issues
	}
	return issues[:n]
}
