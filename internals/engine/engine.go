// Package engine drives the per-session execute/evaluate/retry state machine
// over a planned task graph. One engine owns one session; tasks of a session
// never run concurrently with each other because later instructions depend on
// earlier accepted results.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internals/events"
	"github.com/loomworks/loom/internals/scheduler"
	"github.com/loomworks/loom/internals/taskgraph"
)

type Status string

const (
	StatusIdle            Status = "idle"
	StatusPlanning        Status = "planning"
	StatusRunning         Status = "running"
	StatusPaused          Status = "paused"
	StatusWaitingApproval Status = "waiting_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusStopped         Status = "stopped"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

type Config struct {
	// MaxRetries bounds rewrite attempts after the first generation; the
	// generator is called at most MaxRetries+1 times per pipeline pass.
	MaxRetries int
	// ApprovalRequired gates every accepted result on a human decision.
	ApprovalRequired bool
	// ContinueOnError keeps the run going past a failed task.
	ContinueOnError bool
	// PollInterval paces the paused and none-ready waits.
	PollInterval time.Duration
	// BaseTemperature seeds sampling; each rewrite raises it by 0.1 up to 1.0.
	BaseTemperature float64
	// MemoryTopK limits context retrieval.
	MemoryTopK int
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		ApprovalRequired: true,
		PollInterval:     200 * time.Millisecond,
		BaseTemperature:  0.7,
		MemoryTopK:       5,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.BaseTemperature <= 0 {
		c.BaseTemperature = 0.7
	}
	if c.MemoryTopK <= 0 {
		c.MemoryTopK = 5
	}
}

// Deps are the engine's collaborators. Scheduler, Generator and Judge are
// required to execute tasks; Memory, Store, Events and Instruction are
// optional and every use is nil-guarded (context retrieval, persistence and
// publishing become no-ops, Instruction falls back to the default builder).
type Deps struct {
	Scheduler   *scheduler.Scheduler
	Generator   Generator
	Judge       Judge
	Memory      Memory
	Store       Persistence
	Events      EventSink
	Logger      *slog.Logger
	Instruction InstructionFunc

	// Completed seeds the plan with prior work when resuming a session.
	Completed []scheduler.CompletedWork
}

type Engine struct {
	id   string
	cfg  Config
	deps Deps

	logger *slog.Logger
	sched  *scheduler.Scheduler

	mu              sync.Mutex
	status          Status
	goal            scheduler.Goal
	stats           taskgraph.Stats
	result          *ExecutionResult
	lastCursor      int
	paused          bool
	pendingDecision bool
	startedAt       time.Time
	completedAt     time.Time

	decisionCh chan Decision
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func New(sessionID string, cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		id:         sessionID,
		cfg:        cfg,
		deps:       deps,
		logger:     logger.With(slog.String("session_id", sessionID)),
		sched:      deps.Scheduler,
		status:     StatusIdle,
		decisionCh: make(chan Decision, 1),
		stopCh:     make(chan struct{}),
	}
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Stats() taskgraph.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) Progress() scheduler.Progress {
	return e.sched.Progress()
}

// Result returns the terminal result, or nil while the run is live.
func (e *Engine) Result() *ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Snapshot is the persisted recovery record. Resumable stays true for every
// non-completed status so a crashed or stopped run can be offered for
// explicit resumption.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	cursor := e.lastCursor
	snap := Snapshot{
		SessionID: e.id,
		Status:    string(e.status),
		Stats:     e.stats,
		Resumable: e.status != StatusCompleted,
		UpdatedAt: time.Now().UTC(),
	}
	if cursor > 0 {
		snap.LastTaskCursor = &cursor
	}
	return snap
}

// Run plans the graph and drives it to a terminal state. Errors never escape:
// any planning or run failure is converted into a failed ExecutionResult.
func (e *Engine) Run(ctx context.Context, goal scheduler.Goal, unitCount int) (result ExecutionResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("run panicked", slog.Any("error", recovered))
			result = e.finish(ctx, StatusFailed, fmt.Errorf("panic: %v", recovered))
		}
	}()

	e.mu.Lock()
	if e.status != StatusIdle {
		// a refused start must not touch the first run's status, result or
		// persisted records; the caller just gets a failed report
		current := e.status
		stats := e.stats
		e.mu.Unlock()
		return ExecutionResult{
			SessionID: e.id,
			Status:    StatusFailed,
			Stats:     stats,
			Err:       fmt.Sprintf("run already started (status %s)", current),
		}
	}
	e.status = StatusPlanning
	e.goal = goal
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	tasks := e.sched.Plan(goal, unitCount, e.deps.Completed)
	e.logger.Info("plan built",
		slog.Int("tasks", len(tasks)),
		slog.Int("units", unitCount))

	e.mu.Lock()
	e.stats = taskgraph.Stats{Total: len(tasks)}
	if e.paused {
		e.status = StatusPaused
	} else {
		e.status = StatusRunning
	}
	e.mu.Unlock()
	e.syncStats()
	e.checkpoint(ctx)

	for {
		if e.stopRequested() || ctx.Err() != nil {
			return e.finish(ctx, StatusStopped, nil)
		}
		if e.isPaused() {
			e.sleep(ctx)
			continue
		}

		task := e.sched.NextTask()
		if task == nil {
			if e.sched.IsComplete() {
				break
			}
			e.sleep(ctx)
			continue
		}

		err := e.executeTask(ctx, task)
		e.syncStats()
		e.publishProgress()
		e.bumpCursor()
		e.checkpoint(ctx)
		if err != nil && !e.cfg.ContinueOnError {
			return e.finish(ctx, StatusFailed, err)
		}
	}

	return e.finish(ctx, StatusCompleted, nil)
}

// Pause succeeds only while planning or running. It is a cooperative flag:
// an in-flight task finishes its pipeline before the loop honors it.
func (e *Engine) Pause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusRunning && e.status != StatusPlanning {
		return false
	}
	e.paused = true
	if e.status == StatusRunning {
		e.status = StatusPaused
	}
	return true
}

func (e *Engine) Resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.paused {
		return false
	}
	e.paused = false
	if e.status == StatusPaused {
		e.status = StatusRunning
	}
	return true
}

// Stop requests a cooperative stop from any non-terminal state. It also
// releases a pending approval wait; the waiting task ends skipped.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	if e.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })
	return true
}

// SubmitDecision hands exactly one decision to the task currently waiting
// for approval. A decision with nothing pending, including a duplicate for
// an already-resolved approval, is rejected with ErrNoPendingDecision.
func (e *Engine) SubmitDecision(d Decision) error {
	if !d.Action.Valid() {
		return ErrInvalidDecision
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pendingDecision {
		return ErrNoPendingDecision
	}
	e.pendingDecision = false
	// cap-1 channel plus the pendingDecision guard means this never blocks
	e.decisionCh <- d
	return nil
}

func (e *Engine) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// sleep waits one poll interval, returning early on stop or cancellation.
func (e *Engine) sleep(ctx context.Context) {
	timer := time.NewTimer(e.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-e.stopCh:
	case <-timer.C:
	}
}

func (e *Engine) bumpCursor() {
	e.mu.Lock()
	e.lastCursor++
	e.mu.Unlock()
}

// syncStats folds the scheduler's terminal counts into the engine-owned
// stats. Retry, generator and token counters are incremented directly by the
// pipeline.
func (e *Engine) syncStats() {
	progress := e.sched.Progress()
	e.mu.Lock()
	e.stats.Completed = progress.Completed
	e.stats.Failed = progress.Failed
	e.stats.Skipped = progress.Skipped
	e.mu.Unlock()
}

func (e *Engine) checkpoint(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.SaveEngineSnapshot(ctx, e.Snapshot()); err != nil {
		e.logger.Error("failed to save engine snapshot", slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(evt events.Event) {
	if e.deps.Events == nil {
		return
	}
	evt.SessionID = e.id
	e.deps.Events.Publish(evt)
}

func (e *Engine) publishProgress() {
	progress := e.sched.Progress()
	e.publish(events.Event{
		Type:      events.Progress,
		Status:    string(e.Status()),
		Completed: progress.Completed,
		Total:     progress.Total,
	})
}

func (e *Engine) finish(ctx context.Context, status Status, runErr error) ExecutionResult {
	// persistence of the terminal record must survive the run context being
	// canceled
	ctx = context.WithoutCancel(ctx)
	e.syncStats()

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	results := make(map[string]string)
	for _, task := range e.sched.Tasks() {
		if task.Status != taskgraph.StatusCompleted {
			continue
		}
		key := task.Kind
		if task.Unit > 0 {
			key = fmt.Sprintf("%s_%d", task.Kind, task.Unit)
		}
		results[key] = task.Result
	}

	e.mu.Lock()
	e.status = status
	e.completedAt = time.Now().UTC()
	res := ExecutionResult{
		SessionID:   e.id,
		Status:      status,
		Stats:       e.stats,
		Results:     results,
		Err:         errMsg,
		StartedAt:   e.startedAt,
		CompletedAt: e.completedAt,
	}
	e.result = &res
	e.mu.Unlock()

	if e.deps.Store != nil {
		if err := e.deps.Store.UpdateSessionStatus(ctx, e.id, string(status), errMsg); err != nil {
			e.logger.Error("failed to update session status", slog.String("error", err.Error()))
		}
	}
	e.checkpoint(ctx)
	e.publishProgress()
	e.logger.Info("run finished",
		slog.String("status", string(status)),
		slog.Int("completed", res.Stats.Completed),
		slog.Int("failed", res.Stats.Failed),
		slog.Int("skipped", res.Stats.Skipped))
	return res
}
