package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internals/taskgraph"
)

// Goal carries the session-level creative brief that planning merges into
// every task. Its interpretation belongs to the instruction builder.
type Goal struct {
	Title  string            `json:"title"`
	Brief  string            `json:"brief"`
	Params map[string]string `json:"params,omitempty"`
}

// CompletedWork identifies previously finished work when a session is
// resumed. Matching is by kind + unit index, never by task id: ids are
// regenerated on every planning call.
type CompletedWork struct {
	Kind   string
	Unit   int
	Result string
}

// Scheduler expands the kind catalog into a dependency-resolved task list and
// serves ready tasks to the owning engine. One scheduler belongs to exactly
// one engine; the lock exists because status queries arrive from other
// goroutines, not because tasks race each other.
type Scheduler struct {
	logger  *slog.Logger
	catalog *taskgraph.Catalog

	mu    sync.RWMutex
	tasks []*taskgraph.Task
	byID  map[string]*taskgraph.Task
}

type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

func New(catalog *taskgraph.Catalog, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:  logger,
		catalog: catalog,
		byID:    make(map[string]*taskgraph.Task),
	}
}

// Plan instantiates one task per registered definition, expands per-unit
// kinds into unitCount chained tasks, resolves kind-tag dependencies to
// concrete task ids and seeds previously completed work. Planning problems
// are logged and degrade the plan; they never fail it.
func (s *Scheduler) Plan(goal Goal, unitCount int, completed []CompletedWork) []*taskgraph.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = nil
	s.byID = make(map[string]*taskgraph.Task)

	prior := make(map[taskgraph.WorkKey]string, len(completed))
	for _, work := range completed {
		prior[taskgraph.WorkKey{Kind: work.Kind, Unit: work.Unit}] = work.Result
	}

	// Pass 1: create tasks in catalog order so kind-tag resolution is
	// deterministic (first match wins).
	type planned struct {
		task *taskgraph.Task
		def  taskgraph.Definition
	}
	var plan []planned
	for _, def := range s.catalog.All() {
		if def.PerUnit {
			if unitCount <= 0 {
				s.logger.Error("unit tasks requested without a unit count, skipping kind",
					slog.String("kind", def.Kind))
				continue
			}
			for unit := 1; unit <= unitCount; unit++ {
				task := taskgraph.New(def.Kind, fmt.Sprintf("%s %d of %d", def.Description, unit, unitCount))
				task.Unit = unit
				task.Parallel = def.Parallel
				task.Optional = def.Optional
				plan = append(plan, planned{task: task, def: def})
			}
			continue
		}
		task := taskgraph.New(def.Kind, def.Description)
		task.Parallel = def.Parallel
		task.Optional = def.Optional
		plan = append(plan, planned{task: task, def: def})
	}

	for _, p := range plan {
		s.tasks = append(s.tasks, p.task)
		s.byID[p.task.ID] = p.task
	}

	// Pass 2: resolve dependencies. Unit tasks chain to every foundation kind
	// plus their immediate predecessor unit, enforcing strictly sequential
	// unit generation.
	for i, p := range plan {
		tags := p.def.DependsOn
		if p.def.PerUnit {
			tags = s.catalog.FoundationKinds()
		}
		for _, tag := range tags {
			if dep := s.firstByKindLocked(tag); dep != nil && dep.ID != p.task.ID {
				p.task.DependsOn = append(p.task.DependsOn, dep.ID)
			} else {
				s.logger.Warn("dropping unresolved dependency tag",
					slog.String("kind", p.task.Kind),
					slog.String("tag", tag))
			}
		}
		if p.def.PerUnit && p.task.Unit > 1 {
			prev := plan[i-1].task
			if prev.Kind == p.task.Kind && prev.Unit == p.task.Unit-1 {
				p.task.DependsOn = append(p.task.DependsOn, prev.ID)
			}
		}
	}

	// Mutually dependent kinds would leave the plan with no ready task and
	// the run loop polling forever.
	s.dropCyclesLocked()

	// Pass 3: seed resumed work and compute initial readiness.
	for _, task := range s.tasks {
		if result, ok := prior[task.Key()]; ok {
			task.Status = taskgraph.StatusCompleted
			task.Result = result
		}
	}
	s.recomputeReadinessLocked()

	out := make([]*taskgraph.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// NextTask returns a ready task or nil. Non-parallel tasks are preferred in
// creation order, which yields a deterministic mostly-sequential run; a
// parallel task is served only when nothing sequential is ready.
func (s *Scheduler) NextTask() *taskgraph.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.Status == taskgraph.StatusReady && !task.Parallel {
			return task
		}
	}
	for _, task := range s.tasks {
		if task.Status == taskgraph.StatusReady {
			return task
		}
	}
	return nil
}

// UpdateStatus transitions a task. Completion unlocks dependents; failure or
// skipping cascades a skip through everything that transitively depended on
// the task, so the plan always settles.
func (s *Scheduler) UpdateStatus(id string, status taskgraph.Status, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("scheduler: unknown task id %s", id)
	}
	if !taskgraph.CanTransition(task.Status, status) {
		return fmt.Errorf("scheduler: invalid transition %s -> %s for task %s (%s)",
			task.Status, status, id, task.Kind)
	}
	task.Status = status
	if result != "" {
		task.Result = result
	}
	if errMsg != "" {
		task.Error = errMsg
	}

	switch status {
	case taskgraph.StatusCompleted:
		s.recomputeReadinessLocked()
	case taskgraph.StatusFailed, taskgraph.StatusSkipped:
		s.cascadeSkipLocked(id)
	}
	return nil
}

func (s *Scheduler) Task(id string) *taskgraph.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// Tasks returns the plan in creation order. Callers must treat the tasks as
// read-only; the owning engine is the only writer.
func (s *Scheduler) Tasks() []*taskgraph.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*taskgraph.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func (s *Scheduler) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := Progress{Total: len(s.tasks)}
	for _, task := range s.tasks {
		switch task.Status {
		case taskgraph.StatusPending:
			p.Pending++
		case taskgraph.StatusReady:
			p.Ready++
		case taskgraph.StatusRunning:
			p.Running++
		case taskgraph.StatusCompleted:
			p.Completed++
		case taskgraph.StatusFailed:
			p.Failed++
		case taskgraph.StatusSkipped:
			p.Skipped++
		}
	}
	return p
}

func (s *Scheduler) IsComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// dropCyclesLocked removes every dependency edge that closes a cycle, logged
// like any other planning problem. Tasks are visited in creation order, so a
// cycle is broken at its earliest-created member and the rest of its edges
// survive as an ordinary chain.
func (s *Scheduler) dropCyclesLocked() {
	for _, task := range s.tasks {
		kept := task.DependsOn[:0]
		for _, depID := range task.DependsOn {
			if s.reachesLocked(depID, task.ID, map[string]bool{}) {
				dep := s.byID[depID]
				s.logger.Warn("dropping cyclic dependency",
					slog.String("kind", task.Kind),
					slog.String("tag", dep.Kind))
				continue
			}
			kept = append(kept, depID)
		}
		task.DependsOn = kept
	}
}

// reachesLocked reports whether target is reachable from from along
// dependency edges.
func (s *Scheduler) reachesLocked(from, target string, seen map[string]bool) bool {
	task, ok := s.byID[from]
	if !ok {
		return false
	}
	for _, depID := range task.DependsOn {
		if depID == target {
			return true
		}
		if seen[depID] {
			continue
		}
		seen[depID] = true
		if s.reachesLocked(depID, target, seen) {
			return true
		}
	}
	return false
}

func (s *Scheduler) firstByKindLocked(kind string) *taskgraph.Task {
	for _, task := range s.tasks {
		if task.Kind == kind {
			return task
		}
	}
	return nil
}

// recomputeReadinessLocked promotes pending tasks whose dependencies are all
// completed. A task with a failed or skipped dependency never becomes ready.
func (s *Scheduler) recomputeReadinessLocked() {
	for _, task := range s.tasks {
		if task.Status != taskgraph.StatusPending {
			continue
		}
		ready := true
		for _, depID := range task.DependsOn {
			dep, ok := s.byID[depID]
			if !ok || dep.Status != taskgraph.StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			task.Status = taskgraph.StatusReady
		}
	}
}

func (s *Scheduler) cascadeSkipLocked(rootID string) {
	queue := []string{rootID}
	seen := map[string]bool{rootID: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, task := range s.tasks {
			if seen[task.ID] || !dependsOn(task, current) {
				continue
			}
			seen[task.ID] = true
			if task.Status == taskgraph.StatusPending || task.Status == taskgraph.StatusReady {
				s.logger.Debug("skipping dependent of settled task",
					slog.String("task_id", task.ID),
					slog.String("kind", task.Kind))
				task.Status = taskgraph.StatusSkipped
			}
			queue = append(queue, task.ID)
		}
	}
}

func dependsOn(task *taskgraph.Task, depID string) bool {
	for _, id := range task.DependsOn {
		if id == depID {
			return true
		}
	}
	return false
}
