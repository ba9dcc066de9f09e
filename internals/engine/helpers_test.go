package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internals/scheduler"
	"github.com/loomworks/loom/internals/taskgraph"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

type genCall struct {
	Kind        string
	Instruction string
	Temperature float64
}

// fakeGenerator returns "<kind> draft <n>" per call. errKinds fails calls for
// a kind; gate, when set, blocks each call until a value is received.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    []genCall
	errKinds map[string]error
	gate     chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, instruction, kind string, sampling Sampling) (Generation, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return Generation{}, ctx.Err()
		}
	}
	g.mu.Lock()
	g.calls = append(g.calls, genCall{Kind: kind, Instruction: instruction, Temperature: sampling.Temperature})
	n := len(g.calls)
	err := g.errKinds[kind]
	g.mu.Unlock()
	if err != nil {
		return Generation{}, err
	}
	return Generation{
		Text:     fmt.Sprintf("%s draft %d", kind, n),
		Provider: "fake",
		Usage:    Usage{PromptTokens: 10, CompletionTokens: 20, Cost: 0.01},
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) call(i int) genCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[i]
}

// fakeJudge consumes scripted scores; once the script is exhausted every
// evaluation passes with 0.9. Scores below 0.7 fail.
type fakeJudge struct {
	mu     sync.Mutex
	scores []float64
	calls  int
	err    error
}

func (j *fakeJudge) Evaluate(ctx context.Context, kind, text, contextText string, goal scheduler.Goal) (Evaluation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if j.err != nil {
		return Evaluation{}, j.err
	}
	score := 0.9
	if len(j.scores) > 0 {
		score = j.scores[0]
		j.scores = j.scores[1:]
	}
	eval := Evaluation{Score: score, Passed: score >= 0.7}
	if !eval.Passed {
		eval.Issues = []string{fmt.Sprintf("score %.1f below bar", score)}
	}
	return eval, nil
}

type memoryEntry struct {
	Kind string
	Unit int
	Text string
}

type fakeMemory struct {
	mu      sync.Mutex
	entries []memoryEntry
	err     error
}

func (m *fakeMemory) Retrieve(ctx context.Context, kind string, unit, topK int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	out := ""
	for _, entry := range m.entries {
		out += entry.Text + "\n"
	}
	return out, nil
}

func (m *fakeMemory) Store(ctx context.Context, kind string, unit int, text string, meta map[string]string, eval Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, memoryEntry{Kind: kind, Unit: unit, Text: text})
	return nil
}

func (m *fakeMemory) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]taskgraph.Task
	sessions  map[string]string
	snapshots map[string]Snapshot
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[string]taskgraph.Task),
		sessions:  make(map[string]string),
		snapshots: make(map[string]Snapshot),
	}
}

func (s *fakeStore) SaveTask(ctx context.Context, sessionID string, task *taskgraph.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.tasks[task.ID] = *task
	return nil
}

func (s *fakeStore) UpdateSessionStatus(ctx context.Context, sessionID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = status
	return nil
}

func (s *fakeStore) SaveEngineSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.SessionID] = snap
	return nil
}

func (s *fakeStore) LoadEngineSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.snapshots[sessionID]; ok {
		return &snap, nil
	}
	return nil, nil
}

func (s *fakeStore) ListResumableSessions(ctx context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for _, snap := range s.snapshots {
		if snap.Resumable {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *fakeStore) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func catalogOf(t *testing.T, defs ...taskgraph.Definition) *taskgraph.Catalog {
	t.Helper()
	c := taskgraph.NewCatalog()
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			t.Fatalf("register %s: %v", def.Kind, err)
		}
	}
	return c
}

type testRig struct {
	engine *Engine
	sched  *scheduler.Scheduler
	gen    *fakeGenerator
	judge  *fakeJudge
	memory *fakeMemory
	store  *fakeStore
}

func newTestRig(t *testing.T, catalog *taskgraph.Catalog, cfg Config) *testRig {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	rig := &testRig{
		sched:  scheduler.New(catalog, testLogger()),
		gen:    &fakeGenerator{},
		judge:  &fakeJudge{},
		memory: &fakeMemory{},
		store:  newFakeStore(),
	}
	rig.engine = New("test-session", cfg, Deps{
		Scheduler: rig.sched,
		Generator: rig.gen,
		Judge:     rig.judge,
		Memory:    rig.memory,
		Store:     rig.store,
		Logger:    testLogger(),
	})
	return rig
}

// runAsync starts the engine and returns a channel that delivers the result.
func (r *testRig) runAsync(goal scheduler.Goal, units int) <-chan ExecutionResult {
	done := make(chan ExecutionResult, 1)
	go func() {
		done <- r.engine.Run(context.Background(), goal, units)
	}()
	return done
}

func awaitResult(t *testing.T, done <-chan ExecutionResult) ExecutionResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for run to finish")
		return ExecutionResult{}
	}
}
