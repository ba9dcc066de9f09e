// Package registry is the process-wide directory of live engines, keyed by
// session id. It is the only state shared across sessions and the only place
// that needs mutual exclusion between them.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/internals/engine"
)

var ErrSessionExists = errors.New("registry: session already registered")

const DefaultSweepInterval = 30 * time.Second

type Registry struct {
	logger        *slog.Logger
	store         engine.Persistence
	sweepInterval time.Duration

	mu      sync.Mutex
	engines map[string]*engine.Engine

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store engine.Persistence, logger *slog.Logger, sweepInterval time.Duration) *Registry {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Registry{
		logger:        logger,
		store:         store,
		sweepInterval: sweepInterval,
		engines:       make(map[string]*engine.Engine),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background sweep that garbage-collects terminal
// engines. GC is lazy so a status query right after completion still sees
// the engine.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Register binds an engine to its session id and persists an initial
// snapshot. At most one live engine may exist per session id.
func (r *Registry) Register(ctx context.Context, e *engine.Engine) error {
	r.mu.Lock()
	if _, exists := r.engines[e.ID()]; exists {
		r.mu.Unlock()
		return ErrSessionExists
	}
	r.engines[e.ID()] = e
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveEngineSnapshot(ctx, e.Snapshot()); err != nil {
			r.logger.Error("failed to persist snapshot on register",
				slog.String("session_id", e.ID()),
				slog.String("error", err.Error()))
		}
	}
	r.logger.Info("engine registered", slog.String("session_id", e.ID()))
	return nil
}

func (r *Registry) Get(sessionID string) *engine.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[sessionID]
}

// Unregister removes an engine; removing an unknown id is a no-op.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, sessionID)
}

func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	return ids
}

// Pause, Resume and Stop delegate to the engine and report success. They
// return false, with no side effects, for unknown sessions or incompatible
// engine states; callers must check the result rather than expect an error.

func (r *Registry) Pause(sessionID string) bool {
	if e := r.Get(sessionID); e != nil {
		return e.Pause()
	}
	return false
}

func (r *Registry) Resume(sessionID string) bool {
	if e := r.Get(sessionID); e != nil {
		return e.Resume()
	}
	return false
}

func (r *Registry) Stop(sessionID string) bool {
	if e := r.Get(sessionID); e != nil {
		return e.Stop()
	}
	return false
}

// RecoverSnapshots is called once at process start. Every snapshot still
// flagged resumable belongs to a run that did not finish cleanly; each is
// demoted to non-resumable and returned so the operator can resume
// explicitly. Auto-resume is unsafe: the task graph cannot be reconstructed
// deterministically without replaying planning.
func (r *Registry) RecoverSnapshots(ctx context.Context) ([]engine.Snapshot, error) {
	if r.store == nil {
		return nil, nil
	}
	snaps, err := r.store.ListResumableSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		demoted := snap
		demoted.Resumable = false
		demoted.UpdatedAt = time.Now().UTC()
		if err := r.store.SaveEngineSnapshot(ctx, demoted); err != nil {
			r.logger.Error("failed to demote snapshot",
				slog.String("session_id", snap.SessionID),
				slog.String("error", err.Error()))
		}
	}
	if len(snaps) > 0 {
		r.logger.Info("found interrupted sessions awaiting explicit resume", slog.Int("count", len(snaps)))
	}
	return snaps, nil
}

func (r *Registry) sweep() {
	r.mu.Lock()
	var terminal []string
	for id, e := range r.engines {
		if e.Status().Terminal() {
			terminal = append(terminal, id)
		}
	}
	for _, id := range terminal {
		delete(r.engines, id)
	}
	r.mu.Unlock()

	for _, id := range terminal {
		r.logger.Debug("swept terminal engine", slog.String("session_id", id))
	}
}
