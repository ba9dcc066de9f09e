package core

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/loomworks/loom/internals/engine"
	"github.com/loomworks/loom/internals/taskgraph"
	"github.com/loomworks/loom/internals/testutil"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(testutil.TempDataDir(t))
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreSaveTaskUpsert(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	task := taskgraph.New("chapter", "Write one chapter")
	task.Unit = 2
	task.Status = taskgraph.StatusRunning
	if err := store.SaveTask(ctx, "s1", task); err != nil {
		t.Fatalf("save: %v", err)
	}

	task.Status = taskgraph.StatusCompleted
	task.Result = "the chapter text"
	task.Score = 0.82
	task.CompletedAt = time.Now().UTC()
	if err := store.SaveTask(ctx, "s1", task); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	work, err := store.CompletedWork(ctx, "s1")
	if err != nil {
		t.Fatalf("completed work: %v", err)
	}
	if len(work) != 1 {
		t.Fatalf("expected 1 completed task, got %d", len(work))
	}
	if work[0].Kind != "chapter" || work[0].Unit != 2 || work[0].Result != "the chapter text" {
		t.Fatalf("unexpected work: %+v", work[0])
	}
}

func TestStoreCompletedWorkFiltersBySessionAndStatus(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	done := taskgraph.New("premise", "done one")
	done.Status = taskgraph.StatusCompleted
	done.Result = "ok"
	done.CompletedAt = time.Now().UTC()
	if err := store.SaveTask(ctx, "s1", done); err != nil {
		t.Fatalf("save: %v", err)
	}

	failed := taskgraph.New("outline", "failed one")
	failed.Status = taskgraph.StatusFailed
	if err := store.SaveTask(ctx, "s1", failed); err != nil {
		t.Fatalf("save: %v", err)
	}

	other := taskgraph.New("premise", "other session")
	other.Status = taskgraph.StatusCompleted
	other.Result = "other"
	other.CompletedAt = time.Now().UTC()
	if err := store.SaveTask(ctx, "s2", other); err != nil {
		t.Fatalf("save: %v", err)
	}

	work, err := store.CompletedWork(ctx, "s1")
	if err != nil {
		t.Fatalf("completed work: %v", err)
	}
	if len(work) != 1 || work[0].Kind != "premise" {
		t.Fatalf("unexpected work: %+v", work)
	}
}

func TestStoreSessionStatusUpsert(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	if err := store.CreateSession(ctx, "s1", "My Book"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, "s1", "running", ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.UpdateSessionStatus(ctx, "s1", "failed", "generator unreachable"); err != nil {
		t.Fatalf("update: %v", err)
	}
	// updating an unknown session inserts it, matching crash recovery where
	// the snapshot may outlive the session row
	if err := store.UpdateSessionStatus(ctx, "ghost", "stopped", ""); err != nil {
		t.Fatalf("update ghost: %v", err)
	}
}

func TestStoreSnapshotRoundtrip(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	cursor := 4
	snap := engine.Snapshot{
		SessionID:      "s1",
		Status:         "running",
		Stats:          taskgraph.Stats{Total: 6, Completed: 4, Retried: 2, GeneratorCalls: 6, Cost: 0.12},
		Resumable:      true,
		LastTaskCursor: &cursor,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := store.SaveEngineSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.LoadEngineSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected snapshot")
	}
	if loaded.Status != "running" || !loaded.Resumable {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
	if loaded.Stats.Completed != 4 || loaded.Stats.Retried != 2 {
		t.Fatalf("unexpected stats: %+v", loaded.Stats)
	}
	if loaded.LastTaskCursor == nil || *loaded.LastTaskCursor != 4 {
		t.Fatalf("unexpected cursor: %+v", loaded.LastTaskCursor)
	}

	// upsert flips resumable
	snap.Resumable = false
	snap.Status = "completed"
	if err := store.SaveEngineSnapshot(ctx, snap); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	loaded, err = store.LoadEngineSnapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Resumable || loaded.Status != "completed" {
		t.Fatalf("expected demoted snapshot, got %+v", loaded)
	}

	missing, err := store.LoadEngineSnapshot(ctx, "nope")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown session, got %+v", missing)
	}
}

func TestStoreListResumableSessions(t *testing.T) {
	store := NewStore(openTestDB(t))
	ctx := context.Background()

	for _, snap := range []engine.Snapshot{
		{SessionID: "crashed", Status: "running", Resumable: true, UpdatedAt: time.Now().UTC()},
		{SessionID: "stopped", Status: "stopped", Resumable: true, UpdatedAt: time.Now().UTC().Add(time.Second)},
		{SessionID: "finished", Status: "completed", Resumable: false, UpdatedAt: time.Now().UTC()},
	} {
		if err := store.SaveEngineSnapshot(ctx, snap); err != nil {
			t.Fatalf("save %s: %v", snap.SessionID, err)
		}
	}

	snaps, err := store.ListResumableSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 resumable sessions, got %d", len(snaps))
	}
	// newest first
	if snaps[0].SessionID != "stopped" || snaps[1].SessionID != "crashed" {
		t.Fatalf("unexpected order: %s, %s", snaps[0].SessionID, snaps[1].SessionID)
	}
}
