package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/internals/engine"
	"github.com/loomworks/loom/internals/scheduler"
	"github.com/loomworks/loom/internals/taskgraph"
)

// Store is the sqlite-backed engine.Persistence implementation shared by all
// sessions of the daemon.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateSession(ctx context.Context, sessionID, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, created_at, updated_at)
		VALUES (?, ?, 'idle', ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, updated_at = excluded.updated_at
	`, sessionID, title, now, now)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, sessionID string, task *taskgraph.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, session_id, kind, unit, status, result, error, provider,
			instruction, selection, score, quality_failed, failed_attempts,
			prompt_tokens, completion_tokens, cost, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			error = excluded.error,
			provider = excluded.provider,
			instruction = excluded.instruction,
			selection = excluded.selection,
			score = excluded.score,
			quality_failed = excluded.quality_failed,
			failed_attempts = excluded.failed_attempts,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			cost = excluded.cost,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		task.ID, sessionID, task.Kind, task.Unit, string(task.Status),
		task.Result, task.Error, task.Provider, task.Instruction, task.Selection,
		task.Score, boolToInt(task.QualityFailed), task.FailedAttempts,
		task.PromptTokens, task.CompletionTokens, task.Cost,
		formatTime(task.CreatedAt), formatTime(task.StartedAt), formatTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, sessionID, status, errMsg, now, now)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) SaveEngineSnapshot(ctx context.Context, snap engine.Snapshot) error {
	statsJSON, err := json.Marshal(snap.Stats)
	if err != nil {
		return fmt.Errorf("marshal snapshot stats: %w", err)
	}
	var cursor any
	if snap.LastTaskCursor != nil {
		cursor = *snap.LastTaskCursor
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, status, stats_json, resumable, last_task_cursor, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			stats_json = excluded.stats_json,
			resumable = excluded.resumable,
			last_task_cursor = excluded.last_task_cursor,
			updated_at = excluded.updated_at
	`, snap.SessionID, snap.Status, string(statsJSON), boolToInt(snap.Resumable),
		cursor, snap.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.SessionID, err)
	}
	return nil
}

func (s *Store) LoadEngineSnapshot(ctx context.Context, sessionID string) (*engine.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, stats_json, resumable, last_task_cursor, updated_at
		FROM snapshots WHERE session_id = ?
	`, sessionID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sessionID, err)
	}
	return snap, nil
}

func (s *Store) ListResumableSessions(ctx context.Context) ([]engine.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, status, stats_json, resumable, last_task_cursor, updated_at
		FROM snapshots WHERE resumable = 1 ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list resumable sessions: %w", err)
	}
	defer rows.Close()

	var snaps []engine.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// CompletedWork returns the persisted completed tasks of a session, the seed
// for resuming a run in a fresh engine.
func (s *Store) CompletedWork(ctx context.Context, sessionID string) ([]scheduler.CompletedWork, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, unit, result FROM tasks
		WHERE session_id = ? AND status = 'completed'
		ORDER BY completed_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load completed work %s: %w", sessionID, err)
	}
	defer rows.Close()

	var work []scheduler.CompletedWork
	for rows.Next() {
		var w scheduler.CompletedWork
		var result sql.NullString
		if err := rows.Scan(&w.Kind, &w.Unit, &result); err != nil {
			return nil, fmt.Errorf("scan completed work: %w", err)
		}
		w.Result = result.String
		work = append(work, w)
	}
	return work, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*engine.Snapshot, error) {
	var snap engine.Snapshot
	var statsJSON string
	var resumable int
	var cursor sql.NullInt64
	var updatedAt string
	err := row.Scan(&snap.SessionID, &snap.Status, &statsJSON, &resumable, &cursor, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(statsJSON), &snap.Stats); err != nil {
		return nil, err
	}
	snap.Resumable = resumable != 0
	if cursor.Valid {
		c := int(cursor.Int64)
		snap.LastTaskCursor = &c
	}
	snap.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
