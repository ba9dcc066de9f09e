package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internals/engine"
)

// MemoryStore persists accepted task output as retrievable context. One
// instance serves the whole daemon; ForSession scopes it to a session.
type MemoryStore struct {
	db *sql.DB
}

func NewMemoryStore(db *sql.DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// ForSession returns an engine.Memory bound to one session id.
func (m *MemoryStore) ForSession(sessionID string) engine.Memory {
	return &sessionMemory{db: m.db, sessionID: sessionID}
}

type sessionMemory struct {
	db        *sql.DB
	sessionID string
}

// Retrieve returns up to topK stored entries joined into one context blob.
// Same-kind entries come first, newest first, so a chapter task sees the
// preceding chapters before foundation material.
func (m *sessionMemory) Retrieve(ctx context.Context, kind string, unit, topK int) (string, error) {
	if topK <= 0 {
		return "", nil
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT kind, unit, content FROM memories
		WHERE session_id = ?
		ORDER BY (kind = ?) DESC, id DESC
		LIMIT ?
	`, m.sessionID, kind, topK)
	if err != nil {
		return "", fmt.Errorf("retrieve memories: %w", err)
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var entryKind, content string
		var entryUnit int
		if err := rows.Scan(&entryKind, &entryUnit, &content); err != nil {
			return "", fmt.Errorf("scan memory: %w", err)
		}
		label := entryKind
		if entryUnit > 0 {
			label = fmt.Sprintf("%s %d", entryKind, entryUnit)
		}
		parts = append(parts, fmt.Sprintf("[%s]\n%s", label, content))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.Join(parts, "\n\n"), nil
}

func (m *sessionMemory) Store(ctx context.Context, kind string, unit int, text string, meta map[string]string, eval engine.Evaluation) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO memories (session_id, kind, unit, content, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.sessionID, kind, unit, text, eval.Score, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}
