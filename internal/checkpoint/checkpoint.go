// Package checkpoint persists a durable snapshot of loop state after every
// turn so a crashed run can resume where it left off.
package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	_ "modernc.org/sqlite"
)

// Checkpoint is one snapshot. At most one row is current per (session, run);
// saving supersedes the previous snapshot for that run.
type Checkpoint struct {
	SessionID         string    `json:"session_id"`
	RunID             string    `json:"run_id"`
	Turn              int       `json:"turn"`
	MessagesJSON      string    `json:"messages_json"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
	Timestamp         time.Time `json:"timestamp"`
}

// Store is a SQLite-backed checkpoint store. *sql.DB serializes access, so
// Store is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates the database (and parent directories) if needed and
// initializes the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	schema := `
	PRAGMA journal_mode=WAL;
	PRAGMA synchronous=NORMAL;

	CREATE TABLE IF NOT EXISTS checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		turn INTEGER NOT NULL,
		messages_json TEXT NOT NULL,
		total_input_tokens INTEGER NOT NULL DEFAULT 0,
		total_output_tokens INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cp_session_run
		ON checkpoints(session_id, run_id, turn DESC);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing checkpoint schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Save writes a checkpoint, replacing any earlier snapshot for the same
// session and run. Delete-then-insert inside one transaction keeps the
// write crash-atomic.
func (s *Store) Save(cp Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting checkpoint write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"DELETE FROM checkpoints WHERE session_id = ? AND run_id = ?",
		cp.SessionID, cp.RunID,
	); err != nil {
		return fmt.Errorf("cleaning old checkpoints: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO checkpoints (session_id, run_id, turn, messages_json, total_input_tokens, total_output_tokens, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.SessionID, cp.RunID, cp.Turn, cp.MessagesJSON,
		cp.TotalInputTokens, cp.TotalOutputTokens,
		cp.Timestamp.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return tx.Commit()
}

// LoadLatest returns the most recent checkpoint for a session across all
// runs, or nil when none exists.
func (s *Store) LoadLatest(sessionID string) (*Checkpoint, error) {
	row := s.db.QueryRow(
		`SELECT session_id, run_id, turn, messages_json, total_input_tokens, total_output_tokens, timestamp
		 FROM checkpoints
		 WHERE session_id = ?
		 ORDER BY timestamp DESC
		 LIMIT 1`,
		sessionID,
	)

	var cp Checkpoint
	var ts string
	err := row.Scan(&cp.SessionID, &cp.RunID, &cp.Turn, &cp.MessagesJSON,
		&cp.TotalInputTokens, &cp.TotalOutputTokens, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	cp.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		cp.Timestamp = time.Now().UTC()
	}
	return &cp, nil
}

// Delete removes every checkpoint for a session. Returns the row count.
func (s *Store) Delete(sessionID string) (int64, error) {
	res, err := s.db.Exec("DELETE FROM checkpoints WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// DeleteRun removes one run's checkpoint.
func (s *Store) DeleteRun(sessionID, runID string) (int64, error) {
	res, err := s.db.Exec(
		"DELETE FROM checkpoints WHERE session_id = ? AND run_id = ?",
		sessionID, runID,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting run checkpoint: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarshalMessages serializes a conversation for storage.
func MarshalMessages(messages []llm.Message) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("serializing messages: %w", err)
	}
	return string(data), nil
}

// UnmarshalMessages restores a stored conversation.
func UnmarshalMessages(raw string) ([]llm.Message, error) {
	var messages []llm.Message
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		return nil, fmt.Errorf("deserializing messages: %w", err)
	}
	return messages, nil
}
