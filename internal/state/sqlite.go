package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore backs the thread-keyed contract with a single key/value
// table in an embedded SQLite database. Payloads are validated against the
// thread-state schema on both write and read.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite-backed store.
type SQLiteConfig struct {
	Path string // database file path; ":memory:" for ephemeral runs
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The driver serializes access per connection; a single connection
	// avoids SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_states (
			thread_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create thread_states table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_thread_states_conversation ON thread_states(conversation_id)`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, sc Context) (*ThreadState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM thread_states WHERE thread_id = ?`, sc.ThreadID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read thread state: %w", err)
	}

	if err := validatePayload([]byte(payload)); err != nil {
		return nil, fmt.Errorf("thread %s: %w", sc.ThreadID, err)
	}

	var st ThreadState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("failed to decode thread state: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) Set(ctx context.Context, sc Context, st *ThreadState) error {
	clone := cloneState(st)
	clone.ThreadID = sc.ThreadID
	if clone.ConversationID == "" {
		clone.ConversationID = sc.ConversationID
	}
	clone.UpdatedAt = time.Now()

	payload, err := json.Marshal(clone)
	if err != nil {
		return fmt.Errorf("failed to encode thread state: %w", err)
	}
	if err := validatePayload(payload); err != nil {
		return fmt.Errorf("thread %s: %w", sc.ThreadID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_states (thread_id, conversation_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, sc.ThreadID, clone.ConversationID, string(payload), clone.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to write thread state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_states WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete thread states: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_states`)
	if err != nil {
		return fmt.Errorf("failed to clear thread states: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveStreaming(ctx context.Context, threadID string, partial string, meta Meta) error {
	return s.updateStreaming(ctx, threadID, partial, meta, false)
}

func (s *SQLiteStore) CompleteStreaming(ctx context.Context, threadID string, final string, meta Meta) error {
	return s.updateStreaming(ctx, threadID, final, meta, true)
}

func (s *SQLiteStore) updateStreaming(ctx context.Context, threadID, content string, meta Meta, completed bool) error {
	sc := Context{ThreadID: threadID, ConversationID: meta.ConversationID}

	st, err := s.Get(ctx, sc)
	if err != nil {
		return err
	}
	if st == nil {
		st = &ThreadState{ThreadID: threadID, ConversationID: meta.ConversationID}
	}

	st.Streaming = !completed
	st.Completed = completed
	st.Errored = false
	st.Checkpoint = checkpointFor(threadID, content, meta, completed)

	return s.Set(ctx, sc, st)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
