package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// LocalState remembers the active session id across process restarts.
// Load returns "" when no session is recorded.
type LocalState interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, sessionID string) error
	Clear(ctx context.Context) error
}

// SQLiteLocalState keeps the active session id in a one-row SQLite table
type SQLiteLocalState struct {
	db *sql.DB
}

// NewSQLiteLocalState opens the database at dbPath and creates the table if needed
func NewSQLiteLocalState(dbPath string) (*SQLiteLocalState, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS active_session (
		slot INTEGER PRIMARY KEY CHECK (slot = 1),
		session_id TEXT NOT NULL,
		saved_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	return &SQLiteLocalState{db: db}, nil
}

func (s *SQLiteLocalState) Load(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM active_session WHERE slot = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load active session: %w", err)
	}
	return id, nil
}

func (s *SQLiteLocalState) Save(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_session (slot, session_id, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET session_id = excluded.session_id, saved_at = excluded.saved_at`,
		sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save active session: %w", err)
	}
	return nil
}

func (s *SQLiteLocalState) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM active_session`); err != nil {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteLocalState) Close() error {
	return s.db.Close()
}

// MemoryLocalState is a LocalState that lives only as long as the process
type MemoryLocalState struct {
	mu sync.Mutex
	id string
}

func (m *MemoryLocalState) Load(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *MemoryLocalState) Save(_ context.Context, sessionID string) error {
	m.mu.Lock()
	m.id = sessionID
	m.mu.Unlock()
	return nil
}

func (m *MemoryLocalState) Clear(context.Context) error {
	m.mu.Lock()
	m.id = ""
	m.mu.Unlock()
	return nil
}
