// Package usage records per-turn accounting rows in SQLite. Recording is
// best-effort: a failed insert is logged and never surfaces into the turn.
package usage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	provider    TEXT NOT NULL,
	model       TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	fragments   INTEGER NOT NULL,
	error_kind  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
`

// Turn is one recorded generation turn.
type Turn struct {
	SessionID string
	Provider  string
	Model     string
	Duration  time.Duration
	Fragments int
	ErrorKind string
}

// Recorder writes turn rows. A nil *Recorder is valid and records nothing,
// which is how the relay runs when no usage database is configured.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the sqlite database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create usage directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open usage database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping usage database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply usage schema: %w", err)
	}

	return &Recorder{db: db, logger: logger.With("component", "usage")}, nil
}

// Record inserts one turn row. Safe on a nil receiver.
func (r *Recorder) Record(t Turn) {
	if r == nil {
		return
	}
	_, err := r.db.Exec(
		"INSERT INTO turns (session_id, provider, model, duration_ms, fragments, error_kind) VALUES (?, ?, ?, ?, ?, ?)",
		t.SessionID, t.Provider, t.Model, t.Duration.Milliseconds(), t.Fragments, t.ErrorKind,
	)
	if err != nil {
		r.logger.Warn("failed to record turn", "session_id", t.SessionID, "error", err)
	}
}

// SessionTurns returns the number of recorded turns for a session.
func (r *Recorder) SessionTurns(sessionID string) (int, error) {
	if r == nil {
		return 0, nil
	}
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM turns WHERE session_id = ?", sessionID).Scan(&n)
	return n, err
}

// Close releases the database handle. Safe on a nil receiver.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}
