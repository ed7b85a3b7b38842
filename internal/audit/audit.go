// Package audit provides an append-only record of session lifecycle
// events. Unlike the teacher's SQLiteStore, which persisted a session's
// live state so it could be reloaded and resurrected, this log is
// write-mostly: it exists for operators to answer "what happened to
// client X", never to reconstruct a Session. Nothing in the gateway reads
// it back into a live Session.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/jmylchreest/browserhost/internal/logging"
)

// Event names recorded by Log.
const (
	EventCreated    = "created"
	EventRecovered  = "recovered"
	EventTerminated = "terminated"
)

// Log is an append-only store of session lifecycle events, backed by
// SQLite in WAL mode the same way the teacher's session store was.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the audit database at path and runs
// its migration. path may be ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Log, error) {
	var connStr string
	if path == ":memory:" {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
	} else {
		dir := filepath.Dir(path)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("audit: create directory: %w", err)
			}
		}
		connStr = path + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Log{db: db, logger: logger}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id TEXT NOT NULL,
		event TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_client_id ON session_events(client_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record appends a lifecycle event. Failures are logged, never returned:
// a broken audit trail must never block a session operation.
func (l *Log) Record(clientID, event, reason string) {
	_, err := l.db.Exec(
		`INSERT INTO session_events (client_id, event, reason, occurred_at) VALUES (?, ?, ?, ?)`,
		clientID, event, reason, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		logging.FromContext(logging.WithClientID(context.Background(), clientID), l.logger).Error("audit: failed to record event", "event", event, "error", err)
	}
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
