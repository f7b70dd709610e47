// Package audit keeps a local SQLite record of terminal sessions and an
// outbox of events waiting to be published.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS pty_sessions (
    id TEXT PRIMARY KEY,
    subject TEXT NOT NULL,
    remote_addr TEXT,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    end_reason TEXT,
    cols INTEGER NOT NULL DEFAULT 0,
    rows INTEGER NOT NULL DEFAULT 0,
    bytes_in INTEGER NOT NULL DEFAULT 0,
    bytes_out INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_pty_sessions_started ON pty_sessions(started_at);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    payload TEXT,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
`

// Event types written to the outbox.
const (
	EventTerminalStart   = "terminal_start"
	EventTerminalEnd     = "terminal_end"
	EventTerminalDenied  = "terminal_denied"
	EventLogin           = "login"
	EventLoginFailed     = "login_failed"
	EventSetupComplete   = "setup_complete"
	EventSettingsChanged = "settings_changed"
)

// Fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Log is the audit database.
type Log struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the audit database at path.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &Log{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

// SessionStart describes a session that just became active.
type SessionStart struct {
	ID         string
	Subject    string
	RemoteAddr string
	StartedAt  time.Time
	Cols       uint16
	Rows       uint16
}

// SessionEnd describes how a session finished.
type SessionEnd struct {
	ID       string
	Reason   string
	BytesIn  int64
	BytesOut int64
	Cols     uint16
	Rows     uint16
}

// Session is one row of terminal history. Only metadata is kept.
type Session struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	Cols       uint16     `json:"cols"`
	Rows       uint16     `json:"rows"`
	BytesIn    int64      `json:"bytes_in"`
	BytesOut   int64      `json:"bytes_out"`
}

// LogSessionStart records a session start and queues a terminal_start event.
func (l *Log) LogSessionStart(ctx context.Context, s SessionStart) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pty_sessions (id, subject, remote_addr, started_at, cols, rows) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Subject, s.RemoteAddr, s.StartedAt.UTC().Format(timeLayout), s.Cols, s.Rows)
	if err != nil {
		return fmt.Errorf("failed to log session start: %w", err)
	}
	if err := l.insertEvent(ctx, tx, EventTerminalStart, map[string]interface{}{
		"session_id":  s.ID,
		"subject":     s.Subject,
		"remote_addr": s.RemoteAddr,
		"cols":        s.Cols,
		"rows":        s.Rows,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// LogSessionEnd records a session end and queues a terminal_end event.
func (l *Log) LogSessionEnd(ctx context.Context, e SessionEnd) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE pty_sessions SET ended_at = ?, end_reason = ?, bytes_in = ?, bytes_out = ?, cols = ?, rows = ? WHERE id = ?`,
		l.now().UTC().Format(timeLayout), e.Reason, e.BytesIn, e.BytesOut, e.Cols, e.Rows, e.ID)
	if err != nil {
		return fmt.Errorf("failed to log session end: %w", err)
	}
	if err := l.insertEvent(ctx, tx, EventTerminalEnd, map[string]interface{}{
		"session_id": e.ID,
		"reason":     e.Reason,
		"bytes_in":   e.BytesIn,
		"bytes_out":  e.BytesOut,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// LogEvent queues a generic event.
func (l *Log) LogEvent(ctx context.Context, eventType string, payload interface{}) error {
	return l.insertEvent(ctx, l.db, eventType, payload)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (l *Log) insertEvent(ctx context.Context, ex execer, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO events (type, payload, created_at) VALUES (?, ?, ?)`,
		eventType, string(data), l.now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to queue %s event: %w", eventType, err)
	}
	return nil
}

// History returns the most recent sessions, newest first.
func (l *Log) History(ctx context.Context, limit int) ([]Session, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, subject, COALESCE(remote_addr, ''), started_at, ended_at, COALESCE(end_reason, ''), cols, rows, bytes_in, bytes_out
		 FROM pty_sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			s         Session
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&s.ID, &s.Subject, &s.RemoteAddr, &startedAt, &endedAt, &s.EndReason,
			&s.Cols, &s.Rows, &s.BytesIn, &s.BytesOut); err != nil {
			return nil, err
		}
		if s.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
			return nil, fmt.Errorf("session %s: bad started_at: %w", s.ID, err)
		}
		if endedAt.Valid {
			t, err := time.Parse(timeLayout, endedAt.String)
			if err != nil {
				return nil, fmt.Errorf("session %s: bad ended_at: %w", s.ID, err)
			}
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Event represents an unsynced event.
type Event struct {
	ID        int64
	Type      string
	Payload   string
	CreatedAt time.Time
}

// UnsyncedEvents returns events that haven't been published yet, oldest first.
func (l *Log) UnsyncedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventsSynced marks the given event IDs as published.
func (l *Log) MarkEventsSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
