package store

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

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    program TEXT,
    pid INTEGER,
    remote_addr TEXT,
    cols INTEGER,
    rows INTEGER,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    end_reason TEXT,
    exit_code INTEGER,
    bytes_in INTEGER DEFAULT 0,
    bytes_out INTEGER DEFAULT 0,
    sync_events INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
`

const sqliteTimeLayout = "2006-01-02 15:04:05"

// SQLiteJournal is a Journal backed by a local SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the journal database under dataDir.
func OpenSQLite(dataDir string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sessions.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// SessionStarted records a new session and queues a session_start event.
func (j *SQLiteJournal) SessionStarted(ctx context.Context, rec SessionRecord) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, mode, program, pid, remote_addr, cols, rows, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Mode, rec.Program, rec.PID, rec.RemoteAddr, rec.Cols, rec.Rows, rec.StartedAt.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to log session start: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, type, payload) VALUES (?, ?, ?)`,
		rec.ID, EventSessionStart, string(startPayload(rec))); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncReceived counts a state marker and queues a sync event.
func (j *SQLiteJournal) SyncReceived(ctx context.Context, sessionID string, payload json.RawMessage) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET sync_events = sync_events + 1 WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to count sync: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, type, payload) VALUES (?, ?, ?)`,
		sessionID, EventSync, string(syncPayload(sessionID, payload))); err != nil {
		return err
	}
	return tx.Commit()
}

// SessionEnded stores the final counters and queues a session_end event.
func (j *SQLiteJournal) SessionEnded(ctx context.Context, sessionID string, stats SessionStats) error {
	ended := stats.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exitCode sql.NullInt64
	if stats.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*stats.ExitCode), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ?, exit_code = ?, bytes_in = ?, bytes_out = ?, sync_events = ? WHERE id = ?`,
		ended.UTC().Format(sqliteTimeLayout), stats.EndReason, exitCode, stats.BytesIn, stats.BytesOut, stats.SyncEvents, sessionID)
	if err != nil {
		return fmt.Errorf("failed to log session end: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, type, payload) VALUES (?, ?, ?)`,
		sessionID, EventSessionEnd, string(endPayload(sessionID, stats))); err != nil {
		return err
	}
	return tx.Commit()
}

// RecentSessions returns the most recently started sessions, newest first.
func (j *SQLiteJournal) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, mode, program, pid, remote_addr, started_at, ended_at, end_reason, exit_code, bytes_in, bytes_out, sync_events
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			s        SessionSummary
			program  sql.NullString
			remote   sql.NullString
			pid      sql.NullInt64
			started  string
			ended    sql.NullString
			reason   sql.NullString
			exitCode sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Mode, &program, &pid, &remote, &started, &ended, &reason, &exitCode,
			&s.BytesIn, &s.BytesOut, &s.SyncEvents); err != nil {
			return nil, err
		}
		s.Program = program.String
		s.RemoteAddr = remote.String
		s.PID = int(pid.Int64)
		s.EndReason = reason.String
		s.StartedAt, _ = time.Parse(sqliteTimeLayout, started)
		if ended.Valid {
			t, _ := time.Parse(sqliteTimeLayout, ended.String)
			s.EndedAt = &t
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			s.ExitCode = &code
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UnsyncedEvents returns events that haven't been published yet, oldest first.
func (j *SQLiteJournal) UnsyncedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, session_id, type, payload, created_at FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &created); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		e.CreatedAt, _ = time.Parse(sqliteTimeLayout, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkSynced marks the given event IDs as published.
func (j *SQLiteJournal) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
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
