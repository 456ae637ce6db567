package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bridge_sessions (
    id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    program TEXT,
    pid INT,
    remote_addr TEXT,
    cols INT,
    rows INT,
    started_at TIMESTAMPTZ NOT NULL,
    ended_at TIMESTAMPTZ,
    end_reason TEXT,
    exit_code INT,
    bytes_in BIGINT NOT NULL DEFAULT 0,
    bytes_out BIGINT NOT NULL DEFAULT 0,
    sync_events BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS bridge_events (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload JSONB,
    synced BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bridge_events_unsynced ON bridge_events(id) WHERE NOT synced;
`

// PostgresJournal is a Journal backed by a shared PostgreSQL database, for
// deployments running several bridge instances.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresJournal, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

// Close closes the connection pool.
func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

func (j *PostgresJournal) SessionStarted(ctx context.Context, rec SessionRecord) error {
	return pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO bridge_sessions (id, mode, program, pid, remote_addr, cols, rows, started_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rec.ID, rec.Mode, rec.Program, rec.PID, rec.RemoteAddr, rec.Cols, rec.Rows, rec.StartedAt)
		if err != nil {
			return fmt.Errorf("failed to log session start: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO bridge_events (session_id, type, payload) VALUES ($1, $2, $3)`,
			rec.ID, EventSessionStart, startPayload(rec))
		return err
	})
}

func (j *PostgresJournal) SyncReceived(ctx context.Context, sessionID string, payload json.RawMessage) error {
	return pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE bridge_sessions SET sync_events = sync_events + 1 WHERE id = $1`, sessionID); err != nil {
			return fmt.Errorf("failed to count sync: %w", err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO bridge_events (session_id, type, payload) VALUES ($1, $2, $3)`,
			sessionID, EventSync, syncPayload(sessionID, payload))
		return err
	})
}

func (j *PostgresJournal) SessionEnded(ctx context.Context, sessionID string, stats SessionStats) error {
	ended := stats.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	return pgx.BeginFunc(ctx, j.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE bridge_sessions
			 SET ended_at = $1, end_reason = $2, exit_code = $3, bytes_in = $4, bytes_out = $5, sync_events = $6
			 WHERE id = $7`,
			ended, stats.EndReason, stats.ExitCode, stats.BytesIn, stats.BytesOut, stats.SyncEvents, sessionID)
		if err != nil {
			return fmt.Errorf("failed to log session end: %w", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO bridge_events (session_id, type, payload) VALUES ($1, $2, $3)`,
			sessionID, EventSessionEnd, endPayload(sessionID, stats))
		return err
	})
}

func (j *PostgresJournal) RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, mode, COALESCE(program, ''), COALESCE(pid, 0), COALESCE(remote_addr, ''), started_at,
		        ended_at, COALESCE(end_reason, ''), exit_code, bytes_in, bytes_out, sync_events
		 FROM bridge_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.Mode, &s.Program, &s.PID, &s.RemoteAddr, &s.StartedAt,
			&s.EndedAt, &s.EndReason, &s.ExitCode, &s.BytesIn, &s.BytesOut, &s.SyncEvents); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (j *PostgresJournal) UnsyncedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, session_id, type, payload, created_at FROM bridge_events WHERE NOT synced ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (j *PostgresJournal) MarkSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := j.pool.Exec(ctx, `UPDATE bridge_events SET synced = true WHERE id = ANY($1)`, ids)
	return err
}
