// Package store records bridge session history and keeps an outbox of
// lifecycle events for the NATS publisher.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Event types written to the outbox.
const (
	EventSessionStart = "session_start"
	EventSync         = "sync"
	EventSessionEnd   = "session_end"
)

// SessionRecord describes a session at spawn time.
type SessionRecord struct {
	ID         string
	Mode       string
	Program    string
	PID        int
	Cols       int
	Rows       int
	RemoteAddr string
	StartedAt  time.Time
}

// SessionStats is recorded when a session ends.
type SessionStats struct {
	BytesIn    int64
	BytesOut   int64
	SyncEvents int64
	ExitCode   *int // nil when the process was never reaped by the session
	EndReason  string
	EndedAt    time.Time
}

// SessionSummary is one row of session history.
type SessionSummary struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	Program    string     `json:"program"`
	PID        int        `json:"pid"`
	RemoteAddr string     `json:"remoteAddr,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	EndReason  string     `json:"endReason,omitempty"`
	ExitCode   *int       `json:"exitCode,omitempty"`
	BytesIn    int64      `json:"bytesIn"`
	BytesOut   int64      `json:"bytesOut"`
	SyncEvents int64      `json:"syncEvents"`
}

// Event is an outbox entry not yet published.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Journal persists session lifecycle data. Implementations must be safe for
// concurrent use by many sessions.
type Journal interface {
	SessionStarted(ctx context.Context, rec SessionRecord) error
	SyncReceived(ctx context.Context, sessionID string, payload json.RawMessage) error
	SessionEnded(ctx context.Context, sessionID string, stats SessionStats) error
	RecentSessions(ctx context.Context, limit int) ([]SessionSummary, error)

	UnsyncedEvents(ctx context.Context, limit int) ([]Event, error)
	MarkSynced(ctx context.Context, ids []int64) error

	Close() error
}

func startPayload(rec SessionRecord) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"session_id":  rec.ID,
		"mode":        rec.Mode,
		"program":     rec.Program,
		"pid":         rec.PID,
		"remote_addr": rec.RemoteAddr,
	})
	return data
}

func syncPayload(sessionID string, payload json.RawMessage) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"session_id": sessionID,
		"caught":     payload,
	})
	return data
}

func endPayload(sessionID string, stats SessionStats) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"session_id":  sessionID,
		"bytes_in":    stats.BytesIn,
		"bytes_out":   stats.BytesOut,
		"sync_events": stats.SyncEvents,
		"exit_code":   stats.ExitCode,
		"end_reason":  stats.EndReason,
	})
	return data
}
