package types

import (
	"encoding/json"
	"time"
)

// Message type tags carried in the "type" field of JSON frames.
const (
	MessageInit      = "init"
	MessageResize    = "resize"
	MessageSync      = "sync"
	MessageAppExited = "app-exited"
)

// InitMessage is the handshake sent by the client as the first frame.
type InitMessage struct {
	Type   string          `json:"type"`             // "init"
	Mode   string          `json:"mode,omitempty"`   // "primary" | "restricted"
	Caught json.RawMessage `json:"caught,omitempty"` // opaque client state, default []
}

// PTYResizeRequest is a WebSocket control frame for resizing the terminal.
type PTYResizeRequest struct {
	Type string `json:"type"` // "resize"
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// SyncMessage carries one state payload extracted from the terminal stream.
type SyncMessage struct {
	Type   string          `json:"type"` // "sync"
	Caught json.RawMessage `json:"caught"`
}

// AppExitedMessage tells the client the primary program has terminated.
type AppExitedMessage struct {
	Type string `json:"type"` // "app-exited"
}

// SessionInfo describes a live bridge session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	StartedAt time.Time `json:"startedAt"`
	BytesIn   int64     `json:"bytesIn"`
	BytesOut  int64     `json:"bytesOut"`
}
