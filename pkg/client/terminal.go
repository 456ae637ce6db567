package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filip-strelec/pokedex-terminal/pkg/types"
)

// MessageKind classifies frames received from the bridge.
type MessageKind int

const (
	KindOutput MessageKind = iota
	KindSync
	KindAppExited
)

// Message is one frame received on a terminal connection.
type Message struct {
	Kind   MessageKind
	Data   []byte          // terminal output for KindOutput
	Caught json.RawMessage // payload for KindSync
}

// TerminalOptions selects the program and initial state for Dial.
type TerminalOptions struct {
	Mode   string
	Caught json.RawMessage
}

// Terminal is a client connection to a bridge session.
type Terminal struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens a terminal session and sends the init handshake. baseURL may
// use http(s) or ws(s).
func Dial(ctx context.Context, baseURL string, opts TerminalOptions) (*Terminal, error) {
	u, err := terminalURL(baseURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	t := &Terminal{conn: conn}
	caught := opts.Caught
	if len(caught) == 0 {
		caught = json.RawMessage("[]")
	}
	if err := t.writeJSON(types.InitMessage{Type: types.MessageInit, Mode: opts.Mode, Caught: caught}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	return t, nil
}

func terminalURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/terminal"
	}
	return u.String(), nil
}

// Send writes keystrokes.
func (t *Terminal) Send(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, p)
}

// Resize asks the bridge to change the terminal size.
func (t *Terminal) Resize(cols, rows int) error {
	return t.writeJSON(types.PTYResizeRequest{Type: types.MessageResize, Cols: cols, Rows: rows})
}

func (t *Terminal) writeJSON(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

// Next blocks for the next frame. It returns an error once the bridge
// closes the connection; a normal close is a *websocket.CloseError with
// code 1000.
func (t *Terminal) Next() (Message, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return classify(data), nil
}

// classify recognizes the bridge's structured messages. Everything else is
// terminal output.
func classify(data []byte) Message {
	if len(data) > 0 && data[0] == '{' {
		var m struct {
			Type   string          `json:"type"`
			Caught json.RawMessage `json:"caught"`
		}
		if json.Unmarshal(data, &m) == nil {
			switch m.Type {
			case types.MessageSync:
				return Message{Kind: KindSync, Caught: m.Caught}
			case types.MessageAppExited:
				return Message{Kind: KindAppExited}
			}
		}
	}
	return Message{Kind: KindOutput, Data: data}
}

// Close sends a normal close frame and closes the connection.
func (t *Terminal) Close() error {
	t.writeMu.Lock()
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// IsNormalClose reports whether err is the bridge ending the session cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, net.ErrClosed)
}
