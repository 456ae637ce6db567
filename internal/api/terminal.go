package api

import (
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/filip-strelec/pokedex-terminal/internal/ptyproc"
	"github.com/filip-strelec/pokedex-terminal/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20

	// Close frames allow 123 bytes of reason after the status code.
	maxCloseReason = 123
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Terminal clients are not authenticated; any origin may attach
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

func (s *Server) terminalWebSocket(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	ch := newWSChannel(ws)
	if err := s.manager.Serve(c.Request().Context(), ch); err != nil {
		log.Printf("api: terminal session from %s: %v", ch.RemoteAddr(), err)
	}
	return nil
}

// wsChannel adapts a websocket connection to session.Channel. Terminal
// output and structured messages both travel as text frames.
type wsChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	// readFailed is set once the peer has gone; no close frame is sent then.
	readFailed atomic.Bool
	closeSent  bool
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	ch := &wsChannel{
		conn: conn,
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go ch.pingLoop()
	return ch
}

func (ch *wsChannel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ch.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ch.done:
			return
		}
	}
}

func (ch *wsChannel) ReadMessage() ([]byte, error) {
	_, data, err := ch.conn.ReadMessage()
	if err != nil {
		ch.readFailed.Store(true)
		return nil, err
	}
	// Any traffic proves the peer is alive.
	ch.conn.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

func (ch *wsChannel) WriteOutput(p []byte) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ch.conn.WriteMessage(websocket.TextMessage, p)
}

func (ch *wsChannel) WriteJSON(v any) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	ch.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ch.conn.WriteJSON(v)
}

func (ch *wsChannel) Close(err error) error {
	var cerr error
	ch.closeOnce.Do(func() {
		close(ch.done)
		if !ch.readFailed.Load() {
			code, reason := closeStatus(err)
			ch.writeMu.Lock()
			ch.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				time.Now().Add(time.Second))
			ch.closeSent = true
			ch.writeMu.Unlock()
		}
		cerr = ch.conn.Close()
	})
	return cerr
}

func (ch *wsChannel) RemoteAddr() string {
	return ch.conn.RemoteAddr().String()
}

// closeStatus maps a session outcome to a websocket close code.
func closeStatus(err error) (int, string) {
	if err == nil {
		return websocket.CloseNormalClosure, ""
	}

	code, reason := websocket.CloseInternalServerErr, err.Error()
	var spawnErr *ptyproc.SpawnError
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		code = websocket.CloseTryAgainLater
	case errors.Is(err, session.ErrShuttingDown):
		code = websocket.CloseGoingAway
	case errors.As(err, &spawnErr):
		reason = "failed to start " + spawnErr.Program
	}

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return code, reason
}
