// Package session binds one child program in a pseudo-terminal to one
// remote channel and relays between them until either side goes away.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/filip-strelec/pokedex-terminal/internal/metrics"
	"github.com/filip-strelec/pokedex-terminal/internal/mode"
	"github.com/filip-strelec/pokedex-terminal/internal/ptyproc"
	"github.com/filip-strelec/pokedex-terminal/internal/sidechannel"
	"github.com/filip-strelec/pokedex-terminal/internal/store"
	"github.com/filip-strelec/pokedex-terminal/pkg/types"
)

const (
	inboundBuffer  = 16
	journalTimeout = 5 * time.Second
)

// End reasons recorded in the journal and the sessions_total metric.
const (
	ReasonAppExited    = "app-exited"
	ReasonExited       = "exited"
	ReasonRemoteClosed = "remote-closed"
	ReasonKilled       = "killed"
	ReasonShutdown     = "shutdown"
	ReasonSpawnError   = "spawn-error"
)

// Channel is the remote end of a session.
type Channel interface {
	// ReadMessage blocks until the next inbound message arrives. It returns
	// an error once the channel is closed by either side.
	ReadMessage() ([]byte, error)
	// WriteOutput sends terminal output.
	WriteOutput(p []byte) error
	// WriteJSON sends a structured message.
	WriteJSON(v any) error
	// Close ends the channel. A non-nil err is reported to the peer.
	Close(err error) error
	RemoteAddr() string
}

// Process is the child side of a session. *ptyproc.Handle implements it.
type Process interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	Size() (cols, rows int)
	Kill() error
	PID() int
	Events() <-chan ptyproc.Event
}

// Spawner starts a Process.
type Spawner func(spec ptyproc.Spec) (Process, error)

// SpawnPTY is the default Spawner.
func SpawnPTY(spec ptyproc.Spec) (Process, error) {
	h, err := ptyproc.Spawn(spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// State is the lifecycle position of a Session.
type State int

const (
	StateHandshaking State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session owns exactly one Process and one Channel.
type Session struct {
	id        string
	ch        Channel
	cfg       Config
	createdAt time.Time

	mu          sync.Mutex
	state       State
	mode        mode.Mode
	program     string
	proc        Process
	channelOpen bool
	chClosed    bool
	killed      bool
	finished    bool
	exitCode    *int
	endReason   string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// Only touched by the relay goroutine.
	scanner sidechannel.Scanner
	dropped int
	carry   []byte

	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	syncEvents atomic.Int64
}

func newSession(id string, ch Channel, cfg Config) *Session {
	return &Session{
		id:          id,
		ch:          ch,
		cfg:         cfg,
		createdAt:   time.Now(),
		state:       StateHandshaking,
		channelOpen: true,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed when the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot for listing.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := types.SessionInfo{
		ID:        s.id,
		State:     s.state.String(),
		StartedAt: s.createdAt,
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
	if s.proc != nil {
		info.Mode = s.mode.String()
		info.PID = s.proc.PID()
		info.Cols, info.Rows = s.proc.Size()
	}
	return info
}

// Terminate ends the session from the server side: the child is killed
// and, once it has exited, the channel is closed. Safe to call repeatedly.
func (s *Session) Terminate(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.endReason == "" {
			s.endReason = reason
		}
		s.mu.Unlock()
		close(s.stop)
	})
}

func (s *Session) run(ctx context.Context) error {
	defer close(s.done)

	inbound := make(chan []byte, inboundBuffer)
	go s.readLoop(inbound)

	stopWatch := context.AfterFunc(ctx, func() { s.Terminate(ReasonShutdown) })
	defer stopWatch()

	init, first, ok := s.awaitHandshake(inbound)
	if !ok {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.closeChannel(nil)
		return nil
	}

	m, profile := s.cfg.Registry.Resolve(init.Mode)
	spec := ptyproc.Spec{
		Program:   profile.Program,
		Args:      profile.Args,
		Dir:       s.cfg.Dir,
		Env:       profile.Environ(s.cfg.BaseEnv, init.Caught),
		Cols:      s.cfg.Cols,
		Rows:      s.cfg.Rows,
		KillGrace: s.cfg.KillGrace,
	}

	start := time.Now()
	proc, err := s.cfg.Spawn(spec)
	if err != nil {
		log.Printf("session %s: failed to start %s program: %v", s.id, m, err)
		metrics.SessionsTotal.WithLabelValues(m.String(), ReasonSpawnError).Inc()
		s.mu.Lock()
		s.mode = m
		s.state = StateClosed
		s.endReason = ReasonSpawnError
		s.mu.Unlock()
		s.closeChannel(err)
		return err
	}
	metrics.SpawnDuration.WithLabelValues(m.String()).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	s.mode = m
	s.program = profile.Program
	s.proc = proc
	s.state = StateActive
	s.mu.Unlock()

	metrics.SessionsActive.WithLabelValues(m.String()).Inc()
	cols, rows := proc.Size()
	log.Printf("session %s: started %s mode (%s, pid %d, %dx%d)", s.id, m, profile.Program, proc.PID(), cols, rows)
	s.record(func(ctx context.Context, j store.Journal) error {
		return j.SessionStarted(ctx, store.SessionRecord{
			ID:         s.id,
			Mode:       m.String(),
			Program:    profile.Program,
			PID:        proc.PID(),
			Cols:       cols,
			Rows:       rows,
			RemoteAddr: s.ch.RemoteAddr(),
			StartedAt:  s.createdAt,
		})
	})

	if first != nil {
		s.handleInbound(first)
	}
	s.relay(inbound, proc.Events())
	return nil
}

// readLoop feeds inbound messages to the relay until the channel fails.
func (s *Session) readLoop(inbound chan<- []byte) {
	defer close(inbound)
	for {
		msg, err := s.ch.ReadMessage()
		if err != nil {
			return
		}
		select {
		case inbound <- msg:
		case <-s.done:
			return
		}
	}
}

// awaitHandshake waits for the first message. A message that is not an
// init handshake is returned as first so it can be forwarded as input.
func (s *Session) awaitHandshake(inbound <-chan []byte) (init types.InitMessage, first []byte, ok bool) {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case msg, open := <-inbound:
		if !open {
			return init, nil, false
		}
		if hs, isInit := parseInit(msg); isInit {
			return hs, nil, true
		}
		log.Printf("session %s: first message is not a handshake, using defaults", s.id)
		return init, msg, true
	case <-timer.C:
		log.Printf("session %s: no handshake after %s, using defaults", s.id, s.cfg.HandshakeTimeout)
		return init, nil, true
	case <-s.stop:
		return init, nil, false
	}
}

// parseInit reports whether msg is an init handshake. Fields with the
// wrong shape fall back to their defaults rather than disqualifying it.
func parseInit(msg []byte) (types.InitMessage, bool) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.Type != types.MessageInit {
		return types.InitMessage{}, false
	}
	var fields struct {
		Mode   json.RawMessage `json:"mode"`
		Caught json.RawMessage `json:"caught"`
	}
	_ = json.Unmarshal(msg, &fields)

	init := types.InitMessage{Type: types.MessageInit}
	if err := json.Unmarshal(fields.Mode, &init.Mode); err != nil {
		init.Mode = ""
	}
	if len(fields.Caught) > 0 && json.Valid(fields.Caught) {
		init.Caught = fields.Caught
	}
	return init, true
}

// relay runs until the process event stream ends.
func (s *Session) relay(inbound <-chan []byte, events <-chan ptyproc.Event) {
	stop := s.stop
	for {
		select {
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				s.remoteClosed()
				continue
			}
			s.handleInbound(msg)

		case ev, ok := <-events:
			if !ok {
				s.finish()
				return
			}
			switch ev.Type {
			case ptyproc.EventOutput:
				s.handleOutput(ev.Data)
			case ptyproc.EventExit:
				s.handleExit(ev.ExitCode)
			}

		case <-stop:
			stop = nil
			s.kill()
		}
	}
}

func (s *Session) handleInbound(msg []byte) {
	s.mu.Lock()
	state, proc := s.state, s.proc
	s.mu.Unlock()
	if state != StateActive {
		return
	}

	if cols, rows, ok := parseResize(msg); ok {
		if err := proc.Resize(cols, rows); err != nil {
			log.Printf("session %s: resize %dx%d rejected: %v", s.id, cols, rows, err)
		}
		return
	}

	s.bytesIn.Add(int64(len(msg)))
	metrics.PTYBytesTotal.WithLabelValues("in").Add(float64(len(msg)))
	if _, err := proc.Write(msg); err != nil {
		if errors.Is(err, ptyproc.ErrProcessExited) {
			log.Printf("session %s: input after exit ignored", s.id)
			return
		}
		log.Printf("session %s: write to pty: %v", s.id, err)
	}
}

// parseResize reports whether msg is a resize control frame. Anything
// else, including other JSON, is keystroke input.
func parseResize(msg []byte) (cols, rows int, ok bool) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.Type != types.MessageResize {
		return 0, 0, false
	}
	var dims struct {
		Cols float64 `json:"cols"`
		Rows float64 `json:"rows"`
	}
	// Non-numeric dimensions leave zeros, which Resize rejects.
	_ = json.Unmarshal(msg, &dims)
	return dimension(dims.Cols), dimension(dims.Rows), true
}

func dimension(f float64) int {
	if f < 0 || f > 0xFFFF {
		return 0
	}
	return int(f)
}

func (s *Session) handleOutput(data []byte) {
	s.bytesOut.Add(int64(len(data)))
	metrics.PTYBytesTotal.WithLabelValues("out").Add(float64(len(data)))

	if s.mode == mode.Primary {
		residue, events := s.scanner.Feed(data)
		for _, payload := range events {
			s.sendSync(payload)
		}
		if d := s.scanner.Dropped(); d > s.dropped {
			log.Printf("session %s: dropped %d marker(s) with invalid payload", s.id, d-s.dropped)
			metrics.DroppedMarkersTotal.Add(float64(d - s.dropped))
			s.dropped = d
		}
		data = residue
	}
	s.sendOutput(data)
}

func (s *Session) sendSync(payload json.RawMessage) {
	s.syncEvents.Add(1)
	metrics.SyncEventsTotal.Inc()
	if s.isChannelOpen() {
		if err := s.ch.WriteJSON(types.SyncMessage{Type: types.MessageSync, Caught: payload}); err != nil {
			log.Printf("session %s: send sync: %v", s.id, err)
		}
	}
	s.record(func(ctx context.Context, j store.Journal) error {
		return j.SyncReceived(ctx, s.id, payload)
	})
}

// sendOutput forwards terminal bytes, holding back a trailing partial
// UTF-8 sequence until the next chunk completes it.
func (s *Session) sendOutput(p []byte) {
	if len(s.carry) > 0 {
		p = append(s.carry, p...)
		s.carry = nil
	}
	out, rest := splitUTF8(p)
	if len(rest) > 0 {
		s.carry = append([]byte(nil), rest...)
	}
	s.writeOutput(out)
}

// writeOutput sends p as one text frame. Invalid UTF-8 is replaced with
// U+FFFD since text frames must be valid UTF-8.
func (s *Session) writeOutput(p []byte) {
	if len(p) == 0 || !s.isChannelOpen() {
		return
	}
	if !utf8.Valid(p) {
		p = bytes.ToValidUTF8(p, []byte(string(utf8.RuneError)))
	}
	if err := s.ch.WriteOutput(p); err != nil {
		log.Printf("session %s: send output: %v", s.id, err)
	}
}

// splitUTF8 splits p before an incomplete rune at its end.
func splitUTF8(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-(utf8.UTFMax-1); i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i], p[i:]
			}
			break
		}
	}
	return p, nil
}

func (s *Session) handleExit(code int) {
	if s.mode == mode.Primary {
		if tail := s.scanner.Flush(); len(tail) > 0 {
			s.sendOutput(tail)
		}
	}
	if len(s.carry) > 0 {
		s.writeOutput(s.carry)
		s.carry = nil
	}

	s.mu.Lock()
	s.state = StateClosing
	s.exitCode = &code
	if s.endReason == "" {
		if s.mode == mode.Primary {
			s.endReason = ReasonAppExited
		} else {
			s.endReason = ReasonExited
		}
	}
	notify := s.mode == mode.Primary && s.channelOpen
	s.mu.Unlock()

	log.Printf("session %s: %s program exited with code %d", s.id, s.mode, code)
	if notify {
		if err := s.ch.WriteJSON(types.AppExitedMessage{Type: types.MessageAppExited}); err != nil {
			log.Printf("session %s: send app-exited: %v", s.id, err)
		}
	}
	s.closeChannel(nil)
}

// remoteClosed handles the peer going away: the child is killed once and
// the relay keeps draining its output until it exits.
func (s *Session) remoteClosed() {
	s.mu.Lock()
	s.channelOpen = false
	if s.state == StateActive {
		s.state = StateClosing
	}
	if s.endReason == "" {
		s.endReason = ReasonRemoteClosed
	}
	s.mu.Unlock()
	s.kill()
}

func (s *Session) kill() {
	s.mu.Lock()
	if s.killed || s.proc == nil {
		s.mu.Unlock()
		return
	}
	s.killed = true
	proc := s.proc
	s.mu.Unlock()

	if err := proc.Kill(); err != nil {
		log.Printf("session %s: kill: %v", s.id, err)
	}
}

func (s *Session) closeChannel(err error) {
	s.mu.Lock()
	if s.chClosed {
		s.mu.Unlock()
		return
	}
	s.chClosed = true
	s.channelOpen = false
	s.mu.Unlock()

	if cerr := s.ch.Close(err); cerr != nil {
		log.Printf("session %s: close channel: %v", s.id, cerr)
	}
}

func (s *Session) isChannelOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelOpen
}

// finish runs once after the process event stream has ended.
func (s *Session) finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.state = StateClosed
	started := s.proc != nil
	m, reason, code := s.mode, s.endReason, s.exitCode
	s.mu.Unlock()

	if !started {
		return
	}
	metrics.SessionsActive.WithLabelValues(m.String()).Dec()
	metrics.SessionsTotal.WithLabelValues(m.String(), reason).Inc()
	log.Printf("session %s: closed (%s, in=%d out=%d sync=%d)", s.id, reason,
		s.bytesIn.Load(), s.bytesOut.Load(), s.syncEvents.Load())

	s.record(func(ctx context.Context, j store.Journal) error {
		return j.SessionEnded(ctx, s.id, store.SessionStats{
			BytesIn:    s.bytesIn.Load(),
			BytesOut:   s.bytesOut.Load(),
			SyncEvents: s.syncEvents.Load(),
			ExitCode:   code,
			EndReason:  reason,
			EndedAt:    time.Now(),
		})
	})
}

// abort tears everything down after a panic in the relay. The process
// events are drained so its read pump and reaper can finish.
func (s *Session) abort(cause error) {
	s.mu.Lock()
	if s.endReason == "" {
		s.endReason = "panic"
	}
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		go func() {
			for range proc.Events() {
			}
		}()
	}
	s.kill()
	s.closeChannel(cause)
	s.finish()
}

// record writes to the journal, if any. Failures never end the session.
func (s *Session) record(fn func(ctx context.Context, j store.Journal) error) {
	if s.cfg.Journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := fn(ctx, s.cfg.Journal); err != nil {
		log.Printf("session %s: journal: %v", s.id, err)
	}
}
