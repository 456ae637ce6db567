package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestManager_MaxSessions(t *testing.T) {
	h := newHarness(t, Config{MaxSessions: 1})

	first := newFakeChannel()
	errc := h.serve(first)
	first.send(t, `{"type":"init","mode":"restricted"}`)
	p, _ := h.process()

	second := newFakeChannel()
	err := h.mgr.Serve(context.Background(), second)
	if !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}
	if !errors.Is(second.closeErr, ErrTooManySessions) {
		t.Errorf("expected rejected channel closed with ErrTooManySessions, got %v", second.closeErr)
	}

	p.exit(0)
	waitServe(t, errc)
	if h.mgr.Count() != 0 {
		t.Errorf("expected no sessions, got %d", h.mgr.Count())
	}
}

func TestManager_ListAndKill(t *testing.T) {
	h := newHarness(t, Config{})
	ch := newFakeChannel()
	errc := h.serve(ch)

	ch.send(t, `{"type":"init","mode":"shell"}`)
	p, _ := h.process()

	var id string
	waitFor(t, "active session", func() bool {
		list := h.mgr.List()
		if len(list) == 1 && list[0].State == "active" {
			id = list[0].ID
			return true
		}
		return false
	})

	info := h.mgr.List()[0]
	if info.Mode != "restricted" {
		t.Errorf("expected restricted mode, got %q", info.Mode)
	}
	if info.PID != 4242 || info.Cols != 120 || info.Rows != 40 {
		t.Errorf("unexpected info: %+v", info)
	}
	if len(id) != 8 {
		t.Errorf("expected 8-char session id, got %q", id)
	}

	if err := h.mgr.Kill("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := h.mgr.Kill(id); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitServe(t, errc)

	if n := p.killCount(); n != 1 {
		t.Errorf("expected 1 kill, got %d", n)
	}
	if len(ch.messages(t)) != 0 {
		t.Errorf("restricted session must not send structured messages")
	}
	if _, err := h.mgr.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session to be gone, got %v", err)
	}
}

func TestManager_KillPrimaryNotifiesClient(t *testing.T) {
	h := newHarness(t, Config{})
	ch := newFakeChannel()
	errc := h.serve(ch)

	ch.send(t, `{"type":"init"}`)
	h.process()
	waitFor(t, "active session", func() bool {
		list := h.mgr.List()
		return len(list) == 1 && list[0].State == "active"
	})

	h.mgr.Kill(h.mgr.List()[0].ID)
	waitServe(t, errc)

	msgs := ch.messages(t)
	if len(msgs) != 1 || string(msgs[0]["type"]) != `"app-exited"` {
		t.Errorf("expected a single app-exited, got %v", msgs)
	}
}

func TestManager_Shutdown(t *testing.T) {
	h := newHarness(t, Config{})

	var procs []*fakeProcess
	var errcs []<-chan error
	for i := 0; i < 2; i++ {
		ch := newFakeChannel()
		errcs = append(errcs, h.serve(ch))
		ch.send(t, `{"type":"init","mode":"primary"}`)
		p, _ := h.process()
		procs = append(procs, p)
	}

	// A connection still waiting for its handshake is also closed.
	idle := newFakeChannel()
	errcs = append(errcs, h.serve(idle))
	waitFor(t, "three sessions", func() bool { return h.mgr.Count() == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, errc := range errcs {
		waitServe(t, errc)
	}
	for i, p := range procs {
		if p.killCount() != 1 {
			t.Errorf("process %d: expected 1 kill, got %d", i, p.killCount())
		}
	}
	if idle.closeCount != 1 {
		t.Errorf("idle channel not closed")
	}

	late := newFakeChannel()
	if err := h.mgr.Serve(context.Background(), late); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestManager_ContextCancelTerminates(t *testing.T) {
	h := newHarness(t, Config{})
	ch := newFakeChannel()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.mgr.Serve(ctx, ch) }()

	ch.send(t, `{"type":"init","mode":"restricted"}`)
	p, _ := h.process()
	cancel()
	waitServe(t, errc)

	if p.killCount() != 1 {
		t.Errorf("expected process killed on context cancel, got %d kills", p.killCount())
	}
}

// panicChannel fails hard on terminal output.
type panicChannel struct {
	*fakeChannel
}

func (c panicChannel) WriteOutput(p []byte) error {
	panic("write exploded")
}

func TestManager_PanicDrainsProcessEvents(t *testing.T) {
	h := newHarness(t, Config{})
	ch := panicChannel{newFakeChannel()}
	errc := make(chan error, 1)
	go func() { errc <- h.mgr.Serve(context.Background(), ch) }()

	ch.send(t, `{"type":"init","mode":"restricted"}`)
	p, _ := h.process()
	p.mu.Lock()
	p.ignoreKill = true
	p.mu.Unlock()

	p.emit("boom")
	if err := waitServe(t, errc); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}
	ch.mu.Lock()
	closeErr := ch.closeErr
	ch.mu.Unlock()
	if closeErr == nil {
		t.Error("expected channel closed with an error")
	}
	if n := p.killCount(); n != 1 {
		t.Errorf("expected 1 kill, got %d", n)
	}

	// More output than the event buffer holds must not block the process.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			p.emit("x")
		}
		p.exit(0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process events not drained after panic")
	}
	if h.mgr.Count() != 0 {
		t.Errorf("expected session unregistered, got %d", h.mgr.Count())
	}
}
