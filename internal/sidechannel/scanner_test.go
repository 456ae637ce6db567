package sidechannel

import (
	"bytes"
	"strings"
	"testing"
)

func TestScanner_MarkerSplitAcrossChunks(t *testing.T) {
	full := "hello" + marker("[1,25,6]") + "world"

	// Every possible split point must yield the same result.
	for i := 0; i <= len(full); i++ {
		var s Scanner
		var out []byte
		var n int

		r1, e1 := s.Feed([]byte(full[:i]))
		out = append(out, r1...)
		n += len(e1)

		r2, e2 := s.Feed([]byte(full[i:]))
		out = append(out, r2...)
		n += len(e2)
		out = append(out, s.Flush()...)

		if string(out) != "helloworld" {
			t.Errorf("split at %d: output = %q", i, out)
		}
		if n != 1 {
			t.Errorf("split at %d: got %d events", i, n)
		}
	}
}

func TestScanner_ByteAtATime(t *testing.T) {
	full := "a" + marker(`{"x":1}`) + "b" + marker(`{"x":2}`) + "c"

	var s Scanner
	var out []byte
	var events int
	for i := 0; i < len(full); i++ {
		r, e := s.Feed([]byte{full[i]})
		out = append(out, r...)
		events += len(e)
	}
	out = append(out, s.Flush()...)

	if string(out) != "abc" {
		t.Errorf("output = %q, want %q", out, "abc")
	}
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
}

func TestScanner_HoldsOnlyPossiblePrefix(t *testing.T) {
	var s Scanner

	r, _ := s.Feed([]byte("text\x1b]99"))
	if string(r) != "text" {
		t.Errorf("residue = %q, want %q", r, "text")
	}
	if s.Pending() != 4 {
		t.Errorf("pending = %d, want 4", s.Pending())
	}

	// Turns out to be a different OSC; everything is released.
	r, e := s.Feed([]byte("8;x\x07"))
	if string(r) != "\x1b]998;x\x07" {
		t.Errorf("residue = %q", r)
	}
	if len(e) != 0 || s.Pending() != 0 {
		t.Errorf("events=%d pending=%d", len(e), s.Pending())
	}
}

func TestScanner_FlushReleasesUnterminated(t *testing.T) {
	var s Scanner
	r, _ := s.Feed([]byte("ok\x1b]9999;[1,"))
	if string(r) != "ok" {
		t.Errorf("residue = %q", r)
	}
	if got := s.Flush(); string(got) != "\x1b]9999;[1," {
		t.Errorf("Flush = %q", got)
	}
	if s.Flush() != nil {
		t.Error("second Flush should be empty")
	}
}

func TestScanner_OverlongMarkerReleased(t *testing.T) {
	var s Scanner
	start := []byte("\x1b]9999;")
	r, _ := s.Feed(start)
	if len(r) != 0 {
		t.Fatalf("unexpected residue %q", r)
	}

	filler := []byte(strings.Repeat("x", MaxPending))
	r, e := s.Feed(filler)
	if !bytes.Equal(r, append(append([]byte(nil), start...), filler...)) {
		t.Errorf("expected overlong marker to be released as output (got %d bytes)", len(r))
	}
	if len(e) != 0 || s.Pending() != 0 {
		t.Errorf("events=%d pending=%d", len(e), s.Pending())
	}
}

func TestScanner_CountsDropped(t *testing.T) {
	var s Scanner
	s.Feed([]byte(marker("bad") + marker("[1]") + marker("{")))
	if s.Dropped() != 2 {
		t.Errorf("Dropped = %d, want 2", s.Dropped())
	}
}
