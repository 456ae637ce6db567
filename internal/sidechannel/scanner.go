package sidechannel

import "encoding/json"

// MaxPending bounds how many bytes a Scanner holds back while waiting for
// the BEL that closes a marker.
const MaxPending = 64 * 1024

// Scanner applies Decode to a stream of chunks. A PTY flushes output in
// OS-buffer-sized pieces, so a marker can straddle two reads; the Scanner
// carries the incomplete tail over to the next Feed.
//
// A Scanner is not safe for concurrent use.
type Scanner struct {
	pending []byte
	dropped int
}

// Feed consumes chunk and returns the terminal output that is safe to
// forward now plus any complete marker payloads, in stream order.
func (s *Scanner) Feed(chunk []byte) (residue []byte, events []json.RawMessage) {
	data := chunk
	if len(s.pending) > 0 {
		data = append(s.pending, chunk...)
		s.pending = nil
	}

	res := decode(data)
	s.dropped += res.dropped

	held := len(data) - res.tail
	if held == 0 {
		return res.residue, res.events
	}
	if held > MaxPending {
		// Never closed: it was output that merely looked like a marker.
		return res.residue, res.events
	}
	s.pending = append([]byte(nil), data[res.tail:]...)
	return res.residue[:len(res.residue)-held], res.events
}

// Flush returns any bytes still held back. Call it once the stream ends.
func (s *Scanner) Flush() []byte {
	out := s.pending
	s.pending = nil
	return out
}

// Pending reports how many bytes are currently held back.
func (s *Scanner) Pending() int { return len(s.pending) }

// Dropped reports how many markers were discarded for carrying invalid JSON.
func (s *Scanner) Dropped() int { return s.dropped }
