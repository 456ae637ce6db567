// Package sidechannel extracts application state markers embedded in a
// terminal output stream.
//
// A marker is the private-use OSC sequence ESC ] 9999 ; <json> BEL. A real
// terminal emulator ignores it; the bridge lifts the JSON payload out and
// forwards the remaining bytes untouched.
package sidechannel

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const bel = 0x07

// Prefix opens a marker. Tag 9999 keeps it clear of the OSC numbers real
// terminals interpret (0, 2, 7, 8, 52, ...).
var Prefix = []byte("\x1b]9999;")

// Decode scans chunk in a single left-to-right pass and returns the bytes
// outside any marker together with the marker payloads in order.
//
// Payloads that are not valid JSON are dropped; their delimiters and bytes
// are still removed from the residue. An unterminated marker at the end of
// chunk is left in the residue as ordinary output. Decode keeps no state
// between calls; use a Scanner for streams that may split markers.
func Decode(chunk []byte) (residue []byte, events []json.RawMessage) {
	res := decode(chunk)
	return res.residue, res.events
}

type result struct {
	residue []byte
	events  []json.RawMessage
	dropped int
	// tail is the offset where an incomplete marker (or a prefix of one)
	// begins, or len(data) when the chunk ends cleanly.
	tail int
}

func decode(data []byte) result {
	res := result{tail: len(data)}
	pos := 0
	for pos < len(data) {
		start := bytes.Index(data[pos:], Prefix)
		if start < 0 {
			res.residue = append(res.residue, data[pos:]...)
			res.tail = len(data) - partialPrefixLen(data[pos:])
			return res
		}
		start += pos
		body := start + len(Prefix)
		end := bytes.IndexByte(data[body:], bel)
		if end < 0 {
			res.residue = append(res.residue, data[pos:]...)
			res.tail = start
			return res
		}
		end += body

		res.residue = append(res.residue, data[pos:start]...)
		payload := data[body:end]
		if len(payload) > 0 && json.Valid(payload) {
			res.events = append(res.events, json.RawMessage(bytes.Clone(payload)))
		} else {
			res.dropped++
		}
		pos = end + 1
	}
	return res
}

// partialPrefixLen reports how many trailing bytes of b form a proper
// prefix of Prefix, e.g. a lone ESC or "\x1b]99".
func partialPrefixLen(b []byte) int {
	n := len(Prefix) - 1
	if n > len(b) {
		n = len(b)
	}
	for ; n > 0; n-- {
		if bytes.HasSuffix(b, Prefix[:n]) {
			return n
		}
	}
	return 0
}

// Encode wraps payload as a marker, the way a cooperating child process
// writes state to its stdout.
func Encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: marshal payload: %w", err)
	}
	out := make([]byte, 0, len(Prefix)+len(data)+1)
	out = append(out, Prefix...)
	out = append(out, data...)
	out = append(out, bel)
	return out, nil
}
