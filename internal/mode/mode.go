package mode

import "strings"

// Mode selects which program a session spawns and whether its output is
// scanned for state markers.
type Mode int

const (
	// Primary runs the interactive application. Its output carries state
	// markers and its exit is reported to the client.
	Primary Mode = iota
	// Restricted runs the command-whitelisting shell. Output is forwarded
	// verbatim.
	Restricted
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case Restricted:
		return "restricted"
	default:
		return "primary"
	}
}

// Parse maps a wire value to a Mode. The second result is false when the
// value is not recognized, in which case Primary is returned.
//
// "pokedex" and "shell" are accepted as aliases; older browser clients send
// them.
func Parse(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "primary", "pokedex":
		return Primary, true
	case "restricted", "shell":
		return Restricted, true
	default:
		return Primary, false
	}
}
