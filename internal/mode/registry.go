package mode

import (
	"encoding/json"
	"strings"
)

// Profile describes how to launch the program for one mode.
type Profile struct {
	Program string
	Args    []string
	// Env entries are added on top of the bridge's own environment.
	Env []string
	// StateEnv names the variable that carries the handshake's initial
	// state. Empty means the program gets no initial state.
	StateEnv string
}

// Environ returns the environment for a child started with this profile.
// initialState is embedded only when the profile declares a StateEnv.
func (p Profile) Environ(base []string, initialState json.RawMessage) []string {
	env := make([]string, 0, len(base)+len(p.Env)+1)
	env = append(env, base...)
	env = append(env, p.Env...)
	if p.StateEnv != "" {
		state := strings.TrimSpace(string(initialState))
		if state == "" || state == "null" {
			state = "[]"
		}
		env = append(env, p.StateEnv+"="+state)
	}
	return env
}

// Registry is the immutable mapping from Mode to Profile. It is built once
// at startup and shared read-only by every session.
type Registry struct {
	profiles map[Mode]Profile
}

// NewRegistry builds a registry from one profile per mode.
func NewRegistry(primary, restricted Profile) *Registry {
	return &Registry{
		profiles: map[Mode]Profile{
			Primary:    clone(primary),
			Restricted: clone(restricted),
		},
	}
}

// DefaultRegistry returns the stock profiles: the Node application in
// primary mode and the restricted shell script otherwise.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Profile{
			Program:  "node",
			Args:     []string{"index.js"},
			Env:      []string{"TERM=xterm-256color", "FORCE_COLOR=3", "WEB_MODE=1"},
			StateEnv: "CAUGHT_INIT",
		},
		Profile{
			Program: "node",
			Args:    []string{"restricted-shell.js"},
			Env:     []string{"TERM=xterm-256color", "FORCE_COLOR=3"},
		},
	)
}

// Get returns the profile for m.
func (r *Registry) Get(m Mode) Profile {
	p, ok := r.profiles[m]
	if !ok {
		p = r.profiles[Primary]
	}
	return clone(p)
}

// Resolve parses a wire mode value and returns the mode with its profile.
// Unknown values resolve to Primary.
func (r *Registry) Resolve(s string) (Mode, Profile) {
	m, _ := Parse(s)
	return m, r.Get(m)
}

func clone(p Profile) Profile {
	p.Args = append([]string(nil), p.Args...)
	p.Env = append([]string(nil), p.Env...)
	return p
}
