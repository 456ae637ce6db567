// Package ptyproc runs one child program attached to a pseudo-terminal.
package ptyproc

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	ptylib "github.com/creack/pty"
)

const (
	// DefaultCols and DefaultRows size a new terminal when Spec leaves them zero.
	DefaultCols = 120
	DefaultRows = 40

	// DefaultKillGrace is how long Kill waits after SIGTERM before SIGKILL.
	DefaultKillGrace = 3 * time.Second

	readBufferSize     = 4096
	eventBuffer        = 64
	outputDrainTimeout = time.Second
)

var (
	// ErrProcessExited is returned by Write and Resize once the child is gone.
	ErrProcessExited = errors.New("ptyproc: process has exited")
	// ErrInvalidSize is returned by Resize for dimensions outside 1..65535.
	ErrInvalidSize = errors.New("ptyproc: invalid terminal size")
)

// SpawnError reports that the program could not be started, either because
// the executable was not found or a pseudo-terminal could not be allocated.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes the program to run.
type Spec struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Cols    int
	Rows    int

	// KillGrace overrides DefaultKillGrace when positive.
	KillGrace time.Duration
}

// EventType distinguishes Handle notifications.
type EventType int

const (
	EventOutput EventType = iota
	EventExit
)

// Event is a notification from the child. Output events carry Data; the
// single Exit event carries the exit code (-1 when killed by a signal).
type Event struct {
	Type     EventType
	Data     []byte
	ExitCode int
}

// Handle owns a child process and the master side of its pseudo-terminal.
type Handle struct {
	program string
	cmd     *exec.Cmd
	ptmx    *os.File

	events   chan Event
	readDone chan struct{}
	done     chan struct{}

	killGrace time.Duration
	killOnce  sync.Once

	mu       sync.Mutex
	cols     int
	rows     int
	exited   bool
	exitCode int
}

// Spawn starts spec.Program inside a new pseudo-terminal. The returned
// Handle emits output events until the child exits, then exactly one exit
// event, then closes its event channel.
func Spawn(spec Spec) (*Handle, error) {
	if spec.Program == "" {
		return nil, &SpawnError{Program: spec.Program, Err: errors.New("empty program")}
	}
	path, err := exec.LookPath(spec.Program)
	if err != nil {
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}

	cols, rows := spec.Cols, spec.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if !validSize(cols, rows) {
		return nil, &SpawnError{Program: spec.Program, Err: ErrInvalidSize}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}

	// Start with a real pseudo-terminal; creack/pty puts the child in its
	// own session so signals can target the whole process group.
	ptmx, err := ptylib.StartWithSize(cmd, &ptylib.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, &SpawnError{Program: spec.Program, Err: err}
	}

	grace := spec.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	h := &Handle{
		program:   spec.Program,
		cmd:       cmd,
		ptmx:      ptmx,
		events:    make(chan Event, eventBuffer),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
		killGrace: grace,
		cols:      cols,
		rows:      rows,
	}

	go h.readPump()
	go h.waitExit()

	return h, nil
}

// readPump forwards PTY output as events until the master side fails,
// which happens once the child and every holder of the slave are gone.
func (h *Handle) readPump() {
	defer close(h.readDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.events <- Event{Type: EventOutput, Data: data}
		}
		if err != nil {
			// EIO is the normal end of a Linux PTY.
			return
		}
	}
}

// waitExit reaps the child, lets readPump drain what is left in the PTY,
// then publishes the exit event. Output therefore always precedes exit.
func (h *Handle) waitExit() {
	err := h.cmd.Wait()
	code := exitCode(err)

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()

	// A grandchild may still hold the slave open; don't wait on it forever.
	select {
	case <-h.readDone:
	case <-time.After(outputDrainTimeout):
	}
	h.ptmx.Close()
	<-h.readDone

	h.events <- Event{Type: EventExit, ExitCode: code}
	close(h.events)
	close(h.done)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Events returns the notification channel. It is closed after the exit event.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the child has exited and all events were delivered.
func (h *Handle) Done() <-chan struct{} { return h.done }

// PID returns the child's process id.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Write sends keystrokes to the child. Once the child has exited it returns
// ErrProcessExited; callers treat that as expected, not fatal.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return 0, ErrProcessExited
	}

	n, err := h.ptmx.Write(p)
	if err != nil {
		h.mu.Lock()
		exited = h.exited
		h.mu.Unlock()
		if exited || errors.Is(err, os.ErrClosed) {
			return n, ErrProcessExited
		}
		return n, fmt.Errorf("ptyproc: write: %w", err)
	}
	return n, nil
}

// Resize changes the terminal window size.
func (h *Handle) Resize(cols, rows int) error {
	if !validSize(cols, rows) {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.exited {
		return ErrProcessExited
	}
	if err := ptylib.Setsize(h.ptmx, &ptylib.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	}); err != nil {
		return fmt.Errorf("ptyproc: resize: %w", err)
	}
	h.cols = cols
	h.rows = rows
	return nil
}

// Size returns the current terminal dimensions.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Exited reports whether the child has terminated, and its exit code.
func (h *Handle) Exited() (bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitCode
}

// Kill asks the child to terminate: SIGTERM to its process group, then
// SIGKILL if it is still running after the grace period. Calling Kill on an
// exited handle, or more than once, does nothing.
func (h *Handle) Kill() error {
	var err error
	h.killOnce.Do(func() {
		if exited, _ := h.Exited(); exited || h.cmd.Process == nil {
			return
		}
		pid := h.cmd.Process.Pid
		if err = terminate(pid); err != nil {
			log.Printf("ptyproc: SIGTERM %s (pid %d): %v", h.program, pid, err)
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(h.killGrace):
				log.Printf("ptyproc: %s (pid %d) still running after %s, sending SIGKILL", h.program, pid, h.killGrace)
				if kerr := forceKill(pid); kerr != nil {
					log.Printf("ptyproc: SIGKILL %s (pid %d): %v", h.program, pid, kerr)
				}
			}
		}()
	})
	return err
}

func validSize(cols, rows int) bool {
	return cols > 0 && rows > 0 && cols <= 0xFFFF && rows <= 0xFFFF
}
