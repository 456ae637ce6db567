//go:build unix

package ptyproc

import (
	"errors"

	"golang.org/x/sys/unix"
)

// terminate sends SIGTERM to the child's process group. The child leads its
// own session, so -pid reaches anything it forked onto the terminal.
func terminate(pid int) error {
	return signalGroup(pid, unix.SIGTERM)
}

func forceKill(pid int) error {
	return signalGroup(pid, unix.SIGKILL)
}

func signalGroup(pid int, sig unix.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group is gone; fall back to the leader in case it never became one.
		err = unix.Kill(pid, sig)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}
