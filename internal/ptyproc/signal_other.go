//go:build !unix

package ptyproc

import "os"

func terminate(pid int) error {
	return forceKill(pid)
}

func forceKill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
