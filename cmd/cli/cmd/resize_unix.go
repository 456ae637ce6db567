//go:build !windows

package cmd

import (
	"os"
	"os/signal"
	"syscall"
)

// watchResize calls fn on every SIGWINCH until the returned stop is called.
func watchResize(fn func()) (stop func()) {
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-winch:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(winch)
		close(done)
	}
}
