//go:build windows

package cmd

func watchResize(fn func()) (stop func()) {
	return func() {}
}
