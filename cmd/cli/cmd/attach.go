package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/filip-strelec/pokedex-terminal/pkg/client"
)

var (
	attachMode   string
	attachCaught string
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach this terminal to a bridged program",
	Long: `Open a terminal session on the bridge and connect it to the local
terminal in raw mode. State markers are printed to stderr as JSON lines.
The session ends when the program exits or the bridge closes the connection.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		caught := json.RawMessage(attachCaught)
		if !json.Valid(caught) {
			return fmt.Errorf("--caught is not valid JSON")
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		terminal, err := client.Dial(dialCtx, baseURL, client.TerminalOptions{Mode: attachMode, Caught: caught})
		cancel()
		if err != nil {
			return err
		}
		defer terminal.Close()

		stdinFd := int(os.Stdin.Fd())
		if term.IsTerminal(stdinFd) {
			oldState, err := term.MakeRaw(stdinFd)
			if err != nil {
				return fmt.Errorf("set terminal raw mode: %w", err)
			}
			defer term.Restore(stdinFd, oldState)

			sendSize(terminal, stdinFd)
			stop := watchResize(func() { sendSize(terminal, stdinFd) })
			defer stop()
		}

		signalChannel := make(chan os.Signal, 1)
		signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signalChannel)
		go func() {
			if _, ok := <-signalChannel; ok {
				terminal.Close()
			}
		}()

		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					if terminal.Send(buf[:n]) != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()

		return pump(terminal)
	},
}

func pump(terminal *client.Terminal) error {
	for {
		msg, err := terminal.Next()
		if err != nil {
			if client.IsNormalClose(err) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		switch msg.Kind {
		case client.KindOutput:
			os.Stdout.Write(msg.Data)
		case client.KindSync:
			fmt.Fprintf(os.Stderr, "%s\r\n", msg.Caught)
		case client.KindAppExited:
			return nil
		}
	}
}

func sendSize(terminal *client.Terminal, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	terminal.Resize(cols, rows)
}

func init() {
	attachCmd.Flags().StringVar(&attachMode, "mode", "primary", "program to run: primary or restricted")
	attachCmd.Flags().StringVar(&attachCaught, "caught", "[]", "initial state passed to the program as JSON")
	rootCmd.AddCommand(attachCmd)
}
