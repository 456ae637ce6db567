package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/filip-strelec/pokedex-terminal/pkg/client"
)

var (
	baseURL  string
	adminKey string
)

var rootCmd = &cobra.Command{
	Use:   "tbctl",
	Short: "termbridge CLI - Attach to and manage terminal bridge sessions",
	Long: `tbctl is a command-line tool for a termbridge server.

It can attach the local terminal to a bridged program, list and kill live
sessions, browse session history, and emit state markers for testing.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("TERMBRIDGE_URL", "http://localhost:3000"), "termbridge base URL")
	rootCmd.PersistentFlags().StringVar(&adminKey, "admin-key", os.Getenv("TERMBRIDGE_ADMIN_KEY"), "admin key for session management")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func newClient() *client.Client {
	return client.NewClient(baseURL, adminKey)
}

