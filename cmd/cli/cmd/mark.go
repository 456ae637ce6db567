package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filip-strelec/pokedex-terminal/internal/sidechannel"
)

var markCmd = &cobra.Command{
	Use:   "mark <json>",
	Short: "Print a state marker carrying the given JSON payload",
	Long: `Print a state marker to stdout. Run inside a bridged program (or pipe
into one) to check that the bridge lifts it out of the output stream:

  tbctl mark '[{"id":25,"name":"pikachu"}]'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[0])) {
			return fmt.Errorf("payload is not valid JSON")
		}
		marker, err := sidechannel.Encode(json.RawMessage(args[0]))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(marker)
		return err
	},
}

func init() {
	rootCmd.AddCommand(markCmd)
}
