package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/transcript-engine/internal/escalation"
)

var escalateCmd = &cobra.Command{
	Use:   "escalate <item-id>",
	Short: "Acquire the high-fidelity transcript of one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eng, err := initEngine(ctx, "escalate")
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		res, err := eng.Escalate(ctx, args[0])
		if errors.Is(err, escalation.ErrInProgress) {
			fmt.Fprintf(os.Stderr, "Item %s is already being transcribed; check back with `item %s`.\n", args[0], args[0])
			return nil
		}
		if res != nil {
			if jsonOutput {
				if werr := writeJSON(os.Stdout, res); werr != nil {
					return werr
				}
			} else {
				formatEscalation(os.Stdout, res)
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(escalateCmd)
}
