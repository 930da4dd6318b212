package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Mark items stuck in processing longer than the timeout as failed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		eng, err := initEngine(ctx, "reclaim")
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		ids, err := eng.Reclaim(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, map[string]any{"reclaimed": ids})
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "No stale items found.")
			return nil
		}
		rows := make([][]string, len(ids))
		for i, id := range ids {
			rows[i] = []string{id}
		}
		fmt.Fprintln(os.Stdout, renderTable([]string{"Reclaimed item"}, rows, nil))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reclaimCmd)
}
