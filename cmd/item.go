package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/transcript-engine/internal/engine"
)

var itemText bool

var itemCmd = &cobra.Command{
	Use:   "item <item-id>",
	Short: "Show every tier stored for an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := engine.OpenStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		it, err := st.GetItem(ctx, args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(os.Stdout, it)
		}
		formatItem(os.Stdout, it, time.Now())

		if itemText {
			switch {
			case it.Tier3.Result != nil:
				fmt.Fprintln(os.Stdout, it.Tier3.Result.Text)
			case it.HasTier2():
				fmt.Fprintln(os.Stdout, it.Tier2.Text)
			default:
				fmt.Fprintln(os.Stderr, "No transcript stored yet.")
			}
		}
		return nil
	},
}

var collectionCmd = &cobra.Command{
	Use:   "collection <collection-id>",
	Short: "Show a collection summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := engine.OpenStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := st.GetCollection(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(os.Stdout, c)
		}
		formatCollection(os.Stdout, c, time.Now())
		return nil
	},
}

func init() {
	itemCmd.Flags().BoolVar(&itemText, "text", false, "print the best available transcript text")
	rootCmd.AddCommand(itemCmd)
	rootCmd.AddCommand(collectionCmd)
}
