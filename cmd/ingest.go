package main

import (
	"os"

	"github.com/spf13/cobra"
)

var ingestRefresh bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <collection-id>",
	Short: "Import a collection: metadata for every item, then scraped captions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ingestRefresh {
			cfg.Ingest.RefreshCaptions = true
		}

		eng, err := initEngine(ctx, "ingest")
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		rep, err := eng.Ingest(ctx, args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return writeJSON(os.Stdout, rep)
		}
		formatIngestReport(os.Stdout, rep)
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestRefresh, "refresh", false, "re-scrape captions for items that already have them")
	rootCmd.AddCommand(ingestCmd)
}
