package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/transcript-engine/internal/enrich"
)

var (
	enrichMaxItems int
	enrichBudget   float64
	enrichStrategy string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <collection-id>",
	Short: "Run one budgeted background pass of high-fidelity transcription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var ranking enrich.Strategy
		if enrichStrategy != "" {
			s, err := enrich.ParseStrategy(enrichStrategy)
			if err != nil {
				return err
			}
			ranking = s
		}

		eng, err := initEngine(ctx, "enrich")
		if err != nil {
			return err
		}
		defer eng.Close() //nolint:errcheck

		opts := enrich.Options{MaxItems: enrichMaxItems, Strategy: ranking}
		if cmd.Flags().Changed("budget") {
			opts.MaxBudgetUSD = enrich.Budget(enrichBudget)
		}
		rep, err := eng.RunBackgroundPass(ctx, args[0], opts)
		if rep != nil {
			if jsonOutput {
				if werr := writeJSON(os.Stdout, rep); werr != nil {
					return werr
				}
			} else {
				formatEnrichReport(os.Stdout, rep)
			}
		}
		return err
	},
}

func init() {
	enrichCmd.Flags().IntVar(&enrichMaxItems, "max-items", 0, "maximum items to promote (default from config)")
	enrichCmd.Flags().Float64Var(&enrichBudget, "budget", 0, "maximum spend in USD, 0 spends nothing (default from config)")
	enrichCmd.Flags().StringVar(&enrichStrategy, "strategy", "", "ranking: smart, newest or shortest (default from config)")
	rootCmd.AddCommand(enrichCmd)
}
