package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/sells-group/transcript-engine/internal/engine"
	"github.com/sells-group/transcript-engine/internal/strategy"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List the configured transcript strategies in priority order",
	Long:  "Shows the order strategies are tried in before any success-rate ranking. Live counters are served by `serve` at GET /strategies.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		names, err := engine.StrategyNames(cfg.Racer)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			names = strategy.Names()
		}

		if jsonOutput {
			return writeJSON(os.Stdout, map[string]any{"strategies": names, "known": strategy.Names()})
		}

		enabled := make(map[string]bool, len(names))
		rows := make([][]string, 0, len(strategy.Names()))
		for i, n := range names {
			enabled[n] = true
			rows = append(rows, []string{strconv.Itoa(i + 1), n, "enabled"})
		}
		for _, n := range strategy.Names() {
			if !enabled[n] {
				rows = append(rows, []string{"-", n, "disabled"})
			}
		}
		fmt.Fprintln(os.Stdout, renderTable([]string{"Priority", "Strategy", "Status"}, rows, []columnAlignment{alignRight}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
}
