package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/govbrief/opptrack/internal/budget"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show API spend counters",
	Long:  "Displays daily and monthly API spend against configured limits. Limits are advisory; overruns alert but never block calls.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		tracker := budget.New(st, budget.Limits{
			DailyUSD:          cfg.Budget.DailyLimitUSD,
			MonthlyUSD:        cfg.Budget.MonthlyLimitUSD,
			WarningThreshold:  cfg.Budget.WarningThreshold,
			CriticalThreshold: cfg.Budget.CriticalThreshold,
		}, time.Now)

		counters, err := tracker.Counters(ctx)
		if err != nil {
			return eris.Wrap(err, "budget")
		}

		formatCounters(os.Stdout, counters)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(budgetCmd)
}

// formatCounters writes a tabular view of budget counters to w.
func formatCounters(out io.Writer, counters []budget.Counter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERIOD\tSPENT\tLIMIT\tUSED\tCALLS\tALERT")

	for _, c := range counters {
		used := "-"
		if c.Limit > 0 {
			used = fmt.Sprintf("%.1f%%", 100*c.Spent/c.Limit)
		}
		_, _ = fmt.Fprintf(w, "%s\t$%.2f\t$%.2f\t%s\t%d\t%s\n",
			c.Period, c.Spent, c.Limit, used, c.RequestCount, c.AlertLevel)
	}
	_ = w.Flush()
}
