package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent source runs",
	Long:  "Displays the sync history for all sources, most recent first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		runs, err := st.ListSourceRuns(ctx, store.RunFilter{SourceName: source, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(runs) == 0 {
			zap.L().Info("no runs recorded yet, run 'opptrack sync' to start")
			return nil
		}

		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("source", "", "filter by source name")
	statusCmd.Flags().Int("limit", 50, "maximum runs to show")
	rootCmd.AddCommand(statusCmd)
}

// formatRuns writes a tabular view of source runs to w.
func formatRuns(out io.Writer, runs []model.SourceRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSTARTED\tDURATION\tFOUND\tADDED\tUPDATED\tERROR")

	for _, r := range runs {
		dur := "-"
		if r.FinishedAt != nil {
			dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID,
			r.SourceName,
			r.Status,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
			r.RecordsFound,
			r.RecordsAdded,
			r.RecordsUpdated,
			truncate(r.LastError, 60),
		)
	}
	_ = w.Flush()
}
