package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/ingest"
	"github.com/govbrief/opptrack/internal/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a multi-source sync cycle",
	Long: `Fetches opportunities from all registered sources and merges them
into the store, deduplicating within each source.

The default intelligent mode only runs sources whose minimum interval has
elapsed since their last completed run. Use --mode full to run everything,
or --sources to restrict the cycle to named sources.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "sync"))

		mode, names, err := parseSyncFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		log.Info("starting sync cycle", zap.String("mode", string(mode)), zap.Strings("sources", names))

		result, err := env.Engine.RunCycle(ctx, mode, names)
		if err != nil {
			if eris.Is(err, ingest.ErrCycleInProgress) {
				return eris.New("a sync cycle is already running, try again later")
			}
			return eris.Wrap(err, "sync")
		}

		formatCycleResult(os.Stdout, result)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("mode", "intelligent", "cycle mode: intelligent, full, or immediate (alias for full)")
	syncCmd.Flags().String("sources", "", "comma-separated source names (e.g. sam.gov,newsapi)")
	rootCmd.AddCommand(syncCmd)
}

func parseSyncFlags(cmd *cobra.Command) (ingest.Mode, []string, error) {
	modeStr, _ := cmd.Flags().GetString("mode")
	sourcesStr, _ := cmd.Flags().GetString("sources")

	var mode ingest.Mode
	switch modeStr {
	case "intelligent":
		mode = ingest.ModeIntelligent
	case "full", "immediate":
		// "immediate" runs every source now, same as full.
		mode = ingest.ModeFull
	default:
		return "", nil, eris.Errorf("unknown mode %q, want intelligent, full, or immediate", modeStr)
	}

	var names []string
	if sourcesStr != "" {
		names = strings.Split(sourcesStr, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
	}
	return mode, names, nil
}

// formatCycleResult writes a per-source summary table followed by totals.
func formatCycleResult(out io.Writer, result *ingest.CycleResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tFOUND\tADDED\tUPDATED\tERROR")

	for _, run := range result.Runs {
		errMsg := ""
		if run.Status != model.RunStatusCompleted {
			errMsg = truncate(run.LastError, 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			run.SourceName, run.Status, run.RecordsFound, run.RecordsAdded, run.RecordsUpdated, errMsg)
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\n%d completed, %d failed, %d skipped\n",
		result.Completed, result.Failed, result.Skipped)
}

// truncate shortens s to max runes, appending an ellipsis when cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
