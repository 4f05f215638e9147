package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export opportunities to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		output, _ := cmd.Flags().GetString("output")
		status, _ := cmd.Flags().GetString("status")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		opps, err := st.ListOpportunities(ctx, store.OpportunityFilter{
			Status:        model.OpportunityStatus(status),
			MinTotalScore: minScore,
			Limit:         limit,
		})
		if err != nil {
			return eris.Wrap(err, "report: list opportunities")
		}

		if err := writeReport(output, opps); err != nil {
			return err
		}

		zap.L().Info("report written", zap.String("path", output), zap.Int("rows", len(opps)))
		fmt.Printf("Wrote %d opportunities to %s\n", len(opps), output)
		return nil
	},
}

func init() {
	reportCmd.Flags().String("output", "opportunities.xlsx", "output file path")
	reportCmd.Flags().String("status", "", "filter by status: open, closed, awarded")
	reportCmd.Flags().Float64("min-score", 0, "minimum total score")
	reportCmd.Flags().Int("limit", 1000, "maximum rows to export")
	rootCmd.AddCommand(reportCmd)
}

var reportHeader = []string{
	"Title", "Agency", "Number", "Status", "NAICS", "Set-Aside",
	"Estimated Value", "Posted", "Due", "Score", "Source", "URL",
}

// writeReport renders opportunities into a single-sheet workbook.
func writeReport(path string, opps []model.Opportunity) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Opportunities")
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, name := range reportHeader {
		header.AddCell().Value = name
	}

	for i := range opps {
		o := &opps[i]
		row := sheet.AddRow()
		row.AddCell().Value = o.Title
		row.AddCell().Value = o.AgencyName
		row.AddCell().Value = o.OpportunityNumber
		row.AddCell().Value = string(o.Status)
		row.AddCell().Value = o.NAICSCode
		row.AddCell().Value = o.SetAside
		row.AddCell().SetFloat(o.EstimatedValue)
		row.AddCell().Value = formatDate(o.PostedDate)
		row.AddCell().Value = formatDate(o.DueDate)
		row.AddCell().SetFloat(o.Scores.Total)
		row.AddCell().Value = o.SourceName
		row.AddCell().Value = o.SourceURL
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
