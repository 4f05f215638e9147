package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/model"
)

func TestWriteReport(t *testing.T) {
	due := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	opps := []model.Opportunity{
		{
			Title:             "Enterprise IT Modernization",
			AgencyName:        "DEPT OF DEFENSE",
			OpportunityNumber: "W912DY-26-R-0031",
			EstimatedValue:    2500000,
			DueDate:           &due,
			Status:            model.OpportunityOpen,
			NAICSCode:         "541512",
			SourceName:        "sam.gov",
			SourceURL:         "https://sam.gov/opp/n-1/view",
			Scores:            model.Scores{Total: 0.82},
		},
		{
			Title:      "DHS awards cyber contract",
			AgencyName: "FedScoop",
			Status:     model.OpportunityOpen,
			SourceName: "newsapi",
		},
	}

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, writeReport(path, opps))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)

	sheet := f.Sheets[0]
	assert.Equal(t, "Opportunities", sheet.Name)
	require.Len(t, sheet.Rows, 3, "header plus two data rows")

	assert.Equal(t, "Title", sheet.Rows[0].Cells[0].Value)
	assert.Equal(t, "Enterprise IT Modernization", sheet.Rows[1].Cells[0].Value)
	assert.Equal(t, "2026-10-01", sheet.Rows[1].Cells[8].Value)
	assert.Equal(t, "", sheet.Rows[2].Cells[8].Value, "missing due date renders empty")
}

func TestWriteReport_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, writeReport(path, nil))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets[0].Rows, 1, "header only")
}

func TestFormatCounters(t *testing.T) {
	var buf bytes.Buffer
	formatCounters(&buf, []budget.Counter{
		{Period: budget.PeriodDaily, Limit: 10, Spent: 7.5, RequestCount: 42, AlertLevel: budget.LevelWarning},
		{Period: budget.PeriodMonthly, Limit: 0, Spent: 7.5, RequestCount: 42, AlertLevel: budget.LevelNone},
	})

	out := buf.String()
	assert.Contains(t, out, "daily")
	assert.Contains(t, out, "$7.50")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "warning")
	assert.Contains(t, out, "-", "unlimited period shows a dash for usage")
}
