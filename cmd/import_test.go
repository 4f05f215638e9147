package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbrief/opptrack/internal/config"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/store"
)

func writeImportFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opps.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseImportFile(t *testing.T) {
	path := writeImportFile(t, `[
		{"title": "Cloud Migration RFP", "opportunity_number": "RFP-1001", "source_name": "sam.gov", "source_type": "federal_api", "agency_name": "GSA", "estimated_value": 250000},
		{"title": "Cyber Assessment", "source_name": "newsapi", "source_type": "news_api", "status": "awarded"}
	]`)

	opps, err := parseImportFile(path)
	require.NoError(t, err)
	require.Len(t, opps, 2)

	assert.NotEmpty(t, opps[0].ID)
	assert.Equal(t, model.OpportunityOpen, opps[0].Status)
	assert.Equal(t, "RFP-1001", opps[0].Key())

	assert.Equal(t, model.OpportunityAwarded, opps[1].Status)
}

func TestParseImportFile_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{"not json", `{{`, "parse"},
		{"missing title", `[{"source_name": "sam.gov", "source_type": "federal_api"}]`, "no title"},
		{"missing source name", `[{"title": "X", "source_type": "federal_api"}]`, "no source_name"},
		{"missing source type", `[{"title": "X", "source_name": "sam.gov"}]`, "no source_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseImportFile(writeImportFile(t, tt.contents))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseImportFile_Missing(t *testing.T) {
	_, err := parseImportFile(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestOpportunityRows(t *testing.T) {
	due := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	opps := []model.Opportunity{
		{
			ID:                "id-1",
			Title:             "Cloud Migration RFP",
			OpportunityNumber: "RFP-1001",
			DueDate:           &due,
			Status:            model.OpportunityOpen,
			SourceType:        model.SourceTypeFederalAPI,
			SourceName:        "sam.gov",
		},
	}

	rows := opportunityRows(opps)
	require.Len(t, rows, 1)
	require.Len(t, rows[0], len(opportunityUpsert.Columns))

	assert.Equal(t, "id-1", rows[0][0])
	assert.Equal(t, "RFP-1001", rows[0][5]) // opportunity_key
	assert.Equal(t, &due, rows[0][8])
	assert.Equal(t, "open", rows[0][9])
	assert.NotNil(t, rows[0][17]) // updated_at always set
}

func TestImportCommand_SQLite(t *testing.T) {
	prev := cfg
	cfg = &config.Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "import_test.db")
	t.Cleanup(func() { cfg = prev })

	path := writeImportFile(t, `[
		{"title": "Cloud Migration RFP", "opportunity_number": "RFP-1001", "source_name": "sam.gov", "source_type": "federal_api"},
		{"title": "Broadband Grant", "opportunity_number": "GR-7", "source_name": "grantscrape", "source_type": "web_scrape"}
	]`)

	require.NoError(t, importCmd.Flags().Set("file", path))
	t.Cleanup(func() { _ = importCmd.Flags().Set("file", "") })
	importCmd.SetContext(context.Background())
	require.NoError(t, importCmd.RunE(importCmd, nil))

	st, err := store.NewSQLite(cfg.Store.SQLitePath)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.GetOpportunity(context.Background(), "sam.gov", "RFP-1001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Cloud Migration RFP", got.Title)

	// Re-running the same file is an upsert, not a duplicate insert.
	require.NoError(t, importCmd.RunE(importCmd, nil))
	opps, err := st.ListOpportunities(context.Background(), store.OpportunityFilter{})
	require.NoError(t, err)
	assert.Len(t, opps, 2)
}
