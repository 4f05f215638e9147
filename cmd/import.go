package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/db"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/store"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-import opportunities from a JSON file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("file")

		opps, err := parseImportFile(path)
		if err != nil {
			return err
		}
		if len(opps) == 0 {
			cmd.Println("Nothing to import.")
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		var imported int64
		if pg, ok := st.(*store.PostgresStore); ok {
			rows := opportunityRows(opps)
			imported, err = db.BulkUpsert(ctx, pg.Pool(), opportunityUpsert, rows)
			if err != nil {
				return eris.Wrap(err, "import: bulk upsert")
			}
		} else {
			for i := range opps {
				if _, err := st.MergeOpportunity(ctx, &opps[i]); err != nil {
					return eris.Wrapf(err, "import: merge %s/%s", opps[i].SourceName, opps[i].Key())
				}
				imported++
			}
		}

		zap.L().Info("import complete",
			zap.Int64("imported", imported),
			zap.String("file", path),
		)
		cmd.Printf("Imported %d opportunities from %s\n", imported, path)
		return nil
	},
}

// opportunityUpsert maps import rows onto the opportunities table, keyed by
// the same (source_name, opportunity_key) constraint MergeOpportunity uses.
var opportunityUpsert = db.UpsertConfig{
	Table: "opportunities",
	Columns: []string{
		"id", "title", "agency_name", "description", "opportunity_number",
		"opportunity_key", "estimated_value", "posted_date", "due_date",
		"status", "naics_code", "set_aside", "source_type", "source_name",
		"source_url", "scores", "created_at", "updated_at",
	},
	ConflictKeys: []string{"source_name", "opportunity_key"},
	UpdateCols: []string{
		"title", "agency_name", "description", "opportunity_number",
		"estimated_value", "posted_date", "due_date", "status",
		"naics_code", "set_aside", "source_url", "updated_at",
	},
}

// parseImportFile reads a JSON array of opportunities and normalizes the
// records: missing IDs are generated, missing statuses default to open.
func parseImportFile(path string) ([]model.Opportunity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "import: read %s", path)
	}

	var opps []model.Opportunity
	if err := json.Unmarshal(data, &opps); err != nil {
		return nil, eris.Wrapf(err, "import: parse %s", path)
	}

	for i := range opps {
		o := &opps[i]
		if strings.TrimSpace(o.Title) == "" {
			return nil, eris.Errorf("import: record %d has no title", i)
		}
		if o.SourceName == "" {
			return nil, eris.Errorf("import: record %d has no source_name", i)
		}
		if o.SourceType == "" {
			return nil, eris.Errorf("import: record %d has no source_type", i)
		}
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		if o.Status == "" {
			o.Status = model.OpportunityOpen
		}
	}
	return opps, nil
}

// opportunityRows converts opportunities into positional rows matching
// opportunityUpsert.Columns.
func opportunityRows(opps []model.Opportunity) [][]any {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(opps))
	for i := range opps {
		o := &opps[i]
		scoresJSON, err := json.Marshal(o.Scores)
		if err != nil {
			scoresJSON = []byte("{}")
		}
		createdAt := o.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		rows = append(rows, []any{
			o.ID, o.Title, o.AgencyName, o.Description, o.OpportunityNumber,
			o.Key(), o.EstimatedValue, o.PostedDate, o.DueDate,
			string(o.Status), o.NAICSCode, o.SetAside, string(o.SourceType),
			o.SourceName, o.SourceURL, scoresJSON, createdAt, now,
		})
	}
	return rows
}

func init() {
	importCmd.Flags().String("file", "", "path to JSON file (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
