package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_GetOpportunity_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM opportunities WHERE source_name = \$1 AND opportunity_key = \$2`).
		WithArgs("sam.gov", "NOPE-1").
		WillReturnError(pgx.ErrNoRows)

	o, err := s.GetOpportunity(context.Background(), "sam.gov", "NOPE-1")
	require.NoError(t, err)
	assert.Nil(t, o)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Merge_InsertsNewRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM opportunities WHERE source_name = \$1 AND opportunity_key = \$2`).
		WithArgs("sam.gov", "ABC-123").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO opportunities`).
		WithArgs(
			pgxmock.AnyArg(), "Cloud Migration Services", "", "", "ABC-123",
			"ABC-123", 0.0, (*time.Time)(nil), (*time.Time)(nil), "open",
			"", "", "federal_api", "sam.gov", "", pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	o := &model.Opportunity{
		Title:             "Cloud Migration Services",
		OpportunityNumber: "ABC-123",
		Status:            model.OpportunityOpen,
		SourceType:        model.SourceTypeFederalAPI,
		SourceName:        "sam.gov",
	}
	outcome, err := s.MergeOpportunity(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, MergeInserted, outcome)
	assert.NotEmpty(t, o.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func opportunityRows(due *time.Time) *pgxmock.Rows {
	now := time.Now().UTC()
	return pgxmock.NewRows([]string{
		"id", "title", "agency_name", "description", "opportunity_number",
		"estimated_value", "posted_date", "due_date", "status", "naics_code",
		"set_aside", "source_type", "source_name", "source_url", "scores",
		"created_at", "updated_at",
	}).AddRow(
		"opp-1", "Cloud Migration Services", "DOD", "desc", "ABC-123",
		2_500_000.0, (*time.Time)(nil), due, "open", "541512",
		"", "federal_api", "sam.gov", "https://sam.gov/opp/ABC-123", []byte(`{"total":0.5}`),
		now, now,
	)
}

func TestPostgresStore_Merge_UnchangedSkipsWrite(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	due := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM opportunities`).
		WithArgs("sam.gov", "ABC-123").
		WillReturnRows(opportunityRows(&due))

	o := &model.Opportunity{
		Title:             "Cloud Migration Services",
		Description:       "desc",
		OpportunityNumber: "ABC-123",
		EstimatedValue:    2_500_000,
		DueDate:           &due,
		Status:            model.OpportunityOpen,
		SourceType:        model.SourceTypeFederalAPI,
		SourceName:        "sam.gov",
	}
	outcome, err := s.MergeOpportunity(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, MergeUnchanged, outcome)
	assert.Equal(t, "opp-1", o.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Merge_UpdatesWhenDueDateMoves(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	oldDue := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM opportunities`).
		WithArgs("sam.gov", "ABC-123").
		WillReturnRows(opportunityRows(&oldDue))
	newDue := time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`UPDATE opportunities SET status = \$1, estimated_value = \$2, due_date = \$3`).
		WithArgs("open", 2_500_000.0, &newDue, "desc", pgxmock.AnyArg(), "opp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	o := &model.Opportunity{
		Title:             "Cloud Migration Services",
		Description:       "desc",
		OpportunityNumber: "ABC-123",
		EstimatedValue:    2_500_000,
		DueDate:           &newDue,
		Status:            model.OpportunityOpen,
		SourceType:        model.SourceTypeFederalAPI,
		SourceName:        "sam.gov",
	}
	outcome, err := s.MergeOpportunity(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, MergeUpdated, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateSourceRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO source_runs .+ RETURNING id`).
		WithArgs("sam.gov", "pending", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	run, err := s.CreateSourceRun(context.Background(), "sam.gov")
	require.NoError(t, err)
	assert.Equal(t, int64(42), run.ID)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishSourceRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE source_runs SET status`).
		WithArgs("completed", pgxmock.AnyArg(), 0, 0, 0, "", int64(99)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishSourceRun(context.Background(), 99, model.RunStatusCompleted, model.MergeStats{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadBudget_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT period_start, spent, request_count FROM budget_counters`).
		WithArgs("daily").
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.LoadBudget(context.Background(), budget.PeriodDaily)
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBudget_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO budget_counters .+ ON CONFLICT`).
		WithArgs("monthly", pgxmock.AnyArg(), 12.5, 3).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveBudget(context.Background(), &budget.Snapshot{
		Period:       budget.PeriodMonthly,
		PeriodStart:  time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Spent:        12.5,
		RequestCount: 3,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireCycleLease(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cycle_lease .+ ON CONFLICT`).
		WithArgs("sync_cycle", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	got, err := s.AcquireCycleLease(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AcquireCycleLease_Held(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// A live lease owned by someone else makes the conditional upsert a no-op.
	mock.ExpectExec(`INSERT INTO cycle_lease .+ ON CONFLICT`).
		WithArgs("sync_cycle", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	got, err := s.AcquireCycleLease(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSourceRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	finished := time.Now().UTC()
	mock.ExpectQuery(`SELECT .+ FROM source_runs`).
		WithArgs("sam.gov", 100).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source_name", "status", "started_at", "finished_at",
			"records_found", "records_added", "records_updated", "last_error",
		}).AddRow(int64(1), "sam.gov", "completed", finished.Add(-time.Minute), &finished, 5, 3, 1, ""))

	runs, err := s.ListSourceRuns(context.Background(), RunFilter{SourceName: "sam.gov"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, 5, runs[0].RecordsFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
