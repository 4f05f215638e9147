package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/cache"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRun(t *testing.T, st *store.SQLiteStore, source string, status model.RunStatus, lastError string) {
	t.Helper()
	ctx := context.Background()
	run, err := st.CreateSourceRun(ctx, source)
	require.NoError(t, err)
	if status != model.RunStatusPending {
		require.NoError(t, st.FinishSourceRun(ctx, run.ID, status, model.MergeStats{Found: 1}, lastError))
	}
}

func TestCollector_Collect(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "sam.gov", model.RunStatusCompleted, "")
	seedRun(t, st, "sam.gov", model.RunStatusCompleted, "")
	seedRun(t, st, "newsapi", model.RunStatusFailed, "http 429")
	seedRun(t, st, "marketintel", model.RunStatusSkipped, "API key not configured")

	tracker := budget.New(st, budget.Limits{DailyUSD: 10, MonthlyUSD: 100}, time.Now)
	require.NoError(t, tracker.RecordCall(ctx, 0.25))

	c, err := cache.New(cache.Config{})
	require.NoError(t, err)

	snap, err := NewCollector(st, tracker, c).Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsSkipped)
	assert.InDelta(t, 1.0/3.0, snap.FailRate, 1e-9, "skips never count toward the rate")

	require.Contains(t, snap.Sources, "newsapi")
	news := snap.Sources["newsapi"]
	assert.Equal(t, "failed", news.LastStatus)
	assert.Equal(t, "http 429", news.LastError)

	require.Len(t, snap.Budget, 2)
	assert.Equal(t, budget.PeriodDaily, snap.Budget[0].Period)
	assert.InDelta(t, 0.25, snap.Budget[0].Spent, 1e-9)

	require.NotNil(t, snap.Cache)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollector_PerSourceCounts(t *testing.T) {
	st := newTestStore(t)

	seedRun(t, st, "sam.gov", model.RunStatusFailed, "boom")
	seedRun(t, st, "sam.gov", model.RunStatusCompleted, "")

	snap, err := NewCollector(st, nil, nil).Collect(context.Background(), 24)
	require.NoError(t, err)

	health := snap.Sources["sam.gov"]
	require.NotNil(t, health)
	assert.Equal(t, 2, health.Runs)
	assert.Equal(t, 1, health.Failed)
	assert.Nil(t, snap.Budget)
	assert.Nil(t, snap.Cache)
}

func TestCollector_EmptyStore(t *testing.T) {
	st := newTestStore(t)

	snap, err := NewCollector(st, nil, nil).Collect(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.FailRate)
	assert.Equal(t, 24, snap.LookbackHours, "zero lookback falls back to a day")
}
