package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/cache"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/store"
)

// SourceHealth summarizes one source's recent runs.
type SourceHealth struct {
	Runs       int        `json:"runs"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	LastStatus string     `json:"last_status,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Run metrics within the lookback window.
	RunsTotal     int     `json:"runs_total"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsSkipped   int     `json:"runs_skipped"`
	FailRate      float64 `json:"fail_rate"`

	// Per-source detail, keyed by source name.
	Sources map[string]*SourceHealth `json:"sources"`

	// Spend counters, daily then monthly.
	Budget []budget.Counter `json:"budget,omitempty"`

	// Response-cache counters since process start.
	Cache *cache.Stats `json:"cache,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers health metrics from the run log, budget counters, and
// response cache.
type Collector struct {
	store   store.Store
	tracker *budget.Tracker
	cache   *cache.Cache
}

// NewCollector creates a metrics collector. tracker and cache may be nil
// when the caller only needs run metrics.
func NewCollector(st store.Store, tracker *budget.Tracker, c *cache.Cache) *Collector {
	return &Collector{store: st, tracker: tracker, cache: c}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		Sources:       make(map[string]*SourceHealth),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListSourceRuns(ctx, store.RunFilter{Since: cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list source runs")
	}

	for _, r := range runs {
		health := snap.Sources[r.SourceName]
		if health == nil {
			health = &SourceHealth{}
			snap.Sources[r.SourceName] = health
		}
		health.Runs++
		if health.LastRunAt == nil || r.StartedAt.After(*health.LastRunAt) {
			started := r.StartedAt
			health.LastRunAt = &started
			health.LastStatus = string(r.Status)
			health.LastError = r.LastError
		}

		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusCompleted:
			snap.RunsCompleted++
			health.Completed++
		case model.RunStatusFailed:
			snap.RunsFailed++
			health.Failed++
		case model.RunStatusSkipped:
			snap.RunsSkipped++
			health.Skipped++
		}
	}

	// Skips are expected when keys are absent, so the rate only counts
	// runs that actually attempted a fetch.
	finished := snap.RunsCompleted + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.tracker != nil {
		counters, err := c.tracker.Counters(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: load budget counters")
		}
		snap.Budget = counters
	}

	if c.cache != nil {
		stats := c.cache.Stats()
		snap.Cache = &stats
	}

	return snap, nil
}
