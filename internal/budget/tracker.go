// Package budget tracks spend on billed external calls against daily and
// monthly limits. Alert levels are advisory: a critical budget never blocks
// calls, it is surfaced for a human to act on.
package budget

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Period identifies a budget window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// Level is the advisory alert state of a counter.
type Level string

const (
	LevelNone     Level = "none"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Snapshot is the persisted state of one budget period.
type Snapshot struct {
	Period       Period    `json:"period"`
	PeriodStart  time.Time `json:"period_start"`
	Spent        float64   `json:"spent"`
	RequestCount int       `json:"request_count"`
}

// Counter is a snapshot joined with its limit and computed alert level.
type Counter struct {
	Period       Period  `json:"period"`
	Limit        float64 `json:"limit"`
	Spent        float64 `json:"spent"`
	RequestCount int     `json:"request_count"`
	AlertLevel   Level   `json:"alert_level"`
}

// Store persists budget snapshots. Load returns (nil, nil) for a period
// that has never been written.
type Store interface {
	LoadBudget(ctx context.Context, period Period) (*Snapshot, error)
	SaveBudget(ctx context.Context, snap *Snapshot) error
}

// Limits configures spend caps and alert thresholds.
type Limits struct {
	DailyUSD          float64
	MonthlyUSD        float64
	WarningThreshold  float64 // fraction of the limit, e.g. 0.75
	CriticalThreshold float64 // fraction of the limit, e.g. 0.90
}

// Tracker accumulates per-call cost estimates into period counters.
type Tracker struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// New creates a Tracker. A nil now defaults to time.Now.
func New(store Store, limits Limits, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	if limits.WarningThreshold <= 0 {
		limits.WarningThreshold = 0.75
	}
	if limits.CriticalThreshold <= 0 {
		limits.CriticalThreshold = 0.90
	}
	return &Tracker{store: store, limits: limits, now: now}
}

// PeriodStart returns the UTC start of the period containing t.
func PeriodStart(period Period, t time.Time) time.Time {
	t = t.UTC()
	switch period {
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Normalize rolls a stored snapshot forward to the period containing now.
// A snapshot from an earlier period starts over at zero; there is no
// background reset job, rollover is recomputed on every read and write.
func Normalize(snap *Snapshot, period Period, now time.Time) Snapshot {
	start := PeriodStart(period, now)
	if snap == nil || !snap.PeriodStart.Equal(start) {
		return Snapshot{Period: period, PeriodStart: start}
	}
	return *snap
}

// AlertLevel computes the advisory level for spent against limit. Pure
// function, recomputed on read, never stored.
func AlertLevel(spent, limit, warning, critical float64) Level {
	if limit <= 0 {
		return LevelNone
	}
	ratio := spent / limit
	switch {
	case ratio >= critical:
		return LevelCritical
	case ratio >= warning:
		return LevelWarning
	default:
		return LevelNone
	}
}

// RecordCall adds cost to both the daily and monthly counters.
func (t *Tracker) RecordCall(ctx context.Context, cost float64) error {
	now := t.now()
	for _, period := range []Period{PeriodDaily, PeriodMonthly} {
		stored, err := t.store.LoadBudget(ctx, period)
		if err != nil {
			return eris.Wrapf(err, "budget: load %s counter", period)
		}
		snap := Normalize(stored, period, now)
		snap.Spent += cost
		snap.RequestCount++
		if err := t.store.SaveBudget(ctx, &snap); err != nil {
			return eris.Wrapf(err, "budget: save %s counter", period)
		}

		if level := t.levelFor(period, snap.Spent); level != LevelNone {
			zap.L().Warn("budget threshold reached",
				zap.String("period", string(period)),
				zap.Float64("spent", snap.Spent),
				zap.String("level", string(level)))
		}
	}
	return nil
}

// Counters returns both period counters with current alert levels,
// rolled forward to the period containing now.
func (t *Tracker) Counters(ctx context.Context) ([]Counter, error) {
	now := t.now()
	counters := make([]Counter, 0, 2)
	for _, period := range []Period{PeriodDaily, PeriodMonthly} {
		stored, err := t.store.LoadBudget(ctx, period)
		if err != nil {
			return nil, eris.Wrapf(err, "budget: load %s counter", period)
		}
		snap := Normalize(stored, period, now)
		counters = append(counters, Counter{
			Period:       period,
			Limit:        t.limitFor(period),
			Spent:        snap.Spent,
			RequestCount: snap.RequestCount,
			AlertLevel:   t.levelFor(period, snap.Spent),
		})
	}
	return counters, nil
}

// Critical reports whether either period counter is at the critical level.
func (t *Tracker) Critical(ctx context.Context) (bool, error) {
	counters, err := t.Counters(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range counters {
		if c.AlertLevel == LevelCritical {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tracker) limitFor(period Period) float64 {
	if period == PeriodMonthly {
		return t.limits.MonthlyUSD
	}
	return t.limits.DailyUSD
}

func (t *Tracker) levelFor(period Period, spent float64) Level {
	return AlertLevel(spent, t.limitFor(period), t.limits.WarningThreshold, t.limits.CriticalThreshold)
}
