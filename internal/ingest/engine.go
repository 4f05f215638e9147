package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/model"
	"github.com/govbrief/opptrack/internal/scorer"
	"github.com/govbrief/opptrack/internal/store"
)

// Mode selects which sources a cycle attempts.
type Mode string

const (
	// ModeIntelligent runs only sources whose minimum interval has elapsed.
	ModeIntelligent Mode = "intelligent"
	// ModeFull runs every source regardless of readiness.
	ModeFull Mode = "full"
)

// ErrCycleInProgress is returned when another cycle holds the lease.
var ErrCycleInProgress = eris.New("ingest: a sync cycle is already running")

// CycleResult summarizes one orchestrator pass.
type CycleResult struct {
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Runs      []model.SourceRun `json:"runs"`
}

// Engine orchestrates source fetch-and-merge runs. Sources execute
// sequentially within a cycle to stay under aggregate provider-side rate
// limits; one source's failure never halts its siblings.
type Engine struct {
	store        store.Store
	fetcher      fetcher.Fetcher
	reg          *Registry
	scorer       *scorer.Scorer
	fetchTimeout time.Duration
	leaseTTL     time.Duration
	now          func() time.Time
}

// NewEngine creates a sync engine.
func NewEngine(st store.Store, f fetcher.Fetcher, reg *Registry, sc *scorer.Scorer, fetchTimeout time.Duration) *Engine {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Engine{
		store:        st,
		fetcher:      f,
		reg:          reg,
		scorer:       sc,
		fetchTimeout: fetchTimeout,
		leaseTTL:     30 * time.Minute,
		now:          time.Now,
	}
}

// RunCycle attempts the selected sources once each, in sequence. Names
// restricts the cycle to specific sources; empty means all. The cycle lease
// prevents two overlapping cycles from racing on merge or double-counting
// budget.
func (e *Engine) RunCycle(ctx context.Context, mode Mode, names []string) (*CycleResult, error) {
	log := zap.L().With(zap.String("component", "ingest.engine"), zap.String("mode", string(mode)))

	acquired, err := e.store.AcquireCycleLease(ctx, e.leaseTTL)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: acquire cycle lease")
	}
	if !acquired {
		return nil, ErrCycleInProgress
	}
	defer func() {
		if err := e.store.ReleaseCycleLease(context.WithoutCancel(ctx)); err != nil {
			log.Warn("release cycle lease failed", zap.Error(err))
		}
	}()

	sources, err := e.reg.Select(names)
	if err != nil {
		return nil, err
	}
	log.Info("cycle starting", zap.Int("sources", len(sources)))

	now := e.now().UTC()
	result := &CycleResult{}

	for _, src := range sources {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		srcLog := log.With(zap.String("source", src.Name()))

		if mode == ModeIntelligent {
			lastRun, err := e.store.LastRun(ctx, src.Name())
			if err != nil {
				return result, eris.Wrapf(err, "ingest: check last run for %s", src.Name())
			}
			if !Ready(src, lastRun, now) {
				srcLog.Debug("skipping (not due)")
				result.Skipped++
				continue
			}
		}

		run := e.runSource(ctx, src, srcLog)
		result.Runs = append(result.Runs, *run)
		switch run.Status {
		case model.RunStatusCompleted:
			result.Completed++
		case model.RunStatusSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
	}

	log.Info("cycle complete",
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// runSource executes one source's fetch-and-merge, recording the attempt in
// the run log. All errors are captured into the run record; nothing
// propagates, so sibling sources always get their turn.
func (e *Engine) runSource(ctx context.Context, src Source, log *zap.Logger) *model.SourceRun {
	run, err := e.store.CreateSourceRun(ctx, src.Name())
	if err != nil {
		log.Error("create run record failed", zap.Error(err))
		return &model.SourceRun{
			SourceName: src.Name(),
			Status:     model.RunStatusFailed,
			StartedAt:  e.now().UTC(),
			LastError:  err.Error(),
		}
	}

	finish := func(status model.RunStatus, stats model.MergeStats, lastError string) *model.SourceRun {
		if err := e.store.FinishSourceRun(ctx, run.ID, status, stats, lastError); err != nil {
			log.Error("record run outcome failed", zap.Error(err))
		}
		now := e.now().UTC()
		run.Status = status
		run.FinishedAt = &now
		run.RecordsFound = stats.Found
		run.RecordsAdded = stats.Added
		run.RecordsUpdated = stats.Updated
		run.LastError = lastError
		return run
	}

	if !src.Available() {
		log.Warn("source unavailable, skipping", zap.String("reason", "API key not configured"))
		return finish(model.RunStatusSkipped, model.MergeStats{}, "API key not configured")
	}

	if err := e.store.StartSourceRun(ctx, run.ID); err != nil {
		log.Error("mark run running failed", zap.Error(err))
	}

	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	records, err := src.Fetch(fetchCtx, e.fetcher)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		log.Error("fetch failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return finish(model.RunStatusFailed, model.MergeStats{}, err.Error())
	}

	stats := model.MergeStats{Found: len(records)}
	for i := range records {
		o := &records[i]
		outcome, err := e.store.MergeOpportunity(ctx, o)
		if err != nil {
			log.Error("merge failed", zap.String("key", o.Key()), zap.Error(err))
			return finish(model.RunStatusFailed, stats, err.Error())
		}
		switch outcome {
		case store.MergeInserted:
			stats.Added++
		case store.MergeUpdated:
			stats.Updated++
		}

		if e.scorer != nil && outcome != store.MergeUnchanged {
			scores := e.scorer.Score(o)
			if err := e.store.UpdateScores(ctx, o.ID, scores); err != nil {
				log.Warn("score update failed", zap.String("id", o.ID), zap.Error(err))
			}
		}
	}

	log.Info("source complete",
		zap.Int("found", stats.Found),
		zap.Int("added", stats.Added),
		zap.Int("updated", stats.Updated),
		zap.Duration("elapsed", elapsed),
	)
	return finish(model.RunStatusCompleted, stats, "")
}
