package ingest

import (
	"context"
	"time"

	"github.com/govbrief/opptrack/internal/fetcher"
	"github.com/govbrief/opptrack/internal/model"
)

// Source defines the interface each opportunity provider must implement.
type Source interface {
	// Name returns the unique identifier for this source (e.g., "sam.gov").
	Name() string

	// Type classifies the provider.
	Type() model.SourceType

	// MinInterval returns the minimum time between runs, derived from the
	// provider's documented rate limits.
	MinInterval() time.Duration

	// Available reports whether the source can run at all. A source with a
	// missing API key is unavailable: it is skipped for the cycle and
	// reported as such, never as a failure.
	Available() bool

	// Fetch downloads raw records and maps them to the common Opportunity
	// shape. It does not write to storage; the engine merges.
	Fetch(ctx context.Context, f fetcher.Fetcher) ([]model.Opportunity, error)
}

// Ready reports whether a source is due: true iff it has never completed a
// run or its last completed run started at least MinInterval ago.
func Ready(s Source, lastRun *model.SourceRun, now time.Time) bool {
	if lastRun == nil {
		return true
	}
	return now.Sub(lastRun.StartedAt) >= s.MinInterval()
}
