package store

import (
	"context"
	"time"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/model"
)

// MergeOutcome reports what MergeOpportunity did with a record.
type MergeOutcome int

const (
	MergeUnchanged MergeOutcome = iota
	MergeInserted
	MergeUpdated
)

// OpportunityFilter specifies criteria for listing opportunities.
type OpportunityFilter struct {
	SourceName    string                  `json:"source_name,omitempty"`
	Status        model.OpportunityStatus `json:"status,omitempty"`
	Agency        string                  `json:"agency,omitempty"`
	MinTotalScore float64                 `json:"min_total_score,omitempty"`
	Limit         int                     `json:"limit,omitempty"`
	Offset        int                     `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing source runs.
type RunFilter struct {
	SourceName string          `json:"source_name,omitempty"`
	Status     model.RunStatus `json:"status,omitempty"`
	Since      time.Time       `json:"since,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the aggregation pipeline.
type Store interface {
	// Opportunities. Merge dedups on (source_name, opportunity key); rows
	// are never hard-deleted, closed opportunities stay for history.
	MergeOpportunity(ctx context.Context, o *model.Opportunity) (MergeOutcome, error)
	GetOpportunity(ctx context.Context, sourceName, key string) (*model.Opportunity, error)
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error)
	UpdateScores(ctx context.Context, id string, scores model.Scores) error

	// Source runs
	CreateSourceRun(ctx context.Context, sourceName string) (*model.SourceRun, error)
	StartSourceRun(ctx context.Context, id int64) error
	FinishSourceRun(ctx context.Context, id int64, status model.RunStatus, stats model.MergeStats, lastError string) error
	LastRun(ctx context.Context, sourceName string) (*model.SourceRun, error)
	ListSourceRuns(ctx context.Context, filter RunFilter) ([]model.SourceRun, error)

	// Budget counters
	LoadBudget(ctx context.Context, period budget.Period) (*budget.Snapshot, error)
	SaveBudget(ctx context.Context, snap *budget.Snapshot) error

	// Cycle lease: mutual exclusion for overlapping scheduled cycles.
	// Acquire returns false when another live holder owns the lease.
	AcquireCycleLease(ctx context.Context, ttl time.Duration) (bool, error)
	ReleaseCycleLease(ctx context.Context) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
