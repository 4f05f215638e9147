package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/db"
	"github.com/govbrief/opptrack/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	holder  string
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool. Statement
// caching is left to pgx, which prepares and caches per connection on its
// own.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, holder: uuid.New().String()}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, holder: uuid.New().String()}
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., bulk COPY imports).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	agency_name        TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	opportunity_number TEXT NOT NULL DEFAULT '',
	opportunity_key    TEXT NOT NULL,
	estimated_value    DOUBLE PRECISION NOT NULL DEFAULT 0,
	posted_date        TIMESTAMPTZ,
	due_date           TIMESTAMPTZ,
	status             TEXT NOT NULL DEFAULT 'open',
	naics_code         TEXT NOT NULL DEFAULT '',
	set_aside          TEXT NOT NULL DEFAULT '',
	source_type        TEXT NOT NULL,
	source_name        TEXT NOT NULL,
	source_url         TEXT NOT NULL DEFAULT '',
	scores             JSONB NOT NULL DEFAULT '{}',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source_name, opportunity_key)
);

CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_source ON opportunities(source_name);
CREATE INDEX IF NOT EXISTS idx_opportunities_due_date ON opportunities(due_date);

CREATE TABLE IF NOT EXISTS source_runs (
	id              BIGSERIAL PRIMARY KEY,
	source_name     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ,
	records_found   INTEGER NOT NULL DEFAULT 0,
	records_added   INTEGER NOT NULL DEFAULT 0,
	records_updated INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_source_runs_source ON source_runs(source_name, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_source_runs_status ON source_runs(status);

CREATE TABLE IF NOT EXISTS budget_counters (
	period        TEXT PRIMARY KEY,
	period_start  TIMESTAMPTZ NOT NULL,
	spent         DOUBLE PRECISION NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cycle_lease (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

const leaseName = "sync_cycle"

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const opportunityColumns = `id, title, agency_name, description, opportunity_number, estimated_value, posted_date, due_date, status, naics_code, set_aside, source_type, source_name, source_url, scores, created_at, updated_at`

func (s *PostgresStore) MergeOpportunity(ctx context.Context, o *model.Opportunity) (MergeOutcome, error) {
	existing, err := s.GetOpportunity(ctx, o.SourceName, o.Key())
	if err != nil {
		return MergeUnchanged, err
	}

	now := time.Now().UTC()
	if existing == nil {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		o.CreatedAt = now
		o.UpdatedAt = now

		scoresJSON, err := json.Marshal(o.Scores)
		if err != nil {
			return MergeUnchanged, eris.Wrap(err, "postgres: marshal scores")
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO opportunities (id, title, agency_name, description, opportunity_number, opportunity_key, estimated_value, posted_date, due_date, status, naics_code, set_aside, source_type, source_name, source_url, scores, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			o.ID, o.Title, o.AgencyName, o.Description, o.OpportunityNumber, o.Key(),
			o.EstimatedValue, o.PostedDate, o.DueDate, string(o.Status), o.NAICSCode,
			o.SetAside, string(o.SourceType), o.SourceName, o.SourceURL, scoresJSON, now, now,
		)
		if err != nil {
			return MergeUnchanged, eris.Wrapf(err, "postgres: insert opportunity %s", o.Key())
		}
		return MergeInserted, nil
	}

	o.ID = existing.ID
	o.CreatedAt = existing.CreatedAt
	if !o.Changed(existing) {
		o.UpdatedAt = existing.UpdatedAt
		return MergeUnchanged, nil
	}

	o.UpdatedAt = now
	_, err = s.pool.Exec(ctx,
		`UPDATE opportunities SET status = $1, estimated_value = $2, due_date = $3, description = $4, updated_at = $5 WHERE id = $6`,
		string(o.Status), o.EstimatedValue, o.DueDate, o.Description, now, existing.ID,
	)
	if err != nil {
		return MergeUnchanged, eris.Wrapf(err, "postgres: update opportunity %s", existing.ID)
	}
	return MergeUpdated, nil
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, sourceName, key string) (*model.Opportunity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE source_name = $1 AND opportunity_key = $2`,
		sourceName, key,
	)
	o, err := scanOpportunity(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get opportunity %s/%s", sourceName, key)
	}
	return o, nil
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SourceName != "" {
		query += fmt.Sprintf(` AND source_name = $%d`, argIdx)
		args = append(args, filter.SourceName)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Agency != "" {
		query += fmt.Sprintf(` AND agency_name = $%d`, argIdx)
		args = append(args, filter.Agency)
		argIdx++
	}
	if filter.MinTotalScore > 0 {
		query += fmt.Sprintf(` AND (scores->>'total')::float >= $%d`, argIdx)
		args = append(args, filter.MinTotalScore)
		argIdx++
	}
	query += ` ORDER BY (scores->>'total')::float DESC NULLS LAST, created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		opps = append(opps, *o)
	}
	return opps, eris.Wrap(rows.Err(), "postgres: list opportunities iterate")
}

func (s *PostgresStore) UpdateScores(ctx context.Context, id string, scores model.Scores) error {
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal scores")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET scores = $1, updated_at = $2 WHERE id = $3`,
		scoresJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update scores %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("opportunity not found: %s", id)
	}
	return nil
}

func scanOpportunity(scan func(dest ...any) error) (*model.Opportunity, error) {
	var o model.Opportunity
	var status, sourceType string
	var scoresJSON []byte

	err := scan(&o.ID, &o.Title, &o.AgencyName, &o.Description, &o.OpportunityNumber,
		&o.EstimatedValue, &o.PostedDate, &o.DueDate, &status, &o.NAICSCode,
		&o.SetAside, &sourceType, &o.SourceName, &o.SourceURL, &scoresJSON,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Status = model.OpportunityStatus(status)
	o.SourceType = model.SourceType(sourceType)
	if len(scoresJSON) > 0 {
		if err := json.Unmarshal(scoresJSON, &o.Scores); err != nil {
			return nil, eris.Wrap(err, "unmarshal scores")
		}
	}
	return &o, nil
}

func (s *PostgresStore) CreateSourceRun(ctx context.Context, sourceName string) (*model.SourceRun, error) {
	now := time.Now().UTC()
	run := &model.SourceRun{
		SourceName: sourceName,
		Status:     model.RunStatusPending,
		StartedAt:  now,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO source_runs (source_name, status, started_at) VALUES ($1, $2, $3) RETURNING id`,
		sourceName, string(model.RunStatusPending), now,
	).Scan(&run.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run for %s", sourceName)
	}
	return run, nil
}

func (s *PostgresStore) StartSourceRun(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_runs SET status = $1 WHERE id = $2`,
		string(model.RunStatusRunning), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %d", id)
	}
	return nil
}

func (s *PostgresStore) FinishSourceRun(ctx context.Context, id int64, status model.RunStatus, stats model.MergeStats, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE source_runs SET status = $1, finished_at = $2, records_found = $3, records_added = $4, records_updated = $5, last_error = $6 WHERE id = $7`,
		string(status), time.Now().UTC(), stats.Found, stats.Added, stats.Updated, lastError, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %d", id)
	}
	return nil
}

// LastRun returns the most recent completed run for a source, or nil if the
// source has never completed a run. Readiness checks key off this, so a
// failing source is retried on every cycle.
func (s *PostgresStore) LastRun(ctx context.Context, sourceName string) (*model.SourceRun, error) {
	run, err := scanSourceRun(s.pool.QueryRow(ctx,
		`SELECT id, source_name, status, started_at, finished_at, records_found, records_added, records_updated, last_error
		 FROM source_runs WHERE source_name = $1 AND status = $2
		 ORDER BY started_at DESC LIMIT 1`,
		sourceName, string(model.RunStatusCompleted),
	).Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: last run for %s", sourceName)
	}
	return run, nil
}

func (s *PostgresStore) ListSourceRuns(ctx context.Context, filter RunFilter) ([]model.SourceRun, error) {
	query := `SELECT id, source_name, status, started_at, finished_at, records_found, records_added, records_updated, last_error FROM source_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.SourceName != "" {
		query += fmt.Sprintf(` AND source_name = $%d`, argIdx)
		args = append(args, filter.SourceName)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.SourceRun
	for rows.Next() {
		run, err := scanSourceRun(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanSourceRun(scan func(dest ...any) error) (*model.SourceRun, error) {
	var r model.SourceRun
	var status string
	err := scan(&r.ID, &r.SourceName, &status, &r.StartedAt, &r.FinishedAt,
		&r.RecordsFound, &r.RecordsAdded, &r.RecordsUpdated, &r.LastError)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	return &r, nil
}

func (s *PostgresStore) LoadBudget(ctx context.Context, period budget.Period) (*budget.Snapshot, error) {
	snap := budget.Snapshot{Period: period}
	err := s.pool.QueryRow(ctx,
		`SELECT period_start, spent, request_count FROM budget_counters WHERE period = $1`,
		string(period),
	).Scan(&snap.PeriodStart, &snap.Spent, &snap.RequestCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: load budget %s", period)
	}
	return &snap, nil
}

func (s *PostgresStore) SaveBudget(ctx context.Context, snap *budget.Snapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_counters (period, period_start, spent, request_count) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (period) DO UPDATE SET period_start = $2, spent = $3, request_count = $4`,
		string(snap.Period), snap.PeriodStart, snap.Spent, snap.RequestCount,
	)
	return eris.Wrapf(err, "postgres: save budget %s", snap.Period)
}

// AcquireCycleLease takes the cycle lease if it is free, expired, or already
// held by this store instance. Safe across processes: the conditional upsert
// is a single statement, so two racing acquirers cannot both win.
func (s *PostgresStore) AcquireCycleLease(ctx context.Context, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO cycle_lease (name, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET holder = $2, expires_at = $3
		 WHERE cycle_lease.expires_at <= now() OR cycle_lease.holder = $2`,
		leaseName, s.holder, time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: acquire cycle lease")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseCycleLease(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM cycle_lease WHERE name = $1 AND holder = $2`,
		leaseName, s.holder,
	)
	return eris.Wrap(err, "postgres: release cycle lease")
}
