package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// development and one-shot CLI invocations without a Postgres instance.
type SQLiteStore struct {
	db     *sql.DB
	holder string
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, holder: uuid.New().String()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	agency_name        TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	opportunity_number TEXT NOT NULL DEFAULT '',
	opportunity_key    TEXT NOT NULL,
	estimated_value    REAL NOT NULL DEFAULT 0,
	posted_date        DATETIME,
	due_date           DATETIME,
	status             TEXT NOT NULL DEFAULT 'open',
	naics_code         TEXT NOT NULL DEFAULT '',
	set_aside          TEXT NOT NULL DEFAULT '',
	source_type        TEXT NOT NULL,
	source_name        TEXT NOT NULL,
	source_url         TEXT NOT NULL DEFAULT '',
	scores             TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL,
	UNIQUE (source_name, opportunity_key)
);

CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_source ON opportunities(source_name);

CREATE TABLE IF NOT EXISTS source_runs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	source_name     TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME,
	records_found   INTEGER NOT NULL DEFAULT 0,
	records_added   INTEGER NOT NULL DEFAULT 0,
	records_updated INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_source_runs_source ON source_runs(source_name, started_at DESC);

CREATE TABLE IF NOT EXISTS budget_counters (
	period        TEXT PRIMARY KEY,
	period_start  DATETIME NOT NULL,
	spent         REAL NOT NULL DEFAULT 0,
	request_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cycle_lease (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) MergeOpportunity(ctx context.Context, o *model.Opportunity) (MergeOutcome, error) {
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
			return MergeUnchanged, eris.Wrap(err, "sqlite: marshal scores")
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO opportunities (id, title, agency_name, description, opportunity_number, opportunity_key, estimated_value, posted_date, due_date, status, naics_code, set_aside, source_type, source_name, source_url, scores, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.Title, o.AgencyName, o.Description, o.OpportunityNumber, o.Key(),
			o.EstimatedValue, nullTime(o.PostedDate), nullTime(o.DueDate), string(o.Status),
			o.NAICSCode, o.SetAside, string(o.SourceType), o.SourceName, o.SourceURL,
			string(scoresJSON), now, now,
		)
		if err != nil {
			return MergeUnchanged, eris.Wrapf(err, "sqlite: insert opportunity %s", o.Key())
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
	_, err = s.db.ExecContext(ctx,
		`UPDATE opportunities SET status = ?, estimated_value = ?, due_date = ?, description = ?, updated_at = ? WHERE id = ?`,
		string(o.Status), o.EstimatedValue, nullTime(o.DueDate), o.Description, now, existing.ID,
	)
	if err != nil {
		return MergeUnchanged, eris.Wrapf(err, "sqlite: update opportunity %s", existing.ID)
	}
	return MergeUpdated, nil
}

func (s *SQLiteStore) GetOpportunity(ctx context.Context, sourceName, key string) (*model.Opportunity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE source_name = ? AND opportunity_key = ?`,
		sourceName, key,
	)
	o, err := scanSQLiteOpportunity(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get opportunity %s/%s", sourceName, key)
	}
	return o, nil
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE 1=1`
	args := []any{}

	if filter.SourceName != "" {
		query += ` AND source_name = ?`
		args = append(args, filter.SourceName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Agency != "" {
		query += ` AND agency_name = ?`
		args = append(args, filter.Agency)
	}
	if filter.MinTotalScore > 0 {
		query += ` AND CAST(json_extract(scores, '$.total') AS REAL) >= ?`
		args = append(args, filter.MinTotalScore)
	}
	query += ` ORDER BY CAST(json_extract(scores, '$.total') AS REAL) DESC, created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close()

	var opps []model.Opportunity
	for rows.Next() {
		o, err := scanSQLiteOpportunity(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		opps = append(opps, *o)
	}
	return opps, eris.Wrap(rows.Err(), "sqlite: list opportunities iterate")
}

func (s *SQLiteStore) UpdateScores(ctx context.Context, id string, scores model.Scores) error {
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal scores")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE opportunities SET scores = ?, updated_at = ? WHERE id = ?`,
		string(scoresJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update scores %s", id)
	}
	return checkRowsAffected(res, "opportunity", id)
}

func scanSQLiteOpportunity(scan func(dest ...any) error) (*model.Opportunity, error) {
	var o model.Opportunity
	var status, sourceType, scoresJSON string
	var posted, due sql.NullTime

	err := scan(&o.ID, &o.Title, &o.AgencyName, &o.Description, &o.OpportunityNumber,
		&o.EstimatedValue, &posted, &due, &status, &o.NAICSCode,
		&o.SetAside, &sourceType, &o.SourceName, &o.SourceURL, &scoresJSON,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Status = model.OpportunityStatus(status)
	o.SourceType = model.SourceType(sourceType)
	o.PostedDate = timePtr(posted)
	o.DueDate = timePtr(due)
	if scoresJSON != "" {
		if err := json.Unmarshal([]byte(scoresJSON), &o.Scores); err != nil {
			return nil, eris.Wrap(err, "unmarshal scores")
		}
	}
	return &o, nil
}

func (s *SQLiteStore) CreateSourceRun(ctx context.Context, sourceName string) (*model.SourceRun, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO source_runs (source_name, status, started_at) VALUES (?, ?, ?)`,
		sourceName, string(model.RunStatusPending), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run for %s", sourceName)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run id")
	}
	return &model.SourceRun{
		ID:         id,
		SourceName: sourceName,
		Status:     model.RunStatusPending,
		StartedAt:  now,
	}, nil
}

func (s *SQLiteStore) StartSourceRun(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_runs SET status = ? WHERE id = ?`,
		string(model.RunStatusRunning), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: start run %d", id)
	}
	return checkRowsAffected(res, "run", fmt.Sprint(id))
}

func (s *SQLiteStore) FinishSourceRun(ctx context.Context, id int64, status model.RunStatus, stats model.MergeStats, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE source_runs SET status = ?, finished_at = ?, records_found = ?, records_added = ?, records_updated = ?, last_error = ? WHERE id = ?`,
		string(status), time.Now().UTC(), stats.Found, stats.Added, stats.Updated, lastError, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %d", id)
	}
	return checkRowsAffected(res, "run", fmt.Sprint(id))
}

func (s *SQLiteStore) LastRun(ctx context.Context, sourceName string) (*model.SourceRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx,
		`SELECT id, source_name, status, started_at, finished_at, records_found, records_added, records_updated, last_error
		 FROM source_runs WHERE source_name = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`,
		sourceName, string(model.RunStatusCompleted),
	).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last run for %s", sourceName)
	}
	return run, nil
}

func (s *SQLiteStore) ListSourceRuns(ctx context.Context, filter RunFilter) ([]model.SourceRun, error) {
	query := `SELECT id, source_name, status, started_at, finished_at, records_found, records_added, records_updated, last_error FROM source_runs WHERE 1=1`
	args := []any{}

	if filter.SourceName != "" {
		query += ` AND source_name = ?`
		args = append(args, filter.SourceName)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.SourceRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func scanSQLiteRun(scan func(dest ...any) error) (*model.SourceRun, error) {
	var r model.SourceRun
	var status string
	var finished sql.NullTime
	err := scan(&r.ID, &r.SourceName, &status, &r.StartedAt, &finished,
		&r.RecordsFound, &r.RecordsAdded, &r.RecordsUpdated, &r.LastError)
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

func (s *SQLiteStore) LoadBudget(ctx context.Context, period budget.Period) (*budget.Snapshot, error) {
	snap := budget.Snapshot{Period: period}
	err := s.db.QueryRowContext(ctx,
		`SELECT period_start, spent, request_count FROM budget_counters WHERE period = ?`,
		string(period),
	).Scan(&snap.PeriodStart, &snap.Spent, &snap.RequestCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: load budget %s", period)
	}
	return &snap, nil
}

func (s *SQLiteStore) SaveBudget(ctx context.Context, snap *budget.Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_counters (period, period_start, spent, request_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT (period) DO UPDATE SET period_start = excluded.period_start, spent = excluded.spent, request_count = excluded.request_count`,
		string(snap.Period), snap.PeriodStart, snap.Spent, snap.RequestCount,
	)
	return eris.Wrapf(err, "sqlite: save budget %s", snap.Period)
}

// AcquireCycleLease takes the lease inside a transaction. SQLite serializes
// writers, so the read-check-write sequence cannot interleave with another
// acquirer on the same file.
func (s *SQLiteStore) AcquireCycleLease(ctx context.Context, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin lease tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var holder string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM cycle_lease WHERE name = ?`, leaseName,
	).Scan(&holder, &expiresAt)
	if err != nil && err != sql.ErrNoRows {
		return false, eris.Wrap(err, "sqlite: read lease")
	}
	if err == nil && holder != s.holder && expiresAt.After(now) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cycle_lease (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at`,
		leaseName, s.holder, now.Add(ttl),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: write lease")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit lease")
	}
	return true, nil
}

func (s *SQLiteStore) ReleaseCycleLease(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cycle_lease WHERE name = ? AND holder = ?`,
		leaseName, s.holder,
	)
	return eris.Wrap(err, "sqlite: release cycle lease")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
