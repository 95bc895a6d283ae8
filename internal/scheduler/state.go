// Package scheduler decides when each source runs, tracks per-source health,
// and drives the queue workers that turn raw documents into stored records.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/db"
	"github.com/claimguardian/ingest-cli/internal/model"
)

// Run is one connector execution recorded in pipeline.source_runs.
type Run struct {
	ID          string          `json:"id"`
	SourceID    string          `json:"source_id"`
	Mode        model.FetchMode `json:"mode"`
	Status      string          `json:"status"` // running, succeeded, failed
	DocsEmitted int64           `json:"docs_emitted"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// StateStore owns pipeline.sources and pipeline.source_runs. Source rows are
// mutated only here, after a run finishes or an operator flips a source.
type StateStore struct {
	pool db.Pool
	log  *zap.Logger
}

// NewStateStore creates a StateStore over the given pool.
func NewStateStore(pool db.Pool) *StateStore {
	return &StateStore{
		pool: pool,
		log:  zap.L().With(zap.String("component", "scheduler")),
	}
}

// Register inserts or refreshes a source row from its descriptor. Run state
// columns (failures, timestamps, disabled) are preserved on conflict.
func (s *StateStore) Register(ctx context.Context, src model.SourceDescriptor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline.sources (id, family, endpoint, fetch_mode, cadence_secs, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			family = EXCLUDED.family, endpoint = EXCLUDED.endpoint,
			fetch_mode = EXCLUDED.fetch_mode, cadence_secs = EXCLUDED.cadence_secs,
			updated_at = now()`,
		src.ID, string(src.Family), src.Endpoint, string(src.FetchMode), int64(src.Cadence.Seconds()),
	)
	return eris.Wrapf(err, "scheduler: register source %s", src.ID)
}

const sourceColumns = `id, family, endpoint, fetch_mode, cadence_secs,
	last_run_at, last_success_at, consecutive_failures, schema_failures, disabled`

// List returns all sources ordered by ID.
func (s *StateStore) List(ctx context.Context) ([]model.SourceDescriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM pipeline.sources ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list sources")
	}
	defer rows.Close()

	var sources []model.SourceDescriptor
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, eris.Wrap(err, "scheduler: scan source")
		}
		sources = append(sources, *src)
	}
	return sources, eris.Wrap(rows.Err(), "scheduler: iterate sources")
}

// Get returns one source, or nil when it does not exist.
func (s *StateStore) Get(ctx context.Context, sourceID string) (*model.SourceDescriptor, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM pipeline.sources WHERE id = $1`,
		sourceID,
	)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: get source %s", sourceID)
	}
	return src, nil
}

func scanSource(row pgx.Row) (*model.SourceDescriptor, error) {
	var (
		src         model.SourceDescriptor
		family      string
		mode        string
		cadenceSecs int64
	)
	err := row.Scan(
		&src.ID, &family, &src.Endpoint, &mode, &cadenceSecs,
		&src.LastRunAt, &src.LastSuccessAt, &src.ConsecutiveFailures, &src.SchemaFailures, &src.Disabled,
	)
	if err != nil {
		return nil, err
	}
	src.Family = model.Family(family)
	src.FetchMode = model.FetchMode(mode)
	src.Cadence = time.Duration(cadenceSecs) * time.Second
	return &src, nil
}

// SetDisabled flips a source on or off. Re-enabling clears both failure
// streaks so the source is immediately due again.
func (s *StateStore) SetDisabled(ctx context.Context, sourceID string, disabled bool) error {
	query := `UPDATE pipeline.sources SET disabled = TRUE, updated_at = now() WHERE id = $1`
	if !disabled {
		query = `UPDATE pipeline.sources
			SET disabled = FALSE, consecutive_failures = 0, schema_failures = 0, updated_at = now()
			WHERE id = $1`
	}
	tag, err := s.pool.Exec(ctx, query, sourceID)
	if err != nil {
		return eris.Wrapf(err, "scheduler: set disabled for %s", sourceID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("scheduler: source not found: %s", sourceID)
	}
	return nil
}

// StartRun records a run start and stamps the source's last_run_at.
func (s *StateStore) StartRun(ctx context.Context, sourceID string, mode model.FetchMode, now time.Time) (string, error) {
	runID := uuid.New().String()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "scheduler: begin run tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO pipeline.source_runs (id, source_id, mode, status, started_at) VALUES ($1, $2, $3, 'running', $4)`,
		runID, sourceID, string(mode), now,
	); err != nil {
		return "", eris.Wrapf(err, "scheduler: insert run for %s", sourceID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE pipeline.sources SET last_run_at = $2, updated_at = now() WHERE id = $1`,
		sourceID, now,
	); err != nil {
		return "", eris.Wrapf(err, "scheduler: stamp last run for %s", sourceID)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "scheduler: commit run tx")
	}
	return runID, nil
}

// FinishRun closes out a run row with its outcome.
func (s *StateStore) FinishRun(ctx context.Context, runID string, docsEmitted int64, runErr error) error {
	status := "succeeded"
	msg := ""
	if runErr != nil {
		status = "failed"
		msg = runErr.Error()
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline.source_runs
		SET status = $2, docs_emitted = $3, error = NULLIF($4, ''), finished_at = now()
		WHERE id = $1`,
		runID, status, docsEmitted, msg,
	)
	return eris.Wrapf(err, "scheduler: finish run %s", runID)
}

// MarkSuccess resets both failure streaks after a successful run.
func (s *StateStore) MarkSuccess(ctx context.Context, sourceID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE pipeline.sources
		SET last_success_at = $2, consecutive_failures = 0, schema_failures = 0, updated_at = now()
		WHERE id = $1`,
		sourceID, now,
	)
	return eris.Wrapf(err, "scheduler: mark success for %s", sourceID)
}

// MarkFetchFailure increments the fetch failure streak, which stretches the
// source's effective cadence, and disables the source once the streak
// reaches the threshold. Returns whether the source is now disabled.
func (s *StateStore) MarkFetchFailure(ctx context.Context, sourceID string, maxFetchFailures int) (bool, error) {
	var disabled bool
	err := s.pool.QueryRow(ctx, `
		UPDATE pipeline.sources
		SET consecutive_failures = consecutive_failures + 1,
		    disabled = disabled OR (consecutive_failures + 1 >= $2),
		    updated_at = now()
		WHERE id = $1
		RETURNING disabled`,
		sourceID, maxFetchFailures,
	).Scan(&disabled)
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: mark fetch failure for %s", sourceID)
	}
	if disabled {
		s.log.Warn("source disabled after repeated fetch failures",
			zap.String("source_id", sourceID),
			zap.Int("threshold", maxFetchFailures),
		)
	}
	return disabled, nil
}

// MarkSchemaFailure increments the schema failure streak and disables the
// source once the streak reaches the threshold. Returns whether the source
// is now disabled. A disabled source stays down until an operator re-enables
// it; an upstream schema change needs a connector fix, not a retry.
func (s *StateStore) MarkSchemaFailure(ctx context.Context, sourceID string, maxSchemaFailures int) (bool, error) {
	var disabled bool
	err := s.pool.QueryRow(ctx, `
		UPDATE pipeline.sources
		SET schema_failures = schema_failures + 1,
		    disabled = disabled OR (schema_failures + 1 >= $2),
		    updated_at = now()
		WHERE id = $1
		RETURNING disabled`,
		sourceID, maxSchemaFailures,
	).Scan(&disabled)
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: mark schema failure for %s", sourceID)
	}
	if disabled {
		s.log.Warn("source disabled after repeated schema failures",
			zap.String("source_id", sourceID),
			zap.Int("threshold", maxSchemaFailures),
		)
	}
	return disabled, nil
}

// RecentRuns returns the latest runs for a source, newest first.
func (s *StateStore) RecentRuns(ctx context.Context, sourceID string, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, mode, status, docs_emitted, COALESCE(error, ''), started_at, finished_at
		FROM pipeline.source_runs
		WHERE source_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		sourceID, limit,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: recent runs for %s", sourceID)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r    Run
			mode string
		)
		if err := rows.Scan(&r.ID, &r.SourceID, &mode, &r.Status, &r.DocsEmitted, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "scheduler: scan run")
		}
		r.Mode = model.FetchMode(mode)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "scheduler: iterate runs")
}
