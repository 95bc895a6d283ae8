package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/claimguardian/ingest-cli/internal/db"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot upsert and lookup paths.
var preparedStatements = map[string]string{
	"lock_current":   `SELECT version, content_hash FROM pipeline.records WHERE record_id = $1 AND is_current FOR UPDATE`,
	"demote_current": `UPDATE pipeline.records SET is_current = FALSE WHERE record_id = $1 AND is_current`,
	"current_hash":   `SELECT content_hash FROM pipeline.records WHERE record_id = $1 AND is_current`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
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

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewMigrator connects without preparing statements, for running Migrate
// against a database that does not have the schema yet.
func NewMigrator(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewWithPool wraps an existing pool. Tests hand in a pgxmock pool here.
func NewWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (queue, scheduler state, search).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE SCHEMA IF NOT EXISTS pipeline;

CREATE TABLE IF NOT EXISTS pipeline.records (
	record_id          TEXT NOT NULL,
	version            INTEGER NOT NULL,
	source_id          TEXT NOT NULL,
	kind               TEXT NOT NULL,
	fields             JSONB NOT NULL DEFAULT '{}'::jsonb,
	geom               geometry(Geometry, 4326),
	raw_text           TEXT NOT NULL DEFAULT '',
	content_hash       TEXT NOT NULL,
	ingested_at        TIMESTAMPTZ NOT NULL,
	embedding          vector(1536),
	derived_scores     JSONB,
	tags               TEXT[] NOT NULL DEFAULT '{}',
	enrichment_version INTEGER NOT NULL DEFAULT 1,
	is_current         BOOLEAN NOT NULL DEFAULT FALSE,
	stored_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (record_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_records_current ON pipeline.records (record_id) WHERE is_current;
CREATE INDEX IF NOT EXISTS idx_records_kind ON pipeline.records (kind) WHERE is_current;
CREATE INDEX IF NOT EXISTS idx_records_source ON pipeline.records (source_id) WHERE is_current;
CREATE INDEX IF NOT EXISTS idx_records_embedding ON pipeline.records USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
CREATE INDEX IF NOT EXISTS idx_records_geom ON pipeline.records USING GIST (geom);

CREATE TABLE IF NOT EXISTS pipeline.queue_items (
	id               BIGSERIAL PRIMARY KEY,
	source_id        TEXT NOT NULL,
	kind             TEXT NOT NULL,
	content_hash     TEXT NOT NULL,
	payload          JSONB NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	worker_id        TEXT,
	last_error       TEXT,
	visible_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_inflight ON pipeline.queue_items (source_id, content_hash) WHERE status IN ('pending', 'leased');
CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON pipeline.queue_items (status, visible_at);
CREATE INDEX IF NOT EXISTS idx_queue_items_lease ON pipeline.queue_items (lease_expires_at) WHERE status = 'leased';

CREATE TABLE IF NOT EXISTS pipeline.sources (
	id                   TEXT PRIMARY KEY,
	family               TEXT NOT NULL,
	endpoint             TEXT NOT NULL,
	fetch_mode           TEXT NOT NULL DEFAULT 'incremental',
	cadence_secs         BIGINT NOT NULL,
	last_run_at          TIMESTAMPTZ,
	last_success_at      TIMESTAMPTZ,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	schema_failures      INTEGER NOT NULL DEFAULT 0,
	disabled             BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline.source_runs (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL REFERENCES pipeline.sources(id),
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	docs_emitted BIGINT NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_source_runs_source ON pipeline.source_runs (source_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_source_runs_status ON pipeline.source_runs (status);
`

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
