// Package store persists enriched records in Postgres with full version
// history. Every upsert either reuses the current version (unchanged content
// hash) or appends a new version and flips the is_current marker; superseded
// versions are kept for audit.
package store

import (
	"context"

	"github.com/claimguardian/ingest-cli/internal/db"
	"github.com/claimguardian/ingest-cli/internal/model"
)

// UpsertResult reports what a versioned upsert did.
type UpsertResult struct {
	RecordID  string `json:"record_id"`
	Version   int    `json:"version"`
	Unchanged bool   `json:"unchanged"` // content hash matched the current version
}

// ReconcileResult reports the rows repaired by a reconcile sweep.
type ReconcileResult struct {
	Demoted  int64 `json:"demoted"`  // extra is_current rows cleared
	Promoted int64 `json:"promoted"` // records whose latest version regained is_current
}

// Store is the persistence surface used by the worker, search, and
// monitoring layers.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	Upsert(ctx context.Context, rec model.EnrichedRecord) (*UpsertResult, error)
	GetCurrent(ctx context.Context, recordID string) (*model.StoredRecord, error)
	Versions(ctx context.Context, recordID string) ([]model.StoredRecord, error)
	CurrentHash(ctx context.Context, recordID string) (string, error)
	Reconcile(ctx context.Context) (*ReconcileResult, error)
	CountsByKind(ctx context.Context) (map[model.RecordKind]int64, error)

	Pool() db.Pool
}
