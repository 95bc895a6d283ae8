package store

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Reconcile repairs the single-current invariant after a crash mid-upsert:
// records with more than one is_current row keep only the highest version,
// and records with versions but no current row promote their latest. Run
// from the scheduler's maintenance tick; a clean database is a no-op.
func (s *PostgresStore) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	var res ReconcileResult

	demoted, err := s.pool.Exec(ctx, `
		UPDATE pipeline.records r
		SET is_current = FALSE
		FROM (
			SELECT record_id, max(version) AS max_version
			FROM pipeline.records
			WHERE is_current
			GROUP BY record_id
			HAVING count(*) > 1
		) dup
		WHERE r.record_id = dup.record_id
		  AND r.is_current
		  AND r.version < dup.max_version`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reconcile demote")
	}
	res.Demoted = demoted.RowsAffected()

	promoted, err := s.pool.Exec(ctx, `
		UPDATE pipeline.records r
		SET is_current = TRUE
		FROM (
			SELECT record_id, max(version) AS max_version
			FROM pipeline.records
			GROUP BY record_id
			HAVING bool_and(NOT is_current)
		) orphan
		WHERE r.record_id = orphan.record_id
		  AND r.version = orphan.max_version`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reconcile promote")
	}
	res.Promoted = promoted.RowsAffected()

	if res.Demoted > 0 || res.Promoted > 0 {
		zap.L().Warn("reconcile repaired current markers",
			zap.Int64("demoted", res.Demoted),
			zap.Int64("promoted", res.Promoted),
		)
	}
	return &res, nil
}
