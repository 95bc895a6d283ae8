package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"

	"github.com/claimguardian/ingest-cli/internal/model"
)

// upsertRetries bounds the optimistic-conflict loop. Two workers racing on
// the same record ID resolve within a retry or two; anything past that is a
// real problem worth surfacing.
const upsertRetries = 3

// Upsert writes an enriched record as a new version, or no-ops when the
// content hash matches the record's current version. Serialization and
// unique-violation conflicts from racing workers are retried.
func (s *PostgresStore) Upsert(ctx context.Context, rec model.EnrichedRecord) (*UpsertResult, error) {
	if rec.RecordID == "" {
		return nil, eris.New("postgres: upsert: empty record ID")
	}
	if len(rec.Embedding) == 0 {
		return nil, eris.Errorf("postgres: upsert %s: record has no embedding", rec.RecordID)
	}

	var lastErr error
	for attempt := 0; attempt < upsertRetries; attempt++ {
		res, err := s.tryUpsert(ctx, rec)
		if err == nil {
			return res, nil
		}
		if !retryableConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, eris.Wrapf(lastErr, "postgres: upsert %s: conflict retries exhausted", rec.RecordID)
}

func (s *PostgresStore) tryUpsert(ctx context.Context, rec model.EnrichedRecord) (*UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		curVersion int
		curHash    string
	)
	err = tx.QueryRow(ctx,
		`SELECT version, content_hash FROM pipeline.records WHERE record_id = $1 AND is_current FOR UPDATE`,
		rec.RecordID,
	).Scan(&curVersion, &curHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: lock current version of %s", rec.RecordID)
	}

	if curVersion > 0 && curHash == rec.ContentHash {
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "postgres: commit upsert tx")
		}
		return &UpsertResult{RecordID: rec.RecordID, Version: curVersion, Unchanged: true}, nil
	}

	if curVersion > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE pipeline.records SET is_current = FALSE WHERE record_id = $1 AND is_current`,
			rec.RecordID,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: demote current version of %s", rec.RecordID)
		}
	}

	fieldsJSON, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal fields")
	}
	var scoresJSON []byte
	if rec.DerivedScores != nil {
		scoresJSON, err = json.Marshal(rec.DerivedScores)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal derived scores")
		}
	}
	geomText, err := geomWKT(rec.Geometry)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: encode geometry for %s", rec.RecordID)
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	newVersion := curVersion + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO pipeline.records
			(record_id, version, source_id, kind, fields, geom, raw_text, content_hash,
			 ingested_at, embedding, derived_scores, tags, enrichment_version, is_current, stored_at)
		VALUES
			($1, $2, $3, $4, $5, ST_GeomFromText(NULLIF($6, ''), 4326), $7, $8,
			 $9, $10::vector, $11, $12, $13, TRUE, now())`,
		rec.RecordID, newVersion, rec.SourceID, string(rec.Kind), fieldsJSON, geomText,
		rec.RawText, rec.ContentHash, rec.IngestedAt, vectorLiteral(rec.Embedding),
		scoresJSON, tags, rec.EnrichmentVersion,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert version %d of %s", newVersion, rec.RecordID)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert tx")
	}
	return &UpsertResult{RecordID: rec.RecordID, Version: newVersion, Unchanged: false}, nil
}

// retryableConflict reports whether the error is a conflict that a retry can
// resolve: serialization failure, deadlock, or a unique violation on the
// single-current index from a racing upsert.
func retryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	default:
		return false
	}
}

// CurrentHash returns the content hash of the record's current version, or
// the empty string when the record has never been stored.
func (s *PostgresStore) CurrentHash(ctx context.Context, recordID string) (string, error) {
	var hash string
	err := s.pool.QueryRow(ctx,
		`SELECT content_hash FROM pipeline.records WHERE record_id = $1 AND is_current`,
		recordID,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: current hash of %s", recordID)
	}
	return hash, nil
}

const storedRecordColumns = `record_id, version, source_id, kind, fields, ST_AsText(geom),
	raw_text, content_hash, ingested_at, embedding::text, derived_scores, tags,
	enrichment_version, is_current, stored_at`

// GetCurrent returns the current version of a record, or nil when the record
// does not exist.
func (s *PostgresStore) GetCurrent(ctx context.Context, recordID string) (*model.StoredRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+storedRecordColumns+` FROM pipeline.records WHERE record_id = $1 AND is_current`,
		recordID,
	)
	rec, err := scanStoredRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get current %s", recordID)
	}
	return rec, nil
}

// Versions returns all stored versions of a record, oldest first.
func (s *PostgresStore) Versions(ctx context.Context, recordID string) ([]model.StoredRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+storedRecordColumns+` FROM pipeline.records WHERE record_id = $1 ORDER BY version`,
		recordID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: versions of %s", recordID)
	}
	defer rows.Close()

	var recs []model.StoredRecord
	for rows.Next() {
		rec, err := scanStoredRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan version of %s", recordID)
		}
		recs = append(recs, *rec)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: iterate versions")
}

// CountsByKind returns the number of current records per kind.
func (s *PostgresStore) CountsByKind(ctx context.Context) (map[model.RecordKind]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT kind, count(*) FROM pipeline.records WHERE is_current GROUP BY kind`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: counts by kind")
	}
	defer rows.Close()

	counts := make(map[model.RecordKind]int64)
	for rows.Next() {
		var (
			kind string
			n    int64
		)
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan kind count")
		}
		counts[model.RecordKind(kind)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate kind counts")
}

// scanStoredRecord scans one row in storedRecordColumns order.
func scanStoredRecord(row pgx.Row) (*model.StoredRecord, error) {
	var (
		rec        model.StoredRecord
		kind       string
		fieldsJSON []byte
		geomText   *string
		embText    *string
		scoresJSON []byte
	)
	err := row.Scan(
		&rec.RecordID, &rec.Version, &rec.SourceID, &kind, &fieldsJSON, &geomText,
		&rec.RawText, &rec.ContentHash, &rec.IngestedAt, &embText, &scoresJSON,
		&rec.Tags, &rec.EnrichmentVersion, &rec.IsCurrent, &rec.StoredAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Kind = model.RecordKind(kind)
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
			return nil, eris.Wrap(err, "decode fields")
		}
	}
	if len(scoresJSON) > 0 {
		if err := json.Unmarshal(scoresJSON, &rec.DerivedScores); err != nil {
			return nil, eris.Wrap(err, "decode derived scores")
		}
	}
	if geomText != nil && *geomText != "" {
		g, err := wkt.Unmarshal(*geomText)
		if err != nil {
			return nil, eris.Wrap(err, "decode geometry")
		}
		rec.Geometry = g
	}
	if embText != nil && *embText != "" {
		vec, err := parseVector(*embText)
		if err != nil {
			return nil, eris.Wrap(err, "decode embedding")
		}
		rec.Embedding = vec
	}
	return &rec, nil
}

// geomWKT encodes a geometry as WKT for ST_GeomFromText; nil geometry maps
// to the empty string, which the insert turns into NULL.
func geomWKT(g geom.T) (string, error) {
	if g == nil {
		return "", nil
	}
	return wkt.Marshal(g)
}

// vectorLiteral formats an embedding in pgvector's text form: "[0.1,0.2,...]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector is the inverse of vectorLiteral.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, eris.Wrapf(err, "vector component %d", i)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}
