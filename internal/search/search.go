// Package search ranks current records with a blended score: vector
// similarity against the query embedding, recency decay, and an optional
// kind preference. Spatial filters narrow candidates before ranking.
package search

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom/encoding/wkt"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/db"
	"github.com/claimguardian/ingest-cli/internal/model"
)

// Weights holds the blended-score components. They should sum to 1, but the
// service does not enforce it; relative magnitude is what matters.
type Weights struct {
	Similarity float64
	Recency    float64
	KindBoost  float64
}

// Config holds ranking configuration.
type Config struct {
	Weights         Weights
	RecencyHalfLife time.Duration
	DefaultLimit    int
	MaxLimit        int
}

// DefaultConfig returns the production ranking settings.
func DefaultConfig() Config {
	return Config{
		Weights:         Weights{Similarity: 0.65, Recency: 0.25, KindBoost: 0.10},
		RecencyHalfLife: 180 * 24 * time.Hour,
		DefaultLimit:    20,
		MaxLimit:        200,
	}
}

// BBox is a lon/lat bounding box filter.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Radius is a point-radius filter in meters.
type Radius struct {
	Lon    float64 `json:"lon"`
	Lat    float64 `json:"lat"`
	Meters float64 `json:"meters"`
}

// SpatialFilter narrows results to a bounding box or a point radius.
// Exactly one of BBox or Radius should be set.
type SpatialFilter struct {
	BBox   *BBox   `json:"bbox,omitempty"`
	Radius *Radius `json:"radius,omitempty"`
}

// Request is one search query.
type Request struct {
	Query      string           `json:"query,omitempty"` // embedded for similarity ranking
	Kinds      []string         `json:"kinds,omitempty"`
	SourceIDs  []string         `json:"source_ids,omitempty"`
	Tags       []string         `json:"tags,omitempty"` // record must carry all of them
	PreferKind model.RecordKind `json:"prefer_kind,omitempty"`
	Spatial    *SpatialFilter   `json:"spatial,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Cursor     string           `json:"cursor,omitempty"`
}

// Hit is one ranked result.
type Hit struct {
	model.StoredRecord
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// Response carries ranked hits and the keyset cursor for the next page.
type Response struct {
	Hits       []Hit  `json:"hits"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// QueryEmbedder embeds query text; satisfied by oracle.Embedder.
type QueryEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service executes searches against pipeline.records.
type Service struct {
	pool     db.Pool
	embedder QueryEmbedder
	cfg      Config
	log      *zap.Logger
}

// New creates a search Service. The embedder may be nil, in which case
// queries rank by recency alone.
func New(pool db.Pool, embedder QueryEmbedder, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.RecencyHalfLife <= 0 {
		cfg.RecencyHalfLife = def.RecencyHalfLife
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	return &Service{
		pool:     pool,
		embedder: embedder,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "search")),
	}
}

// Search runs one query. Zero matches returns an empty slice and nil error.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	if limit > s.cfg.MaxLimit {
		limit = s.cfg.MaxLimit
	}

	var queryVec []float32
	if req.Query != "" && s.embedder != nil {
		vecs, err := s.embedder.EmbedBatch(ctx, []string{req.Query})
		if err != nil {
			return nil, eris.Wrap(err, "search: embed query")
		}
		if len(vecs) == 1 {
			queryVec = vecs[0]
		}
	}

	sql, args, err := s.buildQuery(req, queryVec, limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "search: query")
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		hit, err := scanHit(rows)
		if err != nil {
			return nil, eris.Wrap(err, "search: scan hit")
		}
		hits = append(hits, *hit)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "search: iterate hits")
	}

	resp := &Response{Hits: hits}
	if len(hits) == limit {
		last := hits[len(hits)-1]
		resp.NextCursor = encodeCursor(last.Score, last.RecordID)
	}
	return resp, nil
}

// buildQuery assembles the ranked query with incremental arg indexes.
// The inner CTE computes per-row similarity; the outer select blends the
// score and applies the keyset cursor.
func (s *Service) buildQuery(req Request, queryVec []float32, limit int) (string, []any, error) {
	args := []any{}
	argIdx := 1
	arg := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", argIdx)
		argIdx++
		return p
	}

	similarity := "0::float8"
	if queryVec != nil {
		similarity = fmt.Sprintf("1 - (embedding <=> %s::vector)", arg(formatVector(queryVec)))
	}

	where := []string{"is_current"}
	if len(req.Kinds) > 0 {
		where = append(where, fmt.Sprintf("kind = ANY(%s)", arg(req.Kinds)))
	}
	if len(req.SourceIDs) > 0 {
		where = append(where, fmt.Sprintf("source_id = ANY(%s)", arg(req.SourceIDs)))
	}
	if len(req.Tags) > 0 {
		where = append(where, fmt.Sprintf("tags @> %s", arg(req.Tags)))
	}
	if req.Spatial != nil {
		switch {
		case req.Spatial.BBox != nil:
			b := req.Spatial.BBox
			where = append(where, fmt.Sprintf("geom && ST_MakeEnvelope(%s, %s, %s, %s, 4326)",
				arg(b.MinLon), arg(b.MinLat), arg(b.MaxLon), arg(b.MaxLat)))
		case req.Spatial.Radius != nil:
			r := req.Spatial.Radius
			where = append(where, fmt.Sprintf(
				"ST_DWithin(geom::geography, ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography, %s)",
				arg(r.Lon), arg(r.Lat), arg(r.Meters)))
		default:
			return "", nil, eris.New("search: spatial filter needs bbox or radius")
		}
	}

	kindBoost := "0::float8"
	if req.PreferKind != "" {
		kindBoost = fmt.Sprintf("CASE WHEN kind = %s THEN 1 ELSE 0 END", arg(string(req.PreferKind)))
	}

	recency := fmt.Sprintf("exp(-ln(2) * extract(epoch FROM now() - ingested_at) / %s)",
		arg(s.cfg.RecencyHalfLife.Seconds()))

	score := fmt.Sprintf("%s * similarity + %s * recency + %s * kind_boost",
		arg(s.cfg.Weights.Similarity), arg(s.cfg.Weights.Recency), arg(s.cfg.Weights.KindBoost))

	cursorClause := ""
	if req.Cursor != "" {
		cScore, cRecordID, err := decodeCursor(req.Cursor)
		if err != nil {
			return "", nil, err
		}
		cursorClause = fmt.Sprintf("WHERE (score, record_id) < (%s, %s)", arg(cScore), arg(cRecordID))
	}

	sql := fmt.Sprintf(`
		WITH candidates AS (
			SELECT record_id, version, source_id, kind, fields, ST_AsText(geom) AS geom_wkt,
			       raw_text, content_hash, ingested_at, derived_scores, tags,
			       enrichment_version, stored_at,
			       %s AS similarity, %s AS recency, %s AS kind_boost
			FROM pipeline.records
			WHERE %s
		), ranked AS (
			SELECT *, %s AS score FROM candidates
		)
		SELECT record_id, version, source_id, kind, fields, geom_wkt, raw_text, content_hash,
		       ingested_at, derived_scores, tags, enrichment_version, stored_at, similarity, score
		FROM ranked
		%s
		ORDER BY score DESC, record_id DESC
		LIMIT %s`,
		similarity, recency, kindBoost, strings.Join(where, " AND "), score, cursorClause, arg(limit))

	return sql, args, nil
}

func scanHit(row pgx.Row) (*Hit, error) {
	var (
		hit        Hit
		kind       string
		fieldsJSON []byte
		geomText   *string
		scoresJSON []byte
	)
	err := row.Scan(
		&hit.RecordID, &hit.Version, &hit.SourceID, &kind, &fieldsJSON, &geomText,
		&hit.RawText, &hit.ContentHash, &hit.IngestedAt, &scoresJSON, &hit.Tags,
		&hit.EnrichmentVersion, &hit.StoredAt, &hit.Similarity, &hit.Score,
	)
	if err != nil {
		return nil, err
	}

	hit.Kind = model.RecordKind(kind)
	hit.IsCurrent = true
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &hit.Fields); err != nil {
			return nil, eris.Wrap(err, "decode fields")
		}
	}
	if len(scoresJSON) > 0 {
		if err := json.Unmarshal(scoresJSON, &hit.DerivedScores); err != nil {
			return nil, eris.Wrap(err, "decode derived scores")
		}
	}
	if geomText != nil && *geomText != "" {
		g, err := wkt.Unmarshal(*geomText)
		if err != nil {
			return nil, eris.Wrap(err, "decode geometry")
		}
		hit.Geometry = g
	}
	return &hit, nil
}

// encodeCursor packs (score, record_id) into an opaque keyset cursor.
func encodeCursor(score float64, recordID string) string {
	raw := strconv.FormatFloat(score, 'g', 17, 64) + "|" + recordID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (float64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", eris.Wrap(err, "search: decode cursor")
	}
	score, recordID, ok := strings.Cut(string(raw), "|")
	if !ok {
		return 0, "", eris.New("search: malformed cursor")
	}
	f, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return 0, "", eris.Wrap(err, "search: malformed cursor score")
	}
	return f, recordID, nil
}

// formatVector renders an embedding in pgvector's text form.
func formatVector(vec []float32) string {
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
