// Package queue implements the durable ingestion queue between normalization
// and enrichment, backed by pipeline.queue_items.
//
// Delivery is at-least-once: a claimed item whose lease expires becomes
// claimable again, so workers must be idempotent (they are — enrichment and
// upsert both key on content hash).
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/db"
	"github.com/claimguardian/ingest-cli/internal/model"
)

// Config holds queue tuning knobs.
type Config struct {
	LeaseDuration time.Duration // how long a claim holds an item
	MaxAttempts   int           // attempts before an item goes dead
	BackoffBase   time.Duration // first retry delay
	BackoffMax    time.Duration // retry delay ceiling
}

// DefaultConfig returns the production queue settings.
func DefaultConfig() Config {
	return Config{
		LeaseDuration: 5 * time.Minute,
		MaxAttempts:   5,
		BackoffBase:   30 * time.Second,
		BackoffMax:    time.Hour,
	}
}

// Item is one unit of enrichment work: a raw document plus its target kind.
type Item struct {
	ID        int64
	Kind      model.RecordKind
	Doc       model.RawDocument
	Attempts  int
	LastError string
}

// Stats summarizes queue health for the monitoring surface.
type Stats struct {
	Pending    int64         `json:"pending"`
	Leased     int64         `json:"leased"`
	Dead       int64         `json:"dead"`
	OldestWait time.Duration `json:"oldest_wait"`
}

// Queue is the Postgres-backed work queue.
type Queue struct {
	pool db.Pool
	cfg  Config
	log  *zap.Logger
}

// New creates a Queue over the given pool.
func New(pool db.Pool, cfg Config) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig().LeaseDuration
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Queue{
		pool: pool,
		cfg:  cfg,
		log:  zap.L().With(zap.String("component", "queue")),
	}
}

// Enqueue inserts one raw document. Duplicate pending payloads for the same
// source and content hash are silently dropped; re-queueing identical work
// just burns oracle quota.
func (q *Queue) Enqueue(ctx context.Context, kind model.RecordKind, doc model.RawDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "queue: marshal document")
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO pipeline.queue_items (source_id, kind, content_hash, payload, status, attempts, visible_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, now(), now(), now())
		ON CONFLICT (source_id, content_hash) WHERE status IN ('pending', 'leased') DO NOTHING`,
		doc.SourceID, string(kind), doc.ContentHash, payload,
	)
	return eris.Wrap(err, "queue: enqueue")
}

// enqueueColumns is the COPY column list for batch enqueues.
var enqueueColumns = []string{
	"source_id", "kind", "content_hash", "payload",
	"status", "attempts", "visible_at", "created_at", "updated_at",
}

// EnqueueBatch inserts documents with one COPY through a temp table. A
// connector run enqueues as it streams, batching to keep round trips off the
// hot path; duplicates of in-flight work are dropped like Enqueue does.
func (q *Queue) EnqueueBatch(ctx context.Context, kind model.RecordKind, docs []model.RawDocument) error {
	if len(docs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(docs))
	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return eris.Wrap(err, "queue: marshal document")
		}
		rows = append(rows, []any{
			doc.SourceID, string(kind), doc.ContentHash, payload,
			"pending", 0, now, now, now,
		})
	}

	_, err := db.BulkUpsert(ctx, q.pool, db.UpsertConfig{
		Table:         "pipeline.queue_items",
		Columns:       enqueueColumns,
		ConflictKeys:  []string{"source_id", "content_hash"},
		ConflictWhere: "status IN ('pending', 'leased')",
		DoNothing:     true,
	}, rows)
	return eris.Wrap(err, "queue: batch enqueue")
}

// Claim leases up to n items for the given worker. Pending items whose
// visible_at has passed and leased items whose lease has expired are both
// claimable; FOR UPDATE SKIP LOCKED keeps concurrent workers off each other's
// rows. Items that have burned their attempt budget never re-enter rotation:
// an expired lease on an exhausted item means the worker died mid-flight, so
// the sweep below dead-letters it instead of handing it out again.
func (q *Queue) Claim(ctx context.Context, workerID string, n int) ([]Item, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE pipeline.queue_items
		SET status = 'dead',
		    last_error = COALESCE(NULLIF(last_error, ''), 'lease expired with attempts exhausted'),
		    updated_at = now()
		WHERE status = 'leased' AND lease_expires_at <= now() AND attempts >= $1`,
		q.cfg.MaxAttempts,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: dead-letter exhausted items")
	}

	rows, err := tx.Query(ctx, `
		SELECT id, kind, payload, attempts, COALESCE(last_error, '')
		FROM pipeline.queue_items
		WHERE ((status = 'pending' AND visible_at <= now())
		   OR (status = 'leased' AND lease_expires_at <= now()))
		  AND attempts < $2
		ORDER BY visible_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		n, q.cfg.MaxAttempts,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: claim rows")
	}

	var claimed []Item
	for rows.Next() {
		var (
			item    Item
			kind    string
			payload []byte
		)
		if err := rows.Scan(&item.ID, &kind, &payload, &item.Attempts, &item.LastError); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "queue: scan row")
		}
		if err := json.Unmarshal(payload, &item.Doc); err != nil {
			rows.Close()
			return nil, eris.Wrapf(err, "queue: decode payload for item %d", item.ID)
		}
		item.Kind = model.RecordKind(kind)
		claimed = append(claimed, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "queue: iterate rows")
	}

	if len(claimed) == 0 {
		_ = tx.Commit(ctx)
		return nil, nil
	}

	ids := make([]int64, len(claimed))
	for i, item := range claimed {
		ids[i] = item.ID
	}
	_, err = tx.Exec(ctx, `
		UPDATE pipeline.queue_items
		SET status = 'leased', worker_id = $2, attempts = attempts + 1,
		    lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = ANY($1)`,
		ids, workerID, q.cfg.LeaseDuration.Seconds(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: mark leased")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: commit claim")
	}

	for i := range claimed {
		claimed[i].Attempts++
	}
	return claimed, nil
}

// Ack marks an item done after its record is durably stored.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE pipeline.queue_items
		SET status = 'done', last_error = NULL, updated_at = now()
		WHERE id = $1`,
		id,
	)
	return eris.Wrapf(err, "queue: ack item %d", id)
}

// Fail records a processing failure. Retryable failures reschedule with
// exponential backoff until the attempt ceiling; everything else goes to the
// dead-letter set with the cause preserved for operator review.
func (q *Queue) Fail(ctx context.Context, item Item, retryable bool, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if !retryable || item.Attempts >= q.cfg.MaxAttempts {
		q.log.Warn("dead-lettering item",
			zap.Int64("item_id", item.ID),
			zap.String("source_id", item.Doc.SourceID),
			zap.String("content_hash", item.Doc.ContentHash),
			zap.Int("attempts", item.Attempts),
			zap.Bool("retryable", retryable),
			zap.String("cause", msg),
		)
		_, err := q.pool.Exec(ctx, `
			UPDATE pipeline.queue_items
			SET status = 'dead', last_error = $2, updated_at = now()
			WHERE id = $1`,
			item.ID, msg,
		)
		return eris.Wrapf(err, "queue: dead-letter item %d", item.ID)
	}

	delay := q.backoff(item.Attempts)
	_, err := q.pool.Exec(ctx, `
		UPDATE pipeline.queue_items
		SET status = 'pending', last_error = $2,
		    visible_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1`,
		item.ID, msg, delay.Seconds(),
	)
	return eris.Wrapf(err, "queue: reschedule item %d", item.ID)
}

// backoff returns base * 2^(attempts-1), capped.
func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	if delay > q.cfg.BackoffMax {
		delay = q.cfg.BackoffMax
	}
	return delay
}

// DeadLetters lists dead items, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Item, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT id, kind, payload, attempts, COALESCE(last_error, '')
		FROM pipeline.queue_items
		WHERE status = 'dead'
		ORDER BY updated_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "queue: list dead letters")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item    Item
			kind    string
			payload []byte
		)
		if err := rows.Scan(&item.ID, &kind, &payload, &item.Attempts, &item.LastError); err != nil {
			return nil, eris.Wrap(err, "queue: scan dead letter")
		}
		if err := json.Unmarshal(payload, &item.Doc); err != nil {
			return nil, eris.Wrapf(err, "queue: decode payload for item %d", item.ID)
		}
		item.Kind = model.RecordKind(kind)
		items = append(items, item)
	}
	return items, eris.Wrap(rows.Err(), "queue: iterate dead letters")
}

// Requeue resets dead items to pending with a fresh attempt budget. Used
// after an upstream outage clears, from the operator CLI.
func (q *Queue) Requeue(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := q.pool.Exec(ctx, `
		UPDATE pipeline.queue_items
		SET status = 'pending', attempts = 0, last_error = NULL,
		    visible_at = now(), updated_at = now()
		WHERE id = ANY($1) AND status = 'dead'`,
		ids,
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: requeue")
	}
	return tag.RowsAffected(), nil
}

// Stats returns current queue depth by status and the oldest pending wait.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var oldestSecs float64
	err := q.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'leased'),
			count(*) FILTER (WHERE status = 'dead'),
			COALESCE(extract(epoch FROM now() - min(visible_at) FILTER (WHERE status = 'pending')), 0)
		FROM pipeline.queue_items`,
	).Scan(&s.Pending, &s.Leased, &s.Dead, &oldestSecs)
	if err != nil {
		return Stats{}, eris.Wrap(err, "queue: stats")
	}
	s.OldestWait = time.Duration(oldestSecs * float64(time.Second))
	return s, nil
}

// Prune deletes done items older than the retention window. Dead items are
// kept until an operator requeues or deletes them explicitly.
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM pipeline.queue_items
		WHERE status = 'done' AND updated_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: prune")
	}
	return tag.RowsAffected(), nil
}
