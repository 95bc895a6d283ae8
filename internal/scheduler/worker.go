package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/normalize"
	"github.com/claimguardian/ingest-cli/internal/oracle"
	"github.com/claimguardian/ingest-cli/internal/queue"
	"github.com/claimguardian/ingest-cli/internal/store"
)

// WorkerConfig holds queue worker tuning knobs.
type WorkerConfig struct {
	BatchSize         int           // items claimed per round
	IdleWait          time.Duration // sleep when the queue is empty
	MaxSchemaFailures int           // schema-failure streaks before a source is disabled
	SchemaFailureRate float64       // fraction of a batch that must fail validation to count a schema failure
}

// DefaultWorkerConfig returns the production worker settings.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         10,
		IdleWait:          5 * time.Second,
		MaxSchemaFailures: 3,
		SchemaFailureRate: 0.5,
	}
}

// Worker drains the ingestion queue: claim, normalize, enrich, upsert, ack.
// Every stage is idempotent on content hash, so at-least-once delivery from
// the queue is safe.
type Worker struct {
	id          string
	queue       *queue.Queue
	normalizers *normalize.Registry
	enricher    *oracle.Enricher
	store       store.Store
	state       *StateStore
	cfg         WorkerConfig
	log         *zap.Logger
}

// NewWorker creates a queue worker with a unique worker ID.
func NewWorker(q *queue.Queue, normalizers *normalize.Registry, enricher *oracle.Enricher, st store.Store, state *StateStore, cfg WorkerConfig) *Worker {
	def := DefaultWorkerConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if cfg.MaxSchemaFailures <= 0 {
		cfg.MaxSchemaFailures = def.MaxSchemaFailures
	}
	if cfg.SchemaFailureRate <= 0 || cfg.SchemaFailureRate > 1 {
		cfg.SchemaFailureRate = def.SchemaFailureRate
	}
	id := "worker-" + uuid.New().String()[:8]
	return &Worker{
		id:          id,
		queue:       q,
		normalizers: normalizers,
		enricher:    enricher,
		store:       st,
		state:       state,
		cfg:         cfg,
		log:         zap.L().With(zap.String("component", "worker"), zap.String("worker_id", id)),
	}
}

// Run processes queue items until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Int("batch_size", w.cfg.BatchSize))
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopping")
			return ctx.Err()
		}

		items, err := w.queue.Claim(ctx, w.id, w.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("claim failed", zap.Error(err))
			w.wait(ctx)
			continue
		}
		if len(items) == 0 {
			w.wait(ctx)
			continue
		}

		w.processBatch(ctx, items)
	}
}

// sourceTally counts a batch's per-source outcomes for schema-failure
// bookkeeping.
type sourceTally struct {
	processed int
	invalid   int
}

// processBatch runs each item through the pipeline, then reports schema
// failures per source. A handful of malformed rows inside a large roll is
// normal upstream noise; only a batch where validation failures cross the
// configured rate counts one schema failure against the source.
func (w *Worker) processBatch(ctx context.Context, items []queue.Item) {
	tallies := map[string]*sourceTally{}
	for _, item := range items {
		w.process(ctx, item, tallies)
	}
	w.flushSchemaFailures(ctx, tallies)
}

func (w *Worker) flushSchemaFailures(ctx context.Context, tallies map[string]*sourceTally) {
	for sourceID, tally := range tallies {
		if tally.invalid == 0 || tally.processed == 0 {
			continue
		}
		rate := float64(tally.invalid) / float64(tally.processed)
		if rate < w.cfg.SchemaFailureRate {
			continue
		}
		w.log.Warn("batch validation failure rate over threshold",
			zap.String("source_id", sourceID),
			zap.Int("invalid", tally.invalid),
			zap.Int("processed", tally.processed),
		)
		if _, err := w.state.MarkSchemaFailure(ctx, sourceID, w.cfg.MaxSchemaFailures); err != nil {
			w.log.Error("failed to record schema failure",
				zap.String("source_id", sourceID), zap.Error(err))
		}
	}
}

func (w *Worker) wait(ctx context.Context) {
	timer := time.NewTimer(w.cfg.IdleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process moves one item through the pipeline. Failure routing: validation
// errors dead-letter immediately and feed the batch tally; transient oracle
// errors reschedule with backoff; store errors are treated as transient.
func (w *Worker) process(ctx context.Context, item queue.Item, tallies map[string]*sourceTally) {
	log := w.log.With(
		zap.Int64("item_id", item.ID),
		zap.String("source_id", item.Doc.SourceID),
		zap.String("kind", string(item.Kind)),
	)

	tally := tallies[item.Doc.SourceID]
	if tally == nil {
		tally = &sourceTally{}
		tallies[item.Doc.SourceID] = tally
	}
	tally.processed++

	rec, err := w.normalizers.Normalize(item.Kind, item.Doc)
	if err != nil {
		if normalize.IsValidation(err) {
			tally.invalid++
		}
		w.fail(ctx, item, false, err, log)
		return
	}
	if rec == nil {
		w.ack(ctx, item, log)
		return
	}

	curHash, err := w.store.CurrentHash(ctx, rec.RecordID)
	if err != nil {
		w.fail(ctx, item, true, err, log)
		return
	}
	if curHash == rec.ContentHash {
		log.Debug("record unchanged, skipping enrichment", zap.String("record_id", rec.RecordID))
		w.ack(ctx, item, log)
		return
	}

	enriched, err := w.enricher.Enrich(ctx, *rec)
	if err != nil {
		w.fail(ctx, item, oracle.IsTransient(err), err, log)
		return
	}

	res, err := w.store.Upsert(ctx, enriched)
	if err != nil {
		w.fail(ctx, item, true, err, log)
		return
	}

	w.ack(ctx, item, log)
	log.Info("record stored",
		zap.String("record_id", res.RecordID),
		zap.Int("version", res.Version),
		zap.Bool("unchanged", res.Unchanged),
	)
}

func (w *Worker) ack(ctx context.Context, item queue.Item, log *zap.Logger) {
	if err := w.queue.Ack(ctx, item.ID); err != nil {
		// The lease will expire and the item will be reprocessed; idempotent
		// stages make the duplicate harmless.
		log.Error("ack failed", zap.Error(err))
	}
}

func (w *Worker) fail(ctx context.Context, item queue.Item, retryable bool, cause error, log *zap.Logger) {
	log.Warn("item failed", zap.Bool("retryable", retryable), zap.Error(cause))
	if err := w.queue.Fail(ctx, item, retryable, cause); err != nil {
		log.Error("failed to record item failure", zap.Error(err))
	}
}

// RunPool starts n workers sharing one queue and blocks until all exit.
func RunPool(ctx context.Context, n int, build func() *Worker) error {
	if n <= 0 {
		n = 1
	}
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		w := build()
		go func() { errCh <- w.Run(ctx) }()
	}
	var first error
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
	}
	return first
}
