package scheduler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/claimguardian/ingest-cli/internal/connector"
	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/queue"
	"github.com/claimguardian/ingest-cli/internal/store"
)

// Config holds scheduler tuning knobs.
type Config struct {
	MaxConcurrent     int           // connector runs in flight across all families
	MaxPerFamily      int           // connector runs in flight per family
	FailureBackoffCap int           // cap on the cadence backoff exponent
	MaxFetchFailures  int           // fetch failure streak that disables a source
	MaxSchemaFailures int           // schema failure streak that disables a source
	Tick              time.Duration // RunDue cadence in daemon mode
	ConnectorTimeout  time.Duration // wall-clock budget per connector run
	EnqueueBatchSize  int           // documents per queue batch insert
	PruneAfter        time.Duration // retention for done queue items
}

// DefaultConfig returns the production scheduler settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     4,
		MaxPerFamily:      1,
		FailureBackoffCap: 6,
		MaxFetchFailures:  5,
		MaxSchemaFailures: 3,
		Tick:              time.Minute,
		ConnectorTimeout:  30 * time.Minute,
		EnqueueBatchSize:  50,
		PruneAfter:        7 * 24 * time.Hour,
	}
}

// Scheduler runs due connectors and feeds their documents into the queue.
type Scheduler struct {
	state    *StateStore
	registry *connector.Registry
	queue    *queue.Queue
	store    store.Store
	cfg      Config
	log      *zap.Logger
}

// New creates a Scheduler.
func New(state *StateStore, registry *connector.Registry, q *queue.Queue, st store.Store, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MaxPerFamily <= 0 {
		cfg.MaxPerFamily = def.MaxPerFamily
	}
	if cfg.FailureBackoffCap <= 0 {
		cfg.FailureBackoffCap = def.FailureBackoffCap
	}
	if cfg.MaxFetchFailures <= 0 {
		cfg.MaxFetchFailures = def.MaxFetchFailures
	}
	if cfg.MaxSchemaFailures <= 0 {
		cfg.MaxSchemaFailures = def.MaxSchemaFailures
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.ConnectorTimeout <= 0 {
		cfg.ConnectorTimeout = def.ConnectorTimeout
	}
	if cfg.EnqueueBatchSize <= 0 {
		cfg.EnqueueBatchSize = def.EnqueueBatchSize
	}
	if cfg.PruneAfter <= 0 {
		cfg.PruneAfter = def.PruneAfter
	}
	return &Scheduler{
		state:    state,
		registry: registry,
		queue:    q,
		store:    st,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "scheduler")),
	}
}

// RegisterSources syncs the connector registry into pipeline.sources so new
// connectors become schedulable on deploy.
func (s *Scheduler) RegisterSources(ctx context.Context, descriptors []model.SourceDescriptor) error {
	for _, src := range descriptors {
		if _, err := s.registry.Get(src.ID); err != nil {
			return eris.Wrapf(err, "scheduler: descriptor %s has no connector", src.ID)
		}
		if err := s.state.Register(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

// RunDue executes every source whose effective cadence has elapsed. Sources
// run concurrently under a global limit plus a per-family limit, so one slow
// county FTP site cannot starve the regulatory connectors. Individual run
// failures are recorded against the source, never propagated; RunDue only
// errors when the scheduler itself cannot proceed.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) error {
	sources, err := s.state.List(ctx)
	if err != nil {
		return err
	}

	var due []model.SourceDescriptor
	for _, src := range sources {
		if src.Due(now, s.cfg.FailureBackoffCap) {
			due = append(due, src)
		}
	}
	if len(due) == 0 {
		return nil
	}
	s.log.Info("running due sources", zap.Int("due", len(due)), zap.Int("total", len(sources)))

	famSem := make(map[model.Family]chan struct{})
	for _, src := range due {
		if _, ok := famSem[src.Family]; !ok {
			famSem[src.Family] = make(chan struct{}, s.cfg.MaxPerFamily)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, src := range due {
		g.Go(func() error {
			sem := famSem[src.Family]
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}
			s.runSource(gctx, src, src.FetchMode)
			return nil
		})
	}
	return eris.Wrap(g.Wait(), "scheduler: run due sources")
}

// Trigger runs one source immediately, regardless of cadence.
func (s *Scheduler) Trigger(ctx context.Context, sourceID string, mode model.FetchMode) error {
	src, err := s.state.Get(ctx, sourceID)
	if err != nil {
		return err
	}
	if src == nil {
		return eris.Errorf("scheduler: source not found: %s", sourceID)
	}
	if src.Disabled {
		return eris.Errorf("scheduler: source %s is disabled; re-enable it first", sourceID)
	}
	if mode == "" {
		mode = src.FetchMode
	}
	s.runSource(ctx, *src, mode)
	return nil
}

// runSource executes one connector run end to end: record start, stream
// documents into the queue in batches, record outcome. All failure handling
// lands in source state; the scheduler keeps going either way.
func (s *Scheduler) runSource(ctx context.Context, src model.SourceDescriptor, mode model.FetchMode) {
	log := s.log.With(zap.String("source_id", src.ID), zap.String("mode", string(mode)))
	started := time.Now().UTC()

	runID, err := s.state.StartRun(ctx, src.ID, mode, started)
	if err != nil {
		log.Error("failed to record run start", zap.Error(err))
		return
	}

	conn, err := s.registry.Get(src.ID)
	if err != nil {
		s.finishRun(ctx, src.ID, runID, 0, err)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectorTimeout)
	defer cancel()

	var (
		emitted int64
		batch   []model.RawDocument
	)
	kind := conn.Kind()
	emit := func(doc model.RawDocument) error {
		batch = append(batch, doc)
		emitted++
		if len(batch) >= s.cfg.EnqueueBatchSize {
			if err := s.queue.EnqueueBatch(runCtx, kind, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		return nil
	}

	src.FetchMode = mode
	runErr := conn.Fetch(runCtx, src, emit)
	if runErr == nil && len(batch) > 0 {
		runErr = s.queue.EnqueueBatch(runCtx, kind, batch)
	}

	s.finishRun(ctx, src.ID, runID, emitted, runErr)
	if runErr != nil {
		log.Warn("source run failed",
			zap.Int64("docs_emitted", emitted),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(runErr),
		)
		return
	}
	log.Info("source run complete",
		zap.Int64("docs_emitted", emitted),
		zap.Duration("elapsed", time.Since(started)),
	)
}

func (s *Scheduler) finishRun(ctx context.Context, sourceID, runID string, emitted int64, runErr error) {
	if err := s.state.FinishRun(ctx, runID, emitted, runErr); err != nil {
		s.log.Error("failed to record run finish", zap.String("run_id", runID), zap.Error(err))
	}
	if runErr == nil {
		if err := s.state.MarkSuccess(ctx, sourceID, time.Now().UTC()); err != nil {
			s.log.Error("failed to mark success", zap.String("source_id", sourceID), zap.Error(err))
		}
		return
	}
	if _, err := s.state.MarkFetchFailure(ctx, sourceID, s.cfg.MaxFetchFailures); err != nil {
		s.log.Error("failed to mark failure", zap.String("source_id", sourceID), zap.Error(err))
	}
}

// Run is the daemon loop: RunDue on every tick, plus an hourly maintenance
// sweep that prunes done queue items and repairs current-version markers.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	maintenance := time.NewTicker(time.Hour)
	defer maintenance.Stop()

	s.log.Info("scheduler started", zap.Duration("tick", s.cfg.Tick))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunDue(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				s.log.Error("run due failed", zap.Error(err))
			}
		case <-maintenance.C:
			s.maintain(ctx)
		}
	}
}

func (s *Scheduler) maintain(ctx context.Context) {
	if pruned, err := s.queue.Prune(ctx, s.cfg.PruneAfter); err != nil {
		s.log.Error("queue prune failed", zap.Error(err))
	} else if pruned > 0 {
		s.log.Info("pruned done queue items", zap.Int64("pruned", pruned))
	}
	if res, err := s.store.Reconcile(ctx); err != nil {
		s.log.Error("reconcile failed", zap.Error(err))
	} else if res.Demoted > 0 || res.Promoted > 0 {
		s.log.Info("reconcile repaired records",
			zap.Int64("demoted", res.Demoted),
			zap.Int64("promoted", res.Promoted),
		)
	}
}
