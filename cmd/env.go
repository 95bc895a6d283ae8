package main

import (
	"context"
	"time"

	"github.com/claimguardian/ingest-cli/internal/config"
	"github.com/claimguardian/ingest-cli/internal/connector"
	"github.com/claimguardian/ingest-cli/internal/fetcher"
	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/normalize"
	"github.com/claimguardian/ingest-cli/internal/oracle"
	"github.com/claimguardian/ingest-cli/internal/queue"
	"github.com/claimguardian/ingest-cli/internal/scheduler"
	"github.com/claimguardian/ingest-cli/internal/search"
	"github.com/claimguardian/ingest-cli/internal/store"
	"github.com/claimguardian/ingest-cli/pkg/anthropic"
)

// parcelCounty pairs a county's DOR archive directory with its FIPS code.
type parcelCounty struct {
	slug string
	fips string
}

// parcelCounties lists the county tax rolls ingested from the DOR FTP site.
var parcelCounties = []parcelCounty{
	{"dade", "12086"},
	{"broward", "12011"},
	{"palmbeach", "12099"},
	{"monroe", "12087"},
	{"lee", "12071"},
	{"pinellas", "12103"},
}

// env bundles the shared subsystems a command needs.
type env struct {
	cfg      *config.Config
	store    *store.PostgresStore
	queue    *queue.Queue
	state    *scheduler.StateStore
	registry *connector.Registry
	sources  []model.SourceDescriptor
	sched    *scheduler.Scheduler
	search   *search.Service
}

// initEnv connects to Postgres and wires the pipeline subsystems.
func initEnv(ctx context.Context) (*env, error) {
	st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}

	q := queue.New(st.Pool(), queue.Config{
		LeaseDuration: time.Duration(cfg.Queue.LeaseSecs) * time.Second,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   time.Duration(cfg.Queue.BackoffBaseSecs) * time.Second,
		BackoffMax:    time.Duration(cfg.Queue.BackoffMaxSecs) * time.Second,
	})
	state := scheduler.NewStateStore(st.Pool())
	registry, sources := buildConnectors(cfg)

	sched := scheduler.New(state, registry, q, st, scheduler.Config{
		MaxConcurrent:     cfg.Scheduler.MaxConcurrent,
		MaxPerFamily:      cfg.Scheduler.MaxPerFamily,
		FailureBackoffCap: cfg.Scheduler.FailureBackoffCap,
		MaxFetchFailures:  cfg.Scheduler.MaxFetchFailures,
		MaxSchemaFailures: cfg.Scheduler.MaxSchemaFailures,
		Tick:              time.Duration(cfg.Scheduler.TickSecs) * time.Second,
		ConnectorTimeout:  time.Duration(cfg.Scheduler.ConnectorTimeoutMin) * time.Minute,
		EnqueueBatchSize:  cfg.Queue.BatchSize,
	})

	svc := search.New(st.Pool(), newEmbedder(cfg), search.Config{
		Weights: search.Weights{
			Similarity: cfg.Search.Weights.Similarity,
			Recency:    cfg.Search.Weights.Recency,
			KindBoost:  cfg.Search.Weights.KindBoost,
		},
		RecencyHalfLife: time.Duration(cfg.Search.RecencyHalfLifeD) * 24 * time.Hour,
		DefaultLimit:    cfg.Search.DefaultLimit,
		MaxLimit:        cfg.Search.MaxLimit,
	})

	return &env{
		cfg:      cfg,
		store:    st,
		queue:    q,
		state:    state,
		registry: registry,
		sources:  sources,
		sched:    sched,
		search:   svc,
	}, nil
}

func (e *env) Close() {
	_ = e.store.Close()
}

// buildConnectors wires the production connector set and its source
// descriptors.
func buildConnectors(cfg *config.Config) (*connector.Registry, []model.SourceDescriptor) {
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Fetch.MaxRetries,
	})
	ftpFetcher := fetcher.NewFTPFetcher(fetcher.FTPOptions{
		Timeout: time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
	})

	registry := connector.NewRegistry()
	var sources []model.SourceDescriptor

	registry.Register(connector.NewBulletinConnector("oir-bulletins", httpFetcher))
	sources = append(sources, model.SourceDescriptor{
		ID:        "oir-bulletins",
		Family:    model.FamilyRegulatory,
		Endpoint:  "https://www.floir.com/api/bulletins",
		FetchMode: model.ModeIncremental,
		Cadence:   24 * time.Hour,
	})

	// The export is a full snapshot; incremental runs just skip it when the
	// portal's ETag says nothing moved.
	registry.Register(connector.NewFilingConnector("oir-filings", httpFetcher, cfg.Fetch.TempDir))
	sources = append(sources, model.SourceDescriptor{
		ID:        "oir-filings",
		Family:    model.FamilyFiling,
		Endpoint:  "https://www.floir.com/api/rate-filings/export.xlsx",
		FetchMode: model.ModeIncremental,
		Cadence:   7 * 24 * time.Hour,
	})

	for _, county := range parcelCounties {
		id := "dor-parcels-" + county.fips
		registry.Register(connector.NewParcelConnector(id, county.fips, ftpFetcher, cfg.Fetch.TempDir))
		sources = append(sources, model.SourceDescriptor{
			ID:        id,
			Family:    model.FamilyParcel,
			Endpoint:  "ftp://sdrftp03.dor.state.fl.us/Map_Data/" + county.slug + "/",
			FetchMode: model.ModeFull,
			Cadence:   90 * 24 * time.Hour,
		})
	}

	return registry, sources
}

func newEmbedder(cfg *config.Config) *oracle.Embedder {
	return oracle.NewEmbedder(oracle.EmbedderConfig{
		APIKey:       cfg.Embedding.Key,
		BaseURL:      cfg.Embedding.BaseURL,
		Model:        cfg.Embedding.Model,
		Dimensions:   cfg.Embedding.Dimensions,
		BatchSize:    cfg.Embedding.BatchSize,
		TokensPerMin: cfg.Embedding.TokensPerMin,
		RequestBurst: cfg.Embedding.RequestBurst,
	})
}

// newEnricher builds the enrichment oracle. The tagger is optional: without
// an Anthropic key, prose records simply go untagged.
func newEnricher(cfg *config.Config) *oracle.Enricher {
	var tagger oracle.RecordTagger
	if cfg.Anthropic.Key != "" {
		tagger = oracle.NewTagger(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model)
	}
	return oracle.NewEnricher(newEmbedder(cfg), tagger, cfg.Embedding.EnrichVersion)
}

// defaultNormalizers returns the production normalizer registry.
func defaultNormalizers() *normalize.Registry {
	return normalize.DefaultRegistry()
}
