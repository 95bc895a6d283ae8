package oracle

import (
	"context"

	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/resilience"
)

// TextEmbedder is the embedding surface the enricher consumes; satisfied by
// *Embedder, substituted in tests.
type TextEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// RecordTagger is the tagging surface; satisfied by *Tagger.
type RecordTagger interface {
	Tag(ctx context.Context, rec model.CanonicalRecord) ([]string, error)
}

// Enricher turns canonical records into enriched records: embedding vector,
// derived risk scores, and topical tags. One circuit breaker guards all
// oracle traffic; when it opens, enrichment fails transient and queue items
// back off instead of hammering a provider that is already down.
type Enricher struct {
	embedder TextEmbedder
	tagger   RecordTagger
	risk     *RiskScorer
	breaker  *resilience.CircuitBreaker
	version  int
	log      *zap.Logger
}

// NewEnricher wires the enrichment pipeline. tagger may be nil (tagging
// disabled); records then carry only the risk-derived tags.
func NewEnricher(embedder TextEmbedder, tagger RecordTagger, version int) *Enricher {
	return &Enricher{
		embedder: embedder,
		tagger:   tagger,
		risk:     NewRiskScorer(),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ShouldTrip: func(err error) bool {
				// Only provider-side trouble opens the circuit; a malformed
				// payload says nothing about provider health.
				return IsTransient(err)
			},
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("oracle circuit state change",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
		version: version,
		log:     zap.L().With(zap.String("component", "oracle.enricher")),
	}
}

// Version returns the enrichment version stamped on produced records.
// Bumping it forces re-enrichment of otherwise unchanged content.
func (e *Enricher) Version() int { return e.version }

// Enrich produces the enriched form of one canonical record.
func (e *Enricher) Enrich(ctx context.Context, rec model.CanonicalRecord) (model.EnrichedRecord, error) {
	out := model.EnrichedRecord{
		CanonicalRecord:   rec,
		EnrichmentVersion: e.version,
	}

	err := e.breaker.Execute(ctx, func(ctx context.Context) error {
		vectors, err := e.embedder.EmbedBatch(ctx, []string{rec.RawText})
		if err != nil {
			return err
		}
		out.Embedding = vectors[0]

		if scores := e.risk.Score(rec); scores != nil {
			out.DerivedScores = scores
			out.Tags = append(out.Tags, RiskCategory(scores["overall"]))
		}

		if e.tagger != nil && rec.Kind != model.KindParcel {
			tags, err := e.tagger.Tag(ctx, rec)
			if err != nil {
				return err
			}
			out.Tags = append(out.Tags, tags...)
		}
		return nil
	})
	if err != nil {
		return model.EnrichedRecord{}, err
	}

	return out, nil
}

// BreakerState exposes the circuit state for health reporting.
func (e *Enricher) BreakerState() resilience.CircuitState {
	return e.breaker.State()
}
