package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/resilience"
)

type fakeTextEmbedder struct {
	err   error
	calls int
}

func (f *fakeTextEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeRecordTagger struct {
	tags []string
	err  error
}

func (f *fakeRecordTagger) Tag(_ context.Context, _ model.CanonicalRecord) ([]string, error) {
	return f.tags, f.err
}

func TestEnricher_Bulletin(t *testing.T) {
	enricher := NewEnricher(&fakeTextEmbedder{}, &fakeRecordTagger{tags: []string{"hurricane"}}, 2)

	out, err := enricher.Enrich(context.Background(), bulletinRec)
	require.NoError(t, err)

	assert.Equal(t, []float32{0.1, 0.2, 0.3}, out.Embedding)
	assert.Equal(t, []string{"hurricane"}, out.Tags)
	assert.Nil(t, out.DerivedScores)
	assert.Equal(t, 2, out.EnrichmentVersion)
}

func TestEnricher_ParcelGetsRiskNotTagger(t *testing.T) {
	tagger := &fakeRecordTagger{tags: []string{"should-not-appear"}}
	enricher := NewEnricher(&fakeTextEmbedder{}, tagger, 1)

	rec := model.CanonicalRecord{
		Kind:   model.KindParcel,
		Fields: map[string]any{"county_fips": "12087", "just_value": 900_000.0},
	}

	out, err := enricher.Enrich(context.Background(), rec)
	require.NoError(t, err)

	require.NotNil(t, out.DerivedScores)
	assert.Contains(t, out.DerivedScores, "wind_vulnerability")
	assert.Contains(t, out.DerivedScores, "surge_exposure")
	require.Len(t, out.Tags, 1)
	assert.Contains(t, out.Tags[0], "risk:")
}

func TestEnricher_NilTagger(t *testing.T) {
	enricher := NewEnricher(&fakeTextEmbedder{}, nil, 1)

	out, err := enricher.Enrich(context.Background(), bulletinRec)
	require.NoError(t, err)
	assert.Empty(t, out.Tags)
	assert.NotEmpty(t, out.Embedding)
}

func TestEnricher_BreakerOpensOnTransientFailures(t *testing.T) {
	embedder := &fakeTextEmbedder{err: transientErr("embed", assert.AnError)}
	enricher := NewEnricher(embedder, nil, 1)

	for range 5 {
		_, err := enricher.Enrich(context.Background(), bulletinRec)
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, enricher.BreakerState())

	// Rejected without touching the provider; still transient for the queue.
	callsBefore := embedder.calls
	_, err := enricher.Enrich(context.Background(), bulletinRec)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, callsBefore, embedder.calls)
}

func TestEnricher_PermanentFailuresDoNotTrip(t *testing.T) {
	embedder := &fakeTextEmbedder{err: permanentErr("embed", assert.AnError)}
	enricher := NewEnricher(embedder, nil, 1)

	for range 10 {
		_, err := enricher.Enrich(context.Background(), bulletinRec)
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	}
	assert.Equal(t, resilience.CircuitClosed, enricher.BreakerState())
}
