package oracle

import (
	"context"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeEmbedClient struct {
	calls [][]string
	err   error
	dims  int
}

func (f *fakeEmbedClient) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	if f.err != nil {
		return openai.EmbeddingResponse{}, f.err
	}
	req := conv.Convert()
	texts := req.Input.([]string)
	f.calls = append(f.calls, texts)

	resp := openai.EmbeddingResponse{}
	// Return vectors in reverse order to exercise Index-based reassembly.
	for i := len(texts) - 1; i >= 0; i-- {
		vec := make([]float32, f.dims)
		vec[0] = float32(i)
		resp.Data = append(resp.Data, openai.Embedding{Index: i, Embedding: vec})
	}
	return resp, nil
}

func testEmbedder(client embedClient, batchSize int) *Embedder {
	e := NewEmbedder(EmbedderConfig{Model: "text-embedding-3-small", Dimensions: 4, BatchSize: batchSize})
	e.client = client
	e.limiter = rate.NewLimiter(rate.Inf, 0)
	return e
}

func TestEmbedBatch_SplitsAndReassembles(t *testing.T) {
	fake := &fakeEmbedClient{dims: 4}
	e := testEmbedder(fake, 2)

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	// Two provider calls for batch size 2.
	require.Len(t, fake.calls, 2)
	assert.Equal(t, []string{"a", "b"}, fake.calls[0])
	assert.Equal(t, []string{"c"}, fake.calls[1])

	// Order restored despite reversed provider output.
	assert.Equal(t, float32(0), vectors[0][0])
	assert.Equal(t, float32(1), vectors[1][0])
	assert.Equal(t, float32(0), vectors[2][0])
}

func TestNewEmbedder_RequestBurst(t *testing.T) {
	e := NewEmbedder(EmbedderConfig{Model: "text-embedding-3-small", RequestBurst: 3})
	assert.Equal(t, 3, e.reqLimiter.Burst())

	// Unset burst falls back to the default.
	e = NewEmbedder(EmbedderConfig{Model: "text-embedding-3-small"})
	assert.Equal(t, 8, e.reqLimiter.Burst())
}

func TestEmbedBatch_Empty(t *testing.T) {
	e := testEmbedder(&fakeEmbedClient{dims: 4}, 16)
	vectors, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestClassifyEmbedError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, true},
		{"server error", &openai.RequestError{HTTPStatusCode: http.StatusBadGateway}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, false},
		{"payload too large", &openai.RequestError{HTTPStatusCode: http.StatusRequestEntityTooLarge}, false},
		{"plain network error", assert.AnError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifyEmbedError(tt.err)
			assert.Equal(t, tt.transient, IsTransient(classified))
		})
	}
}

func TestEmbedBatch_ProviderErrorClassified(t *testing.T) {
	fake := &fakeEmbedClient{err: &openai.APIError{HTTPStatusCode: http.StatusBadRequest}}
	e := testEmbedder(fake, 16)

	_, err := e.EmbedBatch(context.Background(), []string{"text"})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
