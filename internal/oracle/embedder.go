package oracle

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// embedClient is the slice of the OpenAI client the embedder needs;
// tests substitute a fake.
type embedClient interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// EmbedderConfig holds the embedding provider settings.
type EmbedderConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	Dimensions   int
	BatchSize    int
	TokensPerMin float64
	RequestBurst int // batch requests allowed back-to-back before 1/s pacing
}

// Embedder produces fixed-dimension vectors for record text via an
// OpenAI-compatible embeddings API. Requests are batched and paced by two
// limiters: a token budget so bulk parcel ingestion cannot blow the quota,
// and a request pacer so a backlog of tiny batches cannot hammer the API
// inside the token budget.
type Embedder struct {
	client     embedClient
	model      openai.EmbeddingModel
	dimensions int
	batchSize  int
	limiter    *rate.Limiter
	reqLimiter *rate.Limiter
	log        *zap.Logger
}

// NewEmbedder creates an embedder from config.
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.TokensPerMin <= 0 {
		cfg.TokensPerMin = 1_000_000
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 8
	}
	burst := int(cfg.TokensPerMin / 6) // up to 10s of budget in one batch

	return &Embedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		limiter:    rate.NewLimiter(rate.Limit(cfg.TokensPerMin/60), burst),
		reqLimiter: rate.NewLimiter(rate.Every(time.Second), cfg.RequestBurst),
		log:        zap.L().With(zap.String("component", "oracle.embedder")),
	}
}

// Dimensions returns the configured vector width.
func (e *Embedder) Dimensions() int { return e.dimensions }

// EmbedBatch embeds texts in order, splitting into provider-sized batches.
// The returned slice is index-aligned with the input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vectors, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *Embedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.waitBudget(ctx, texts); err != nil {
		return nil, err
	}

	req := openai.EmbeddingRequest{
		Input:          texts,
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, classifyEmbedError(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, transientErr("embed",
			eris.Errorf("provider returned %d vectors for %d inputs", len(resp.Data), len(texts)))
	}

	// The API may reorder; Index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, transientErr("embed", eris.Errorf("vector index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}

	e.log.Debug("embedded batch",
		zap.Int("inputs", len(texts)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return vectors, nil
}

// waitBudget blocks until the token budget covers the batch. Token counts
// are estimated at four characters per token, which overshoots slightly for
// the fixed-format parcel text; exact accounting is not worth a tokenizer
// dependency.
func (e *Embedder) waitBudget(ctx context.Context, texts []string) error {
	if err := e.reqLimiter.Wait(ctx); err != nil {
		return transientErr("embed", eris.Wrap(err, "request pacing wait"))
	}

	tokens := 0
	for _, t := range texts {
		tokens += len(t)/4 + 1
	}
	if tokens > e.limiter.Burst() {
		tokens = e.limiter.Burst()
	}
	if err := e.limiter.WaitN(ctx, tokens); err != nil {
		return transientErr("embed", eris.Wrap(err, "token budget wait"))
	}
	return nil
}

// classifyEmbedError maps provider API errors onto the retry taxonomy:
// rate limits and server errors are transient, 4xx payload rejections are
// permanent.
func classifyEmbedError(err error) error {
	var reqErr *openai.RequestError
	if eris.As(err, &reqErr) {
		if isTransientStatus(reqErr.HTTPStatusCode) {
			return transientErr("embed", err)
		}
		return permanentErr("embed", err)
	}

	var apiErr *openai.APIError
	if eris.As(err, &apiErr) {
		if isTransientStatus(apiErr.HTTPStatusCode) {
			return transientErr("embed", err)
		}
		return permanentErr("embed", err)
	}

	// Transport-level failure: no HTTP status to judge by.
	return transientErr("embed", err)
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status >= 500
}
