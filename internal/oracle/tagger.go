package oracle

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/resilience"
	"github.com/claimguardian/ingest-cli/pkg/anthropic"
)

const taggerSystemPrompt = `You label Florida insurance-regulatory documents.
Given a document, respond with ONLY a JSON object:
{"tags": ["..."]}

Tags are lowercase kebab-case, at most 6, drawn from themes like:
hurricane, rate-increase, rate-decrease, data-call, claims-handling,
solvency, reinsurance, flood, citizens, litigation, cancellation,
emergency-order, homeowners, commercial.
No prose, no code fences.`

const taggerMaxTokens = 256

// Tagger derives topical tags for prose records (bulletins, filings) via the
// Anthropic API. Parcels never reach the tagger; their tags come from the
// deterministic risk scorer.
type Tagger struct {
	client anthropic.Client
	model  string
	retry  resilience.RetryConfig
	log    *zap.Logger
}

// NewTagger creates a tagger using the given client and model.
func NewTagger(client anthropic.Client, model string) *Tagger {
	retry := resilience.DefaultRetryConfig()
	retry.ShouldRetry = IsTransient
	retry.OnRetry = resilience.RetryLogger("anthropic", "create message")
	return &Tagger{
		client: client,
		model:  model,
		retry:  retry,
		log:    zap.L().With(zap.String("component", "oracle.tagger")),
	}
}

// Tag returns topical tags for the record's text. Errors are classified for
// the retry taxonomy like embedding errors.
func (t *Tagger) Tag(ctx context.Context, rec model.CanonicalRecord) ([]string, error) {
	text := rec.RawText
	if len(text) > 8000 {
		text = text[:8000]
	}

	req := anthropic.MessageRequest{
		Model:     t.model,
		MaxTokens: taggerMaxTokens,
		System:    []anthropic.SystemBlock{{Text: taggerSystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "1h"}}},
		Messages:  []anthropic.Message{{Role: "user", Content: text}},
	}

	// API failures are transient from the pipeline's perspective (outage or
	// hard quota, both worth requeueing), so retry a couple of times here
	// before giving the item back to the queue.
	resp, err := resilience.Do(ctx, t.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := t.client.CreateMessage(ctx, req)
		if err != nil {
			return nil, transientErr("score", err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	tags, err := parseTags(resp)
	if err != nil {
		t.log.Warn("unparseable tagger response",
			zap.String("record_id", rec.RecordID),
			zap.Error(err),
		)
		return nil, permanentErr("score", err)
	}

	resp.Usage.LogCost(t.model, "tagging")
	return tags, nil
}

func parseTags(resp *anthropic.MessageResponse) ([]string, error) {
	if len(resp.Content) == 0 {
		return nil, eris.New("empty response")
	}
	raw := strings.TrimSpace(resp.Content[0].Text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var parsed struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return nil, eris.Wrap(err, "decode tag json")
	}

	out := parsed.Tags[:0]
	for _, tag := range parsed.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	if len(out) > 6 {
		out = out[:6]
	}
	return out, nil
}
