package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/pkg/anthropic"
)

type fakeAnthropicClient struct {
	anthropic.Client
	text     string
	err      error
	failures int // fail this many calls before succeeding; 0 with err set = always fail
	calls    int
	last     anthropic.MessageRequest
}

func (f *fakeAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.calls++
	f.last = req
	if f.err != nil && (f.failures == 0 || f.calls <= f.failures) {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
	}, nil
}

func fastRetryTagger(fake *fakeAnthropicClient) *Tagger {
	tagger := NewTagger(fake, "claude-haiku-4-5-20251001")
	tagger.retry.InitialBackoff = time.Millisecond
	tagger.retry.MaxBackoff = time.Millisecond
	return tagger
}

var bulletinRec = model.CanonicalRecord{
	RecordID: "bulletin:oir-bulletins:OIR-26-03M",
	Kind:     model.KindBulletin,
	RawText:  "Hurricane Milton claims reporting requirements for residential property insurers.",
}

func TestTagger_ParsesTags(t *testing.T) {
	fake := &fakeAnthropicClient{text: `{"tags": ["Hurricane", " claims-handling ", "homeowners"]}`}
	tagger := NewTagger(fake, "claude-haiku-4-5-20251001")

	tags, err := tagger.Tag(context.Background(), bulletinRec)
	require.NoError(t, err)
	assert.Equal(t, []string{"hurricane", "claims-handling", "homeowners"}, tags)
	assert.Equal(t, "claude-haiku-4-5-20251001", fake.last.Model)
}

func TestTagger_StripsCodeFences(t *testing.T) {
	fake := &fakeAnthropicClient{text: "```json\n{\"tags\":[\"rate-increase\"]}\n```"}
	tagger := NewTagger(fake, "claude-haiku-4-5-20251001")

	tags, err := tagger.Tag(context.Background(), bulletinRec)
	require.NoError(t, err)
	assert.Equal(t, []string{"rate-increase"}, tags)
}

func TestTagger_CapsTagCount(t *testing.T) {
	fake := &fakeAnthropicClient{text: `{"tags":["a","b","c","d","e","f","g","h"]}`}
	tagger := NewTagger(fake, "claude-haiku-4-5-20251001")

	tags, err := tagger.Tag(context.Background(), bulletinRec)
	require.NoError(t, err)
	assert.Len(t, tags, 6)
}

func TestTagger_APIErrorIsTransient(t *testing.T) {
	fake := &fakeAnthropicClient{err: assert.AnError}
	tagger := fastRetryTagger(fake)

	_, err := tagger.Tag(context.Background(), bulletinRec)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	// Every attempt was burned before the error surfaced.
	assert.Equal(t, tagger.retry.MaxAttempts, fake.calls)
}

func TestTagger_RetriesTransientAPIFailure(t *testing.T) {
	fake := &fakeAnthropicClient{
		err:      assert.AnError,
		failures: 1,
		text:     `{"tags":["hurricane"]}`,
	}
	tagger := fastRetryTagger(fake)

	tags, err := tagger.Tag(context.Background(), bulletinRec)
	require.NoError(t, err)
	assert.Equal(t, []string{"hurricane"}, tags)
	assert.Equal(t, 2, fake.calls)
}

func TestTagger_GarbageResponseIsPermanent(t *testing.T) {
	fake := &fakeAnthropicClient{text: "I think the relevant tags would be..."}
	tagger := NewTagger(fake, "claude-haiku-4-5-20251001")

	_, err := tagger.Tag(context.Background(), bulletinRec)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
