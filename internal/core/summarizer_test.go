package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/llm"
	"gwi.com/context-recommender/internal/llm/llmtest"
	"gwi.com/context-recommender/internal/store"
)

func messages(contents ...string) []store.ChatMessage {
	out := make([]store.ChatMessage, len(contents))
	for i, c := range contents {
		out[i] = store.ChatMessage{Role: store.RoleUser, Content: c, Ordinal: int64(i + 1)}
	}
	return out
}

func TestSummarizeFoldsInPreviousSummary(t *testing.T) {
	gen := &llmtest.Generator{Respond: func(llm.Request) (string, error) { return "  summary  ", nil }}
	s, err := NewSummarizer(gen, nil)
	require.NoError(t, err)

	text, err := s.Summarize(context.Background(), messages("we are five people"), "")
	require.NoError(t, err)
	assert.Equal(t, "summary", text)

	_, err = s.Summarize(context.Background(), messages("budget is 50 per seat"), "The user runs a 5 person sales team.")
	require.NoError(t, err)

	reqs := gen.Requests()
	require.Len(t, reqs, 2)
	first := reqs[0].Messages[0].Content
	assert.Contains(t, first, "user: we are five people")
	assert.NotContains(t, first, "summary of the conversation so far")

	second := reqs[1].Messages[0].Content
	assert.Contains(t, second, "The user runs a 5 person sales team.")
	assert.Contains(t, second, "Keep every fact from the previous summary")
	assert.Contains(t, second, "user: budget is 50 per seat")
	assert.Equal(t, summarySystemInstruction, reqs[1].System)
}

func TestSummarizeErrors(t *testing.T) {
	upstream := errs.Provider("generate", errors.New("503"))
	gen := &llmtest.Generator{Respond: func(llm.Request) (string, error) { return "", upstream }}
	s, err := NewSummarizer(gen, nil)
	require.NoError(t, err)

	_, err = s.Summarize(context.Background(), messages("hi"), "")
	assert.True(t, errors.Is(err, errs.ErrSummaryGeneration))
	assert.True(t, errors.Is(err, errs.ErrProvider))
	assert.True(t, errs.Retryable(err))

	_, err = s.Summarize(context.Background(), nil, "")
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Empty(t, gen.Requests()[1:])

	text, err := s.Summarize(context.Background(), nil, "kept")
	require.NoError(t, err)
	assert.Equal(t, "kept", text)
}

func TestDegradedSummaryIsTranscript(t *testing.T) {
	s, err := NewSummarizer(&llmtest.Generator{}, nil)
	require.NoError(t, err)
	msgs := messages("one", "two")
	msgs[1].Role = store.RoleAssistant
	assert.Equal(t, "user: one\nassistant: two", s.DegradedSummary(msgs))
}

func TestClassifyPurchaseIntent(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
		want     PurchaseIntent
	}{
		{
			name:     "plain json",
			response: `{"level":"high","score":82,"rationale":"asked for pricing"}`,
			want:     PurchaseIntent{Level: IntentHigh, Score: 82, Rationale: "asked for pricing"},
		},
		{
			name:     "fenced json",
			response: "```json\n{\"level\":\"moderate\",\"score\":40,\"rationale\":\"comparing\"}\n```",
			want:     PurchaseIntent{Level: IntentModerate, Score: 40, Rationale: "comparing"},
		},
		{
			name:     "score clamped",
			response: `{"level":"low","score":150,"rationale":""}`,
			want:     PurchaseIntent{Level: IntentLow, Score: 100},
		},
		{
			name:     "unknown level",
			response: `{"level":"certain","score":90,"rationale":"x"}`,
			want:     PurchaseIntent{Level: IntentUnknown},
		},
		{
			name:     "not json",
			response: "the user wants to buy",
			want:     PurchaseIntent{Level: IntentUnknown},
		},
		{
			name: "provider failure",
			err:  errs.Provider("generate", errors.New("timeout")),
			want: PurchaseIntent{Level: IntentUnknown},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &llmtest.Generator{Respond: func(llm.Request) (string, error) { return tt.response, tt.err }}
			s, err := NewSummarizer(gen, nil)
			require.NoError(t, err)

			got := s.ClassifyPurchaseIntent(context.Background(), "wants a CRM", messages("how much is it?"))
			assert.Equal(t, tt.want, got)

			reqs := gen.Requests()
			require.Len(t, reqs, 1)
			assert.NotEmpty(t, reqs[0].JSONSchema)
			assert.Equal(t, "purchase_intent", reqs[0].SchemaName)
		})
	}
}

func TestClassifyPurchaseIntentWithoutInput(t *testing.T) {
	gen := &llmtest.Generator{}
	s, err := NewSummarizer(gen, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentUnknown, s.ClassifyPurchaseIntent(context.Background(), " ", nil).Level)
	assert.Empty(t, gen.Requests())
}

func TestPurchaseIntentSchemaIsStrict(t *testing.T) {
	raw, err := strictSchema[PurchaseIntent]()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(raw, &schema))
	assert.Equal(t, false, schema["additionalProperties"])
	assert.ElementsMatch(t, []any{"level", "rationale", "score"}, schema["required"])
	assert.NotContains(t, schema, "$schema")

	props := schema["properties"].(map[string]any)
	level := props["level"].(map[string]any)
	assert.ElementsMatch(t, []any{"low", "moderate", "high"}, level["enum"])
	score := props["score"].(map[string]any)
	assert.EqualValues(t, 100, score["maximum"])
}

func TestGenerateReplyListsProducts(t *testing.T) {
	gen := &llmtest.Generator{Respond: llmtest.Echo}
	s, err := NewSummarizer(gen, nil)
	require.NoError(t, err)

	reply, err := s.GenerateReply(context.Background(), ReplyInput{
		UserMessage:   "which CRM?",
		ThreadSummary: "needs a CRM",
		Recommendations: []Recommendation{
			{Title: "Acme CRM", Description: "pipeline", OwnerInfo: OwnerInfo{CompanyName: "Acme"}},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, reply, "1. Acme CRM by Acme: pipeline")
	assert.Contains(t, reply, "User message: which CRM?")

	reply, err = s.GenerateReply(context.Background(), ReplyInput{UserMessage: "hello"})
	require.NoError(t, err)
	assert.Contains(t, reply, "(none)")
	assert.Equal(t, replySystemInstruction, gen.Requests()[1].System)
}
