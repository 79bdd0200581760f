package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/llm"
	"gwi.com/context-recommender/internal/store"
)

type IntentLevel string

const (
	IntentLow      IntentLevel = "low"
	IntentModerate IntentLevel = "moderate"
	IntentHigh     IntentLevel = "high"
	IntentUnknown  IntentLevel = "unknown"
)

// PurchaseIntent is advisory output; Level is IntentUnknown when it could
// not be classified.
type PurchaseIntent struct {
	Level     IntentLevel `json:"level" jsonschema:"enum=low,enum=moderate,enum=high"`
	Score     int         `json:"score" jsonschema:"minimum=0,maximum=100"`
	Rationale string      `json:"rationale"`
}

var unknownIntent = PurchaseIntent{Level: IntentUnknown}

// Summarizer wraps the generation provider.
type Summarizer struct {
	gen          llm.Generator
	logger       *slog.Logger
	intentSchema json.RawMessage
}

func NewSummarizer(gen llm.Generator, logger *slog.Logger) (*Summarizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := strictSchema[PurchaseIntent]()
	if err != nil {
		return nil, fmt.Errorf("building purchase intent schema: %w", err)
	}
	return &Summarizer{gen: gen, logger: logger, intentSchema: schema}, nil
}

// Summarize folds messages into a bounded summary. When previous is set the
// model is told to keep its still-relevant facts. Length is a target given
// to the model; the output is not truncated.
func (s *Summarizer) Summarize(ctx context.Context, messages []store.ChatMessage, previous string) (string, error) {
	if len(messages) == 0 {
		if previous != "" {
			return previous, nil
		}
		return "", errs.Validation("summarize", "no messages to summarize")
	}

	prompt, err := renderPrompt(threadSummaryTemplate, map[string]string{
		"messages":         Transcript(messages),
		"previous_summary": previous,
	})
	if err != nil {
		return "", err
	}

	text, err := s.gen.Generate(ctx, llm.UserPrompt(summarySystemInstruction, prompt))
	if err != nil {
		return "", errs.SummaryGeneration("summarize", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errs.SummaryGeneration("summarize", fmt.Errorf("generator returned an empty summary"))
	}
	return text, nil
}

// DegradedSummary is the raw transcript, for callers that prefer a crude
// summary over a failure.
func (s *Summarizer) DegradedSummary(messages []store.ChatMessage) string {
	return Transcript(messages)
}

// Transcript renders messages as "role: content" lines.
func Transcript(messages []store.ChatMessage) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = fmt.Sprintf("%s: %s", m.Role, m.Content)
	}
	return strings.Join(lines, "\n")
}

// ContextNarrative derives the profile narrative stored with a user's
// context from their current narrative and the latest thread summary.
func (s *Summarizer) ContextNarrative(ctx context.Context, currentNarrative, threadSummary string) (string, error) {
	prompt, err := renderPrompt(narrativeTemplate, map[string]string{
		"current_context": currentNarrative,
		"thread_summary":  threadSummary,
	})
	if err != nil {
		return "", err
	}
	text, err := s.gen.Generate(ctx, llm.UserPrompt(narrativeSystemInstruction, prompt))
	if err != nil {
		return "", errs.Provider("context narrative", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errs.Provider("context narrative", fmt.Errorf("generator returned an empty narrative"))
	}
	return text, nil
}

// ClassifyPurchaseIntent never fails: any error degrades to unknown intent.
func (s *Summarizer) ClassifyPurchaseIntent(ctx context.Context, threadSummary string, recent []store.ChatMessage) PurchaseIntent {
	if strings.TrimSpace(threadSummary) == "" && len(recent) == 0 {
		return unknownIntent
	}
	prompt, err := renderPrompt(intentTemplate, map[string]string{
		"thread_summary":  threadSummary,
		"recent_messages": Transcript(recent),
		"schema":          string(s.intentSchema),
	})
	if err != nil {
		s.logger.Warn("purchase intent prompt failed", "err", err)
		return unknownIntent
	}

	req := llm.UserPrompt(intentSystemInstruction, prompt)
	req.JSONSchema = s.intentSchema
	req.SchemaName = "purchase_intent"
	req.Temperature = 0.1

	raw, err := s.gen.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("purchase intent classification failed", "err", err)
		return unknownIntent
	}
	intent, err := parseIntent(raw)
	if err != nil {
		s.logger.Warn("purchase intent response unusable", "err", err)
		return unknownIntent
	}
	return intent
}

func parseIntent(raw string) (PurchaseIntent, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var intent PurchaseIntent
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &intent); err != nil {
		return unknownIntent, fmt.Errorf("decoding intent: %w", err)
	}
	switch intent.Level {
	case IntentLow, IntentModerate, IntentHigh:
	default:
		return unknownIntent, fmt.Errorf("unexpected intent level %q", intent.Level)
	}
	intent.Score = max(0, min(100, intent.Score))
	return intent, nil
}

// ReplyInput carries what the final reply may reference.
type ReplyInput struct {
	UserMessage     string
	ThreadSummary   string
	UserNarrative   string
	Recommendations []Recommendation
}

func (s *Summarizer) GenerateReply(ctx context.Context, in ReplyInput) (string, error) {
	var products strings.Builder
	for i, r := range in.Recommendations {
		fmt.Fprintf(&products, "%d. %s", i+1, r.Title)
		if r.OwnerInfo.CompanyName != "" {
			fmt.Fprintf(&products, " by %s", r.OwnerInfo.CompanyName)
		}
		if r.Description != "" {
			fmt.Fprintf(&products, ": %s", r.Description)
		}
		products.WriteString("\n")
	}

	prompt, err := renderPrompt(replyTemplate, map[string]string{
		"user_context":   in.UserNarrative,
		"thread_summary": in.ThreadSummary,
		"products":       products.String(),
		"user_message":   in.UserMessage,
	})
	if err != nil {
		return "", err
	}
	text, err := s.gen.Generate(ctx, llm.UserPrompt(replySystemInstruction, prompt))
	if err != nil {
		return "", errs.Provider("generate reply", err)
	}
	return strings.TrimSpace(text), nil
}

// strictSchema reflects T into a JSON schema that structured-output APIs
// accept: no references, no extra properties, every property required.
func strictSchema[T any]() (json.RawMessage, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	b, err := reflector.Reflect(v).MarshalJSON()
	if err != nil {
		return nil, err
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	delete(m, "$schema")
	delete(m, "$id")
	requireAll(m)
	return json.Marshal(m)
}

func requireAll(schema map[string]any) {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	schema["additionalProperties"] = false
	required := make([]string, 0, len(props))
	for name, prop := range props {
		required = append(required, name)
		if child, ok := prop.(map[string]any); ok {
			requireAll(child)
		}
	}
	slices.Sort(required)
	schema["required"] = required
}
