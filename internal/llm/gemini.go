package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient owns the genai client shared by the Gemini embedder and
// generator. Close it on shutdown.
type GeminiClient struct {
	client *genai.Client
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

func (c *GeminiClient) Close() {
	if c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		slog.Warn("error closing GenAI client", "err", err)
		return
	}
	slog.Info("GenAI client closed")
}

type GeminiEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int
	batchSize  int
}

func (c *GeminiClient) Embedder(model string, dimensions, batchSize int) *GeminiEmbedder {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &GeminiEmbedder{client: c.client, model: model, dimensions: dimensions, batchSize: batchSize}
}

func (e *GeminiEmbedder) Name() string   { return "gemini/" + e.model }
func (e *GeminiEmbedder) Dimensions() int { return e.dimensions }

func (e *GeminiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := e.client.EmbeddingModel(e.model)

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		batch := em.NewBatch()
		for _, text := range texts[i:end] {
			batch.AddContent(genai.Text(text))
		}
		res, err := em.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini embedding request failed: %w", err)
		}
		if res == nil || len(res.Embeddings) != end-i {
			return nil, fmt.Errorf("gemini returned a short embedding batch")
		}
		for _, emb := range res.Embeddings {
			if emb == nil || len(emb.Values) == 0 {
				return nil, fmt.Errorf("no embedding data received from gemini")
			}
			all = append(all, emb.Values)
		}
	}
	return all, nil
}

type GeminiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

func (c *GeminiClient) Generator(model string, temperature float32, maxTokens int) *GeminiGenerator {
	return &GeminiGenerator{client: c.client, model: model, temperature: temperature, maxTokens: int32(maxTokens)}
}

func (g *GeminiGenerator) Name() string { return "gemini/" + g.model }

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("prompt history is empty for generation")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleUser {
		return "", fmt.Errorf("last message in history is not from 'user', cannot proceed with generation")
	}

	model := g.client.GenerativeModel(g.model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	temp := g.temperature
	if req.Temperature > 0 {
		temp = req.Temperature
	}
	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		MaxOutputTokens: &maxTokens,
	}
	if len(req.JSONSchema) > 0 {
		model.ResponseMIMEType = "application/json"
	}

	session := model.StartChat()
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := session.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return "", fmt.Errorf("gemini SendMessage failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini response was empty or had no valid candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("gemini returned an empty or non-text response")
	}
	return strings.TrimSpace(text.String()), nil
}
