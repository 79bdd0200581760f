package core

import (
	"context"
	"fmt"
	"strings"

	"gwi.com/context-recommender/internal/errs"
	"gwi.com/context-recommender/internal/llm"
	"gwi.com/context-recommender/internal/utils"
)

// Vectorizer wraps the embedding provider and enforces the configured
// dimension on every vector it hands out.
type Vectorizer struct {
	embedder llm.Embedder
	dims     int
}

func NewVectorizer(embedder llm.Embedder, dims int) *Vectorizer {
	return &Vectorizer{embedder: embedder, dims: dims}
}

func (v *Vectorizer) Dimensions() int { return v.dims }

func (v *Vectorizer) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := v.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch embeds all texts or fails as a whole.
func (v *Vectorizer) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errs.Validation("embed", "no texts to embed")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errs.Validation("embed", "text %d is empty", i)
		}
	}

	out, err := v.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, errs.Provider("embed", err)
	}
	if len(out) != len(texts) {
		return nil, errs.Provider("embed", fmt.Errorf("provider returned %d embeddings for %d texts", len(out), len(texts)))
	}
	for _, vec := range out {
		if len(vec) != v.dims {
			return nil, errs.DimensionMismatch("embed", v.dims, len(vec))
		}
	}
	return out, nil
}

func (v *Vectorizer) CosineSimilarity(a, b []float32) (float64, error) {
	return utils.CosineSimilarity(a, b)
}

// Combine blends two vectors with normalized weights. The result is not unit
// length.
func (v *Vectorizer) Combine(a, b []float32, weightA, weightB float64) ([]float32, error) {
	return utils.Combine(a, b, weightA, weightB)
}

// CheckDimensions rejects a stored vector that does not match the provider.
func (v *Vectorizer) CheckDimensions(op string, vec []float32) error {
	if len(vec) != v.dims {
		return errs.DimensionMismatch(op, v.dims, len(vec))
	}
	return nil
}
