// Package llmtest provides deterministic embedders and generators for tests.
package llmtest

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"

	"gwi.com/context-recommender/internal/llm"
)

// KeywordEmbedder maps known words onto fixed axes so texts about the same
// topic land close together. Unknown words are hashed into the remaining
// axes with a small weight. The last axis carries a constant bias so no
// text embeds to the zero vector.
type KeywordEmbedder struct {
	Dims   int
	Topics map[string]int
	// Err, when set, is returned by every call.
	Err error

	mu    sync.Mutex
	calls int
	texts []string
}

func NewKeywordEmbedder(dims int, topics map[string]int) *KeywordEmbedder {
	return &KeywordEmbedder{Dims: dims, Topics: topics}
}

func (e *KeywordEmbedder) Name() string    { return "stub/keyword" }
func (e *KeywordEmbedder) Dimensions() int { return e.Dims }

func (e *KeywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts = append(e.texts, texts...)
	err := e.Err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *KeywordEmbedder) vector(text string) []float32 {
	v := make([]float32, e.Dims)
	v[e.Dims-1] = 0.05

	topicAxes := map[int]bool{}
	for _, axis := range e.Topics {
		topicAxes[axis] = true
	}
	free := e.Dims - 1 - len(topicAxes)

	for _, word := range Tokens(text) {
		if axis, ok := e.Topics[word]; ok {
			v[axis]++
			continue
		}
		if free <= 0 {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(word))
		v[len(topicAxes)+int(h.Sum32()%uint32(free))] += 0.01
	}
	return v
}

// Calls returns how many Embed calls were made.
func (e *KeywordEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Texts returns every text embedded so far.
func (e *KeywordEmbedder) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

// FixedEmbedder returns the configured vector for known texts and fails on
// anything else.
type FixedEmbedder struct {
	Vectors map[string][]float32
	Dims    int
}

func (e *FixedEmbedder) Name() string    { return "stub/fixed" }
func (e *FixedEmbedder) Dimensions() int { return e.Dims }

func (e *FixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.Vectors[t]
		if !ok {
			return nil, &UnknownTextError{Text: t}
		}
		out[i] = v
	}
	return out, nil
}

type UnknownTextError struct{ Text string }

func (e *UnknownTextError) Error() string { return "no fixture vector for " + e.Text }

// Generator answers with Respond and records every request.
type Generator struct {
	Respond func(req llm.Request) (string, error)

	mu       sync.Mutex
	requests []llm.Request
}

func (g *Generator) Name() string { return "stub/generator" }

func (g *Generator) Generate(_ context.Context, req llm.Request) (string, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.Respond == nil {
		return "ok", nil
	}
	return g.Respond(req)
}

func (g *Generator) Requests() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.requests...)
}

// Echo returns the last user message unchanged.
func Echo(req llm.Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", nil
	}
	return req.Messages[len(req.Messages)-1].Content, nil
}

// Tokens lowercases text and splits it on anything that is not a letter or
// digit.
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
