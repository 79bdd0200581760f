// Package llm holds the embedding and text generation clients. Clients are
// built once at startup and shared by every pipeline run.
package llm

import (
	"context"
	"encoding/json"
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request is a single text generation call. Messages are sent after the
// system instruction; the last one is expected to come from the user.
type Request struct {
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSONSchema asks for a JSON document matching the schema.
	JSONSchema json.RawMessage
	SchemaName string
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// UserPrompt builds the common single-turn request.
func UserPrompt(system, prompt string) Request {
	return Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	}
}
