package llm

import (
	"context"
	"time"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	TurnID      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend. Implementations call consumer
// once per fragment, in order; a consumer error aborts generation.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
