package domain

import (
	"context"
	"time"
)

// Embedder is the shared text vectorization contract between layers.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
}

// HealthChecker verifies embedding provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EmbeddingResult carries the embedding vector and token usage through the
// decorator chain.
type EmbeddingResult struct {
	Embedding    []float32
	PromptTokens int
	TotalTokens  int
}

// Completer is the black-box language model collaborator. The core's only
// obligation is handing it a well-formed grounded prompt.
type Completer interface {
	Complete(ctx context.Context, prompt GroundedPrompt) (string, error)
}

// Turn is one prior conversation exchange read from the memory store.
type Turn struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// MemoryStore is the read-only conversation memory collaborator.
type MemoryStore interface {
	Recent(ctx context.Context, sessionID string, maxTurns int) ([]Turn, error)
}
