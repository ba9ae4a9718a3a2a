package retriever

import (
	"context"

	"github.com/lumora-ai/grounding/internal/domain"
	"github.com/lumora-ai/grounding/internal/index"
)

// Store is the document store contract for retrieval.
type Store interface {
	Unindexed() []domain.Chunk
	Indexed() []string
	MarkIndexed(chunkID string)
	GetChunk(id string) (domain.Chunk, bool)
	IsLive(chunkID string) bool
}

// Index is the vector index contract for retrieval.
type Index interface {
	Insert(e index.Entry) error
	Contains(chunkID string) bool
	Query(vector []float32, k int) ([]index.Result, error)
}

// ChunkEmbedder resolves chunk embeddings through the cache.
type ChunkEmbedder interface {
	GetOrCompute(ctx context.Context, chunk domain.Chunk) ([]float32, error)
}

// Embedder vectorizes query text.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.EmbeddingResult, error)
}
