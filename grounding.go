// Package grounding is the retrieval-and-grounding core for pre-sale
// product recommendation agents. It indexes product documents, caches
// their embeddings, retrieves and ranks evidence for a query, and
// assembles grounded prompts that keep the downstream language model
// from fabricating product facts.
//
// The package is an internal library: it exposes no network or CLI
// surface. The surrounding application wires it with an embedding
// provider, an optional language model, and an optional conversation
// memory store.
package grounding

import (
	"context"
	"time"

	"github.com/lumora-ai/grounding/internal/domain"
)

// Boundary errors. Exactly these kinds cross the library boundary;
// everything else is handled internally.
var (
	ErrInvalidDocument      = domain.ErrInvalidDocument
	ErrDocumentNotFound     = domain.ErrDocumentNotFound
	ErrEmbeddingUnavailable = domain.ErrEmbeddingUnavailable
	ErrBudgetExceeded       = domain.ErrBudgetExceeded
	ErrIndexCorruption      = domain.ErrIndexCorruption
	ErrEngineClosed         = domain.ErrEngineClosed
)

// NoEvidenceMarker is present in prompts assembled without any retrieved
// evidence.
const NoEvidenceMarker = domain.NoEvidenceMarker

// Document is a product document for ingestion.
type Document struct {
	ID       string
	Text     string
	SKU      string
	Category string
	InStock  bool
}

// Filters narrows retrieval candidates by product metadata.
type Filters struct {
	Category    string
	InStockOnly bool
}

// Turn is one prior conversation exchange.
type Turn struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Evidence is one ranked retrieval hit.
type Evidence struct {
	ChunkID    string
	DocumentID string
	SKU        string
	Category   string
	Text       string
	Score      float64
}

// GroundedPrompt is the assembled language model payload.
type GroundedPrompt struct {
	Instruction string
	Evidence    []Evidence
	History     []Turn
	Query       string
}

// HasEvidence reports whether any retrieved evidence survived assembly.
func (p GroundedPrompt) HasEvidence() bool { return len(p.Evidence) > 0 }

// Render flattens the prompt into the completion input string.
func (p GroundedPrompt) Render() string { return promptToDomain(p).Render() }

// Embedder vectorizes text. Implementations are provided by the
// surrounding application when the built-in OpenAI-compatible transport
// is not wanted.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer is the black-box language model collaborator.
type Completer interface {
	Complete(ctx context.Context, prompt GroundedPrompt) (string, error)
}

// MemoryStore is the read-only conversation memory collaborator.
type MemoryStore interface {
	Recent(ctx context.Context, sessionID string, maxTurns int) ([]Turn, error)
}

// --- converters between the public surface and internal domain types ---

func docToDomain(d Document) domain.Document {
	return domain.Document{
		ID:   d.ID,
		Text: d.Text,
		Metadata: domain.Metadata{
			SKU:      d.SKU,
			Category: d.Category,
			InStock:  d.InStock,
		},
	}
}

func docFromDomain(d domain.Document) Document {
	return Document{
		ID:       d.ID,
		Text:     d.Text,
		SKU:      d.Metadata.SKU,
		Category: d.Metadata.Category,
		InStock:  d.Metadata.InStock,
	}
}

func filtersToDomain(f Filters) domain.Filters {
	return domain.Filters{Category: f.Category, InStockOnly: f.InStockOnly}
}

func evidenceFromDomain(evs []domain.Evidence) []Evidence {
	if evs == nil {
		return nil
	}
	out := make([]Evidence, len(evs))
	for i, ev := range evs {
		out[i] = Evidence{
			ChunkID:    ev.Chunk.ID,
			DocumentID: ev.Chunk.DocumentID,
			SKU:        ev.Chunk.Metadata.SKU,
			Category:   ev.Chunk.Metadata.Category,
			Text:       ev.Chunk.Text,
			Score:      ev.Score,
		}
	}
	return out
}

func turnsToDomain(turns []Turn) []domain.Turn {
	out := make([]domain.Turn, len(turns))
	for i, t := range turns {
		out[i] = domain.Turn{Role: t.Role, Text: t.Text, Timestamp: t.Timestamp}
	}
	return out
}

func turnsFromDomain(turns []domain.Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = Turn{Role: t.Role, Text: t.Text, Timestamp: t.Timestamp}
	}
	return out
}

func promptToDomain(p GroundedPrompt) domain.GroundedPrompt {
	evs := make([]domain.Evidence, len(p.Evidence))
	for i, ev := range p.Evidence {
		evs[i] = domain.Evidence{
			Chunk: domain.Chunk{
				ID:         ev.ChunkID,
				DocumentID: ev.DocumentID,
				Text:       ev.Text,
				Metadata:   domain.Metadata{SKU: ev.SKU, Category: ev.Category},
			},
			Score: ev.Score,
		}
	}
	return domain.GroundedPrompt{
		Instruction: p.Instruction,
		Evidence:    evs,
		History:     turnsToDomain(p.History),
		Query:       p.Query,
	}
}

func promptFromDomain(p domain.GroundedPrompt) GroundedPrompt {
	return GroundedPrompt{
		Instruction: p.Instruction,
		Evidence:    evidenceFromDomain(p.Evidence),
		History:     turnsFromDomain(p.History),
		Query:       p.Query,
	}
}

// embedderAdapter lifts a public Embedder into the domain contract.
type embedderAdapter struct{ inner Embedder }

func (a embedderAdapter) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	vec, err := a.inner.Embed(ctx, text)
	if err != nil {
		return domain.EmbeddingResult{}, err
	}
	return domain.EmbeddingResult{Embedding: vec}, nil
}

// memoryAdapter lifts a public MemoryStore into the domain contract.
type memoryAdapter struct{ inner MemoryStore }

func (a memoryAdapter) Recent(ctx context.Context, sessionID string, maxTurns int) ([]domain.Turn, error) {
	turns, err := a.inner.Recent(ctx, sessionID, maxTurns)
	if err != nil {
		return nil, err
	}
	return turnsToDomain(turns), nil
}
