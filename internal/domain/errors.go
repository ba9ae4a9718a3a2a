package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidDocument signals malformed ingestion input. Never retried.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrDocumentNotFound signals a missing document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrEmbeddingUnavailable signals that the embedding provider failed
	// after bounded retries. A later retry is allowed.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	// ErrBudgetExceeded signals that not even a zero-memory, minimum-evidence
	// prompt fits the configured size budget. The caller must reduce k.
	ErrBudgetExceeded = errors.New("prompt budget exceeded")
	// ErrIndexCorruption signals a structural invariant violation in the
	// vector index. Recovery is a full rebuild from the document store.
	ErrIndexCorruption = errors.New("index corruption")
	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
	// ErrEngineClosed signals a request on a closed engine.
	ErrEngineClosed = errors.New("engine closed")
)

// ErrEmptyQuery rejects empty or whitespace-only retrieval queries. It is
// an input validation failure, so it unwraps to ErrInvalidDocument.
var ErrEmptyQuery = fmt.Errorf("empty query: %w", ErrInvalidDocument)

// CorruptionError wraps ErrIndexCorruption with the chunk that exposed it.
type CorruptionError struct {
	ChunkID string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s: live chunk %s missing from index", ErrIndexCorruption.Error(), e.ChunkID)
}

func (e *CorruptionError) Unwrap() error { return ErrIndexCorruption }

// NewCorruption creates an index corruption error for the given chunk.
func NewCorruption(chunkID string) error {
	return &CorruptionError{ChunkID: chunkID}
}
