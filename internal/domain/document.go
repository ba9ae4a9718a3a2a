package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Metadata is the product metadata carried by a document and inherited by
// its chunks. Retrieval filters match against these fields.
type Metadata struct {
	SKU      string
	Category string
	InStock  bool
}

// Document is a product document as submitted for ingestion.
type Document struct {
	ID       string
	Text     string
	Metadata Metadata
}

// VersionRecord is one ingested version of a document. Records are
// append-only: re-ingestion adds a new record, never edits an old one.
type VersionRecord struct {
	Version     int
	Text        string
	ContentHash string
	Metadata    Metadata
	IngestedAt  time.Time
	ChunkIDs    []string
}

// Chunk is an immutable retrieval unit derived from one document version.
// Its content hash uniquely determines the embedding cache key.
type Chunk struct {
	ID          string
	DocumentID  string
	Version     int
	Ordinal     int
	Text        string
	ContentHash string
	Metadata    Metadata
	IngestedAt  time.Time
}

// ChunkID builds the deterministic chunk identifier. Re-ingestion bumps the
// version, so a new document version always yields fresh chunk ids.
func ChunkID(docID string, version, ordinal int) string {
	return fmt.Sprintf("%s:v%d:%d", docID, version, ordinal)
}

// HashContent returns the hex sha256 of the chunk text. Identical content
// hashes identically across re-ingestions, which keeps chunking idempotent
// and embedding cache keys stable.
func HashContent(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
