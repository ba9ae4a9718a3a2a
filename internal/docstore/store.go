// Package docstore owns product documents and their chunks. It is the
// source of truth the vector index can always be rebuilt from.
//
// Documents are kept as an arena of append-only version records with an
// atomic current-version pointer. Re-ingestion never edits in place: it
// appends a new version, republishes the document's chunk set, and hands
// the superseded chunk ids to the supersede hook for index removal.
package docstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/chunker"
	"github.com/lumora-ai/grounding/internal/domain"
)

// Store is the document store. Safe for concurrent use; all mutation is
// serialized behind one lock, readers see either the pre- or post-ingest
// state of a document, never a mix.
type Store struct {
	mu      sync.RWMutex
	docs    map[string][]domain.VersionRecord
	live    map[string]domain.Chunk // chunk id -> live chunk (current versions only)
	indexed map[string]bool         // chunk id -> present in the vector index

	splitter    *chunker.Chunker
	onSupersede func(chunkIDs []string)
	now         func() time.Time
	logger      *zap.Logger
}

// New creates a document store that chunks with the given splitter.
func New(splitter *chunker.Chunker, logger *zap.Logger) *Store {
	return &Store{
		docs:     make(map[string][]domain.VersionRecord),
		live:     make(map[string]domain.Chunk),
		indexed:  make(map[string]bool),
		splitter: splitter,
		now:      time.Now,
		logger:   logger,
	}
}

// SetSupersedeHook registers the callback invoked (asynchronously) with the
// chunk ids of a superseded document version. The engine wires this to
// vector index removal.
func (s *Store) SetSupersedeHook(fn func(chunkIDs []string)) {
	s.mu.Lock()
	s.onSupersede = fn
	s.mu.Unlock()
}

// SetClock overrides the ingestion timestamp source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Ingest validates and chunks a document, assigns the next version, and
// publishes the new chunk set atomically. All-or-nothing: on any failure
// no state changes. Returns the new chunk ids.
func (s *Store) Ingest(doc domain.Document) ([]string, error) {
	if strings.TrimSpace(doc.ID) == "" {
		return nil, fmt.Errorf("document id is empty: %w", domain.ErrInvalidDocument)
	}
	texts := s.splitter.Split(doc.Text)
	if len(texts) == 0 {
		return nil, fmt.Errorf("document %s has no text: %w", doc.ID, domain.ErrInvalidDocument)
	}

	s.mu.Lock()

	version := 1
	if prev := s.docs[doc.ID]; len(prev) > 0 {
		version = prev[len(prev)-1].Version + 1
	}
	ingestedAt := s.now()

	chunks := make([]domain.Chunk, len(texts))
	chunkIDs := make([]string, len(texts))
	for i, text := range texts {
		chunks[i] = domain.Chunk{
			ID:          domain.ChunkID(doc.ID, version, i),
			DocumentID:  doc.ID,
			Version:     version,
			Ordinal:     i,
			Text:        text,
			ContentHash: domain.HashContent(text),
			Metadata:    doc.Metadata,
			IngestedAt:  ingestedAt,
		}
		chunkIDs[i] = chunks[i].ID
	}

	// Collect the chunks of the now-superseded version before republishing.
	var stale []string
	if prev := s.docs[doc.ID]; len(prev) > 0 {
		stale = prev[len(prev)-1].ChunkIDs
	}

	s.docs[doc.ID] = append(s.docs[doc.ID], domain.VersionRecord{
		Version:     version,
		Text:        doc.Text,
		ContentHash: domain.HashContent(doc.Text),
		Metadata:    doc.Metadata,
		IngestedAt:  ingestedAt,
		ChunkIDs:    chunkIDs,
	})

	for _, id := range stale {
		delete(s.live, id)
		delete(s.indexed, id)
	}
	for _, c := range chunks {
		s.live[c.ID] = c
	}

	hook := s.onSupersede
	s.mu.Unlock()

	if hook != nil && len(stale) > 0 {
		// Index removal happens off the ingestion path. Retrieval filters
		// against the live set, so a not-yet-removed stale entry is never
		// returned in the meantime.
		go hook(stale)
	}

	s.logger.Debug("ingested document",
		zap.String("document_id", doc.ID),
		zap.Int("version", version),
		zap.Int("chunks", len(chunkIDs)),
		zap.Int("superseded", len(stale)),
	)
	return chunkIDs, nil
}

// Delete removes a document entirely. Its chunks leave the live set at
// once and are handed to the supersede hook for index removal.
func (s *Store) Delete(docID string) error {
	s.mu.Lock()
	versions, ok := s.docs[docID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("document %s: %w", docID, domain.ErrDocumentNotFound)
	}
	stale := versions[len(versions)-1].ChunkIDs
	delete(s.docs, docID)
	for _, id := range stale {
		delete(s.live, id)
		delete(s.indexed, id)
	}
	hook := s.onSupersede
	s.mu.Unlock()

	if hook != nil && len(stale) > 0 {
		go hook(stale)
	}
	return nil
}

// GetDocument returns the current version of a document.
func (s *Store) GetDocument(id string) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.docs[id]
	if !ok {
		return domain.Document{}, fmt.Errorf("document %s: %w", id, domain.ErrDocumentNotFound)
	}
	cur := versions[len(versions)-1]
	return domain.Document{ID: id, Text: cur.Text, Metadata: cur.Metadata}, nil
}

// CurrentVersion returns the current version number of a document.
func (s *Store) CurrentVersion(id string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.docs[id]
	if !ok {
		return 0, false
	}
	return versions[len(versions)-1].Version, true
}

// GetChunk returns a live chunk by id.
func (s *Store) GetChunk(id string) (domain.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.live[id]
	return c, ok
}

// IsLive reports whether the chunk belongs to the current version of a
// stored document.
func (s *Store) IsLive(chunkID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[chunkID]
	return ok
}

// LiveChunks returns a snapshot of all live chunks, ordered by id for
// deterministic iteration.
func (s *Store) LiveChunks() []domain.Chunk {
	s.mu.RLock()
	out := make([]domain.Chunk, 0, len(s.live))
	for _, c := range s.live {
		out = append(out, c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Unindexed returns the live chunks not yet inserted into the vector
// index, ordered by id. The retriever drains this set before querying so
// lazily embedded chunks are never silently absent from the search space.
func (s *Store) Unindexed() []domain.Chunk {
	s.mu.RLock()
	var out []domain.Chunk
	for id, c := range s.live {
		if !s.indexed[id] {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Indexed returns the ids of live chunks recorded as present in the index.
func (s *Store) Indexed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.indexed))
	for id := range s.indexed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarkIndexed records that a chunk's index entry exists. A mark for a
// chunk that got superseded in the meantime is dropped.
func (s *Store) MarkIndexed(chunkID string) {
	s.mu.Lock()
	if _, ok := s.live[chunkID]; ok {
		s.indexed[chunkID] = true
	}
	s.mu.Unlock()
}

// ClearIndexed forgets all index membership marks. Used before a full
// index rebuild.
func (s *Store) ClearIndexed() {
	s.mu.Lock()
	s.indexed = make(map[string]bool)
	s.mu.Unlock()
}
