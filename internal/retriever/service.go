// Package retriever embeds queries, fetches candidates from the vector
// index, and re-ranks them by relevance and recency into evidence.
package retriever

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/domain"
	"github.com/lumora-ai/grounding/internal/index"
)

// Config holds retrieval tunables. The similarity/recency balance is
// deliberately exposed rather than hard-coded.
type Config struct {
	Overfetch        int     // candidate multiplier before filtering
	SimilarityWeight float64 // weight of cosine similarity in the final score
	RecencyWeight    float64 // weight of normalized document recency
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Overfetch <= 0 {
		c.Overfetch = 4
	}
	// Both weights zero means unset; a single explicit zero is kept.
	if c.SimilarityWeight == 0 && c.RecencyWeight == 0 {
		c.SimilarityWeight = 0.8
		c.RecencyWeight = 0.2
	}
}

// Service handles retrieval over the store, cache, and index.
type Service struct {
	cfg    Config
	store  Store
	idx    Index
	chunks ChunkEmbedder
	embed  Embedder

	duration prometheus.Histogram // may be nil
	results  prometheus.Histogram // may be nil
	logger   *zap.Logger
}

// New creates a retrieval service. duration and results are optional
// histograms, passed explicitly.
func New(
	cfg Config,
	store Store,
	idx Index,
	chunks ChunkEmbedder,
	embed Embedder,
	duration, results prometheus.Histogram,
	logger *zap.Logger,
) *Service {
	cfg.ApplyDefaults()
	return &Service{
		cfg:      cfg,
		store:    store,
		idx:      idx,
		chunks:   chunks,
		embed:    embed,
		duration: duration,
		results:  results,
		logger:   logger,
	}
}

// Retrieve returns up to k evidence chunks for the query, best first.
// An empty result is not an error. For a fixed index state and fixed
// inputs the output ordering is deterministic.
func (s *Service) Retrieve(
	ctx context.Context, queryText string, k int, filters domain.Filters,
) ([]domain.Evidence, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, domain.ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}

	start := time.Now()

	if err := s.ensureIndexed(ctx); err != nil {
		return nil, err
	}

	embRes, err := s.embed.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("vectorize query: %w", err)
	}

	hits, err := s.idx.Query(embRes.Embedding, k*s.cfg.Overfetch)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	evidence := s.rank(hits, filters, k)

	if s.duration != nil {
		s.duration.Observe(time.Since(start).Seconds())
	}
	if s.results != nil {
		s.results.Observe(float64(len(evidence)))
	}
	s.logger.Debug("retrieval complete",
		zap.Int("candidates", len(hits)),
		zap.Int("evidence", len(evidence)),
	)
	return evidence, nil
}

// HealthCheck verifies the embedding provider when it supports checks.
func (s *Service) HealthCheck(ctx context.Context) error {
	if hc, ok := s.embed.(domain.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("embedding provider: %w", err)
		}
	}
	return nil
}

// ensureIndexed brings lazily embedded chunks into the index before the
// query runs, so no live chunk is silently absent from the search space.
// It also verifies the structural invariant that every chunk recorded as
// indexed still has an index entry.
func (s *Service) ensureIndexed(ctx context.Context) error {
	for _, id := range s.store.Indexed() {
		if s.idx.Contains(id) {
			continue
		}
		// A concurrent delete or re-ingestion may have dropped the
		// chunk from both store and index between the snapshot and
		// the check. Only a chunk that is still live and missing from
		// the index violates the structural contract.
		if !s.store.IsLive(id) {
			continue
		}
		return domain.NewCorruption(id)
	}

	for _, chunk := range s.store.Unindexed() {
		vec, err := s.chunks.GetOrCompute(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed chunk %s: %w", chunk.ID, err)
		}
		if err := s.idx.Insert(index.Entry{
			ChunkID:    chunk.ID,
			DocVersion: chunk.Version,
			Vector:     vec,
		}); err != nil {
			return fmt.Errorf("index chunk %s: %w", chunk.ID, err)
		}
		s.store.MarkIndexed(chunk.ID)
	}
	return nil
}

type scored struct {
	chunk domain.Chunk
	score float64
}

// rank post-filters index hits against the live chunk set, applies the
// metadata filters, scores by weighted similarity and recency,
// deduplicates per parent document, and truncates to k.
//
// The live-set filter is also what keeps results single-version: a
// concurrent re-ingestion atomically swaps a document's live chunk set,
// so hits from the superseded version drop out here even if the index
// still carries them.
func (s *Service) rank(hits []index.Result, filters domain.Filters, k int) []domain.Evidence {
	candidates := make([]scored, 0, len(hits))
	var minT, maxT time.Time
	for _, hit := range hits {
		chunk, ok := s.store.GetChunk(hit.ChunkID)
		if !ok {
			continue // removed or superseded since indexing
		}
		if !filters.Matches(chunk.Metadata) {
			continue
		}
		candidates = append(candidates, scored{chunk: chunk, score: 1 - hit.Distance})
		if minT.IsZero() || chunk.IngestedAt.Before(minT) {
			minT = chunk.IngestedAt
		}
		if chunk.IngestedAt.After(maxT) {
			maxT = chunk.IngestedAt
		}
	}

	span := maxT.Sub(minT)
	for i := range candidates {
		recency := 1.0
		if span > 0 {
			recency = float64(candidates[i].chunk.IngestedAt.Sub(minT)) / float64(span)
		}
		candidates[i].score = s.cfg.SimilarityWeight*candidates[i].score +
			s.cfg.RecencyWeight*recency
	}

	// Dedupe per parent document, keeping the best-scoring chunk.
	best := make(map[string]scored, len(candidates))
	for _, c := range candidates {
		prev, ok := best[c.chunk.DocumentID]
		if !ok || less(prev, c) {
			best[c.chunk.DocumentID] = c
		}
	}

	deduped := make([]scored, 0, len(best))
	for _, c := range best {
		deduped = append(deduped, c)
	}
	sort.Slice(deduped, func(i, j int) bool { return less(deduped[j], deduped[i]) })
	if len(deduped) > k {
		deduped = deduped[:k]
	}

	evidence := make([]domain.Evidence, len(deduped))
	for i, c := range deduped {
		evidence[i] = domain.Evidence{Chunk: c.chunk, Score: c.score}
	}
	return evidence
}

// less orders a below b: lower score first, ties broken by older document
// version, then by descending chunk id, mirroring the index tie-break.
func less(a, b scored) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	if a.chunk.Version != b.chunk.Version {
		return a.chunk.Version < b.chunk.Version
	}
	return a.chunk.ID > b.chunk.ID
}
