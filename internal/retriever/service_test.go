package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/domain"
	"github.com/lumora-ai/grounding/internal/index"
)

// --- Mocks ---

type mockStore struct {
	chunks    map[string]domain.Chunk // live set
	unindexed []domain.Chunk
	indexed   []string
	marked    []string
}

func (m *mockStore) Unindexed() []domain.Chunk { return m.unindexed }
func (m *mockStore) Indexed() []string         { return m.indexed }
func (m *mockStore) MarkIndexed(id string)     { m.marked = append(m.marked, id) }
func (m *mockStore) GetChunk(id string) (domain.Chunk, bool) {
	c, ok := m.chunks[id]
	return c, ok
}
func (m *mockStore) IsLive(id string) bool {
	_, ok := m.chunks[id]
	return ok
}

type mockIndex struct {
	contains map[string]bool
	inserted []index.Entry
	hits     []index.Result
	queryErr error
}

func (m *mockIndex) Insert(e index.Entry) error {
	m.inserted = append(m.inserted, e)
	if m.contains == nil {
		m.contains = make(map[string]bool)
	}
	m.contains[e.ChunkID] = true
	return nil
}
func (m *mockIndex) Contains(id string) bool { return m.contains[id] }
func (m *mockIndex) Query(_ []float32, _ int) ([]index.Result, error) {
	return m.hits, m.queryErr
}

type mockChunkEmbedder struct {
	calls int
	err   error
}

func (m *mockChunkEmbedder) GetOrCompute(_ context.Context, _ domain.Chunk) ([]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return []float32{1, 0}, nil
}

type mockQueryEmbedder struct {
	err   error
	hcErr error
}

func (m *mockQueryEmbedder) Embed(_ context.Context, _ string) (domain.EmbeddingResult, error) {
	if m.err != nil {
		return domain.EmbeddingResult{}, m.err
	}
	return domain.EmbeddingResult{Embedding: []float32{1, 0}}, nil
}

type checkedEmbedder struct{ mockQueryEmbedder }

func (c *checkedEmbedder) HealthCheck(context.Context) error { return c.hcErr }

func chunkAt(id, docID string, version int, ingested time.Time, meta domain.Metadata) domain.Chunk {
	return domain.Chunk{
		ID:         id,
		DocumentID: docID,
		Version:    version,
		Text:       "text of " + id,
		Metadata:   meta,
		IngestedAt: ingested,
	}
}

func newService(store *mockStore, idx *mockIndex) *Service {
	return New(Config{}, store, idx, &mockChunkEmbedder{}, &mockQueryEmbedder{}, nil, nil, zap.NewNop())
}

// --- Retrieve tests ---

func TestRetrieve_EmptyQuery(t *testing.T) {
	svc := newService(&mockStore{}, &mockIndex{})
	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := svc.Retrieve(context.Background(), q, 5, domain.Filters{})
		if !errors.Is(err, domain.ErrInvalidDocument) {
			t.Errorf("query %q: expected validation error, got %v", q, err)
		}
	}
}

func TestRetrieve_ZeroK(t *testing.T) {
	svc := newService(&mockStore{}, &mockIndex{})
	res, err := svc.Retrieve(context.Background(), "query", 0, domain.Filters{})
	if err != nil || res != nil {
		t.Errorf("expected nil result for k=0, got %v (%v)", res, err)
	}
}

func TestRetrieve_NoMatchesIsNotAnError(t *testing.T) {
	svc := newService(&mockStore{chunks: map[string]domain.Chunk{}}, &mockIndex{})
	res, err := svc.Retrieve(context.Background(), "unknown product", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 0 {
		t.Errorf("expected empty evidence, got %d", len(res))
	}
}

func TestRetrieve_DrainsUnindexedBeforeQuery(t *testing.T) {
	now := time.Now()
	pending := chunkAt("p1:v1:0", "p1", 1, now, domain.Metadata{SKU: "S1"})
	store := &mockStore{
		chunks:    map[string]domain.Chunk{pending.ID: pending},
		unindexed: []domain.Chunk{pending},
	}
	idx := &mockIndex{hits: []index.Result{{ChunkID: pending.ID, DocVersion: 1, Distance: 0.1}}}
	chunks := &mockChunkEmbedder{}
	svc := New(Config{}, store, idx, chunks, &mockQueryEmbedder{}, nil, nil, zap.NewNop())

	res, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks.calls != 1 {
		t.Errorf("expected pending chunk embedded, got %d calls", chunks.calls)
	}
	if len(idx.inserted) != 1 || idx.inserted[0].ChunkID != pending.ID {
		t.Errorf("expected pending chunk inserted, got %v", idx.inserted)
	}
	if len(store.marked) != 1 || store.marked[0] != pending.ID {
		t.Errorf("expected pending chunk marked indexed, got %v", store.marked)
	}
	if len(res) != 1 {
		t.Errorf("expected the drained chunk retrievable, got %d results", len(res))
	}
}

func TestRetrieve_EmbedFailureSurfacesNoPartialResult(t *testing.T) {
	now := time.Now()
	pending := chunkAt("p1:v1:0", "p1", 1, now, domain.Metadata{})
	store := &mockStore{
		chunks:    map[string]domain.Chunk{pending.ID: pending},
		unindexed: []domain.Chunk{pending},
	}
	provErr := errors.New("provider down")
	svc := New(Config{}, store, &mockIndex{}, &mockChunkEmbedder{err: provErr}, &mockQueryEmbedder{}, nil, nil, zap.NewNop())

	_, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{})
	if !errors.Is(err, provErr) {
		t.Errorf("expected embedding failure surfaced, got %v", err)
	}
}

func TestRetrieve_CorruptionDetected(t *testing.T) {
	store := &mockStore{
		chunks: map[string]domain.Chunk{
			"p1:v1:0": chunkAt("p1:v1:0", "p1", 1, time.Now(), domain.Metadata{}),
		},
		indexed: []string{"p1:v1:0"},
	}
	idx := &mockIndex{} // does not contain the live marked chunk
	svc := New(Config{}, store, idx, &mockChunkEmbedder{}, &mockQueryEmbedder{}, nil, nil, zap.NewNop())

	_, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{})
	if !errors.Is(err, domain.ErrIndexCorruption) {
		t.Fatalf("expected ErrIndexCorruption, got %v", err)
	}
	var ce *domain.CorruptionError
	if !errors.As(err, &ce) || ce.ChunkID != "p1:v1:0" {
		t.Errorf("expected corruption error naming the chunk, got %v", err)
	}
}

func TestRetrieve_ConcurrentlyDeletedChunkIsNotCorruption(t *testing.T) {
	// The chunk is gone from the index and no longer live: an ordinary
	// delete or re-ingestion completed between snapshot and check.
	store := &mockStore{indexed: []string{"p1:v1:0"}}
	idx := &mockIndex{}
	svc := New(Config{}, store, idx, &mockChunkEmbedder{}, &mockQueryEmbedder{}, nil, nil, zap.NewNop())

	res, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 0 {
		t.Errorf("expected no evidence, got %v", res)
	}
}

func TestRetrieve_StaleHitsFiltered(t *testing.T) {
	now := time.Now()
	live := chunkAt("p1:v2:0", "p1", 2, now, domain.Metadata{})
	store := &mockStore{chunks: map[string]domain.Chunk{live.ID: live}}
	idx := &mockIndex{hits: []index.Result{
		{ChunkID: "p1:v1:0", DocVersion: 1, Distance: 0.05}, // superseded, not live
		{ChunkID: live.ID, DocVersion: 2, Distance: 0.2},
	}}
	svc := newService(store, idx)

	res, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0].Chunk.ID != live.ID {
		t.Errorf("expected only the live chunk, got %+v", res)
	}
}

func TestRetrieve_FiltersApplied(t *testing.T) {
	now := time.Now()
	audio := chunkAt("a:v1:0", "a", 1, now, domain.Metadata{SKU: "S1", Category: "audio", InStock: true})
	video := chunkAt("b:v1:0", "b", 1, now, domain.Metadata{SKU: "S2", Category: "video", InStock: true})
	out := chunkAt("c:v1:0", "c", 1, now, domain.Metadata{SKU: "S3", Category: "audio", InStock: false})
	store := &mockStore{chunks: map[string]domain.Chunk{
		audio.ID: audio, video.ID: video, out.ID: out,
	}}
	idx := &mockIndex{hits: []index.Result{
		{ChunkID: audio.ID, DocVersion: 1, Distance: 0.1},
		{ChunkID: video.ID, DocVersion: 1, Distance: 0.1},
		{ChunkID: out.ID, DocVersion: 1, Distance: 0.1},
	}}
	svc := newService(store, idx)

	res, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{
		Category:    "audio",
		InStockOnly: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 || res[0].Chunk.Metadata.SKU != "S1" {
		t.Errorf("expected only the in-stock audio chunk, got %+v", res)
	}
}

func TestRetrieve_DedupesPerDocument(t *testing.T) {
	now := time.Now()
	c0 := chunkAt("p1:v1:0", "p1", 1, now, domain.Metadata{})
	c1 := chunkAt("p1:v1:1", "p1", 1, now, domain.Metadata{})
	other := chunkAt("p2:v1:0", "p2", 1, now, domain.Metadata{})
	store := &mockStore{chunks: map[string]domain.Chunk{c0.ID: c0, c1.ID: c1, other.ID: other}}
	idx := &mockIndex{hits: []index.Result{
		{ChunkID: c0.ID, DocVersion: 1, Distance: 0.1},
		{ChunkID: c1.ID, DocVersion: 1, Distance: 0.3},
		{ChunkID: other.ID, DocVersion: 1, Distance: 0.2},
	}}
	svc := newService(store, idx)

	res, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected one chunk per document, got %d", len(res))
	}
	seen := map[string]bool{}
	for _, ev := range res {
		if seen[ev.Chunk.DocumentID] {
			t.Errorf("document %s appears twice", ev.Chunk.DocumentID)
		}
		seen[ev.Chunk.DocumentID] = true
	}
	if res[0].Chunk.ID != c0.ID {
		t.Errorf("expected the best chunk of p1 kept, got %s", res[0].Chunk.ID)
	}
}

func TestRetrieve_RecencyBreaksNearTies(t *testing.T) {
	old := chunkAt("old:v1:0", "old", 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), domain.Metadata{})
	fresh := chunkAt("new:v1:0", "new", 1, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), domain.Metadata{})
	store := &mockStore{chunks: map[string]domain.Chunk{old.ID: old, fresh.ID: fresh}}
	idx := &mockIndex{hits: []index.Result{
		{ChunkID: old.ID, DocVersion: 1, Distance: 0.100},
		{ChunkID: fresh.ID, DocVersion: 1, Distance: 0.101},
	}}
	svc := newService(store, idx)

	res, err := svc.Retrieve(context.Background(), "headphones", 2, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].Chunk.ID != fresh.ID {
		t.Errorf("expected the fresher document to win a near-tie, got %s", res[0].Chunk.ID)
	}
}

func TestRetrieve_SimilarityDominatesRecency(t *testing.T) {
	old := chunkAt("old:v1:0", "old", 1, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), domain.Metadata{})
	fresh := chunkAt("new:v1:0", "new", 1, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), domain.Metadata{})
	store := &mockStore{chunks: map[string]domain.Chunk{old.ID: old, fresh.ID: fresh}}
	idx := &mockIndex{hits: []index.Result{
		{ChunkID: old.ID, DocVersion: 1, Distance: 0.05},
		{ChunkID: fresh.ID, DocVersion: 1, Distance: 0.60},
	}}
	svc := newService(store, idx)

	res, err := svc.Retrieve(context.Background(), "headphones", 2, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res[0].Chunk.ID != old.ID {
		t.Errorf("expected the much closer match to win, got %s", res[0].Chunk.ID)
	}
}

func TestRetrieve_TruncatesToK(t *testing.T) {
	now := time.Now()
	store := &mockStore{chunks: map[string]domain.Chunk{}}
	idx := &mockIndex{}
	for i := 0; i < 5; i++ {
		id := string(rune('a'+i)) + ":v1:0"
		c := chunkAt(id, string(rune('a'+i)), 1, now, domain.Metadata{})
		store.chunks[id] = c
		idx.hits = append(idx.hits, index.Result{ChunkID: id, DocVersion: 1, Distance: 0.1 * float64(i)})
	}
	svc := newService(store, idx)

	res, err := svc.Retrieve(context.Background(), "headphones", 2, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 2 {
		t.Errorf("expected 2 results, got %d", len(res))
	}
}

func TestRetrieve_QueryEmbedFailure(t *testing.T) {
	provErr := errors.New("provider down")
	svc := New(Config{}, &mockStore{}, &mockIndex{}, &mockChunkEmbedder{}, &mockQueryEmbedder{err: provErr}, nil, nil, zap.NewNop())

	_, err := svc.Retrieve(context.Background(), "headphones", 5, domain.Filters{})
	if !errors.Is(err, provErr) {
		t.Errorf("expected query embedding error, got %v", err)
	}
}

func TestRetrieve_Deterministic(t *testing.T) {
	now := time.Now()
	a := chunkAt("a:v1:0", "a", 1, now, domain.Metadata{})
	b := chunkAt("b:v1:0", "b", 1, now, domain.Metadata{})
	store := &mockStore{chunks: map[string]domain.Chunk{a.ID: a, b.ID: b}}
	idx := &mockIndex{hits: []index.Result{
		{ChunkID: a.ID, DocVersion: 1, Distance: 0.2},
		{ChunkID: b.ID, DocVersion: 1, Distance: 0.2},
	}}
	svc := newService(store, idx)

	first, err := svc.Retrieve(context.Background(), "headphones", 2, domain.Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := svc.Retrieve(context.Background(), "headphones", 2, domain.Filters{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for j := range first {
			if again[j].Chunk.ID != first[j].Chunk.ID {
				t.Fatalf("run %d: ordering differs at %d", i, j)
			}
		}
	}
}

// --- HealthCheck tests ---

func TestHealthCheck_DelegatesWhenSupported(t *testing.T) {
	hcErr := errors.New("unreachable")
	emb := &checkedEmbedder{}
	emb.hcErr = hcErr
	svc := New(Config{}, &mockStore{}, &mockIndex{}, &mockChunkEmbedder{}, emb, nil, nil, zap.NewNop())

	if err := svc.HealthCheck(context.Background()); !errors.Is(err, hcErr) {
		t.Errorf("expected delegated error, got %v", err)
	}
}

func TestHealthCheck_NoopWithoutSupport(t *testing.T) {
	svc := newService(&mockStore{}, &mockIndex{})
	if err := svc.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
