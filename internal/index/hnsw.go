// Package index implements the approximate nearest-neighbor index over
// chunk embeddings: an HNSW graph with cosine distance, soft-delete
// tombstones, and threshold-triggered compaction.
package index

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/domain"
)

// Config holds HNSW construction and search parameters.
type Config struct {
	M              int     // max connections per node per layer
	EfConstruction int     // candidate list size during insert
	EfSearch       int     // candidate list size during query
	CompactRatio   float64 // tombstone ratio that triggers compaction
}

// ApplyDefaults fills zero fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	if c.CompactRatio <= 0 {
		c.CompactRatio = 0.3
	}
}

// Entry is one (chunk id, document version, embedding) tuple.
type Entry struct {
	ChunkID    string
	DocVersion int
	Vector     []float32
}

// Result is one query hit. Distance is cosine distance (1 - similarity).
type Result struct {
	ChunkID    string
	DocVersion int
	Distance   float64
}

type node struct {
	chunkID    string
	docVersion int
	vec        []float32 // unit-normalized
	level      int
	neighbors  [][]int // per layer
	dead       bool
}

// HNSW is the vector index. All mutation is serialized behind one lock;
// queries run under a read lock and never observe a torn entry.
//
// Entries are inserted into the graph eagerly, so everything live at
// query start is part of the search space. Removal tombstones the node:
// it keeps carrying graph traffic until compaction but is filtered from
// every result, so a removed chunk id is never returned even from a
// transitional state.
type HNSW struct {
	mu    sync.RWMutex
	cfg   Config
	dim   int
	nodes []*node
	byID  map[string]int // live chunk id -> node slot
	entry int            // entry point slot, -1 when empty
	top   int            // current max layer
	mL    float64
	rng   *rand.Rand
	dead  int

	entriesGauge   prometheus.Gauge
	tombstoneGauge prometheus.Gauge
	logger         *zap.Logger
}

// New creates an empty index with a fixed vector dimension.
// entriesGauge and tombstoneGauge may be nil.
func New(dim int, cfg Config, entriesGauge, tombstoneGauge prometheus.Gauge, logger *zap.Logger) (*HNSW, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", dim)
	}
	cfg.ApplyDefaults()
	return &HNSW{
		cfg:            cfg,
		dim:            dim,
		byID:           make(map[string]int),
		entry:          -1,
		top:            -1,
		mL:             1 / math.Log(float64(cfg.M)),
		rng:            rand.New(rand.NewSource(1)), //nolint:gosec // level draws, not security
		entriesGauge:   entriesGauge,
		tombstoneGauge: tombstoneGauge,
		logger:         logger,
	}, nil
}

// Insert adds an entry to the index. Re-inserting an existing chunk id
// replaces its entry.
func (h *HNSW) Insert(e Entry) error {
	if len(e.Vector) != h.dim {
		return fmt.Errorf("expected dim %d, got %d: %w", h.dim, len(e.Vector), domain.ErrVectorDimMismatch)
	}
	vec := normalize(e.Vector)

	h.mu.Lock()
	defer h.mu.Unlock()

	if slot, ok := h.byID[e.ChunkID]; ok {
		h.nodes[slot].dead = true
		h.dead++
		delete(h.byID, e.ChunkID)
	}
	h.insertLocked(e.ChunkID, e.DocVersion, vec)
	h.updateGauges()
	return nil
}

// Remove tombstones a chunk id. Removing an absent id is a no-op.
// Crossing the tombstone ratio triggers synchronous compaction.
func (h *HNSW) Remove(chunkID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.byID[chunkID]
	if !ok {
		return
	}
	h.nodes[slot].dead = true
	h.dead++
	delete(h.byID, chunkID)

	if len(h.nodes) > 0 && float64(h.dead)/float64(len(h.nodes)) > h.cfg.CompactRatio {
		h.compactLocked()
	}
	h.updateGauges()
}

// Contains reports whether a live entry exists for the chunk id.
func (h *HNSW) Contains(chunkID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byID[chunkID]
	return ok
}

// Len returns the number of live entries.
func (h *HNSW) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Tombstones returns the number of entries awaiting compaction.
func (h *HNSW) Tombstones() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dead
}

// Query returns the top-k nearest live entries by cosine distance.
// Ties are broken by most-recent document version, then by chunk id.
func (h *HNSW) Query(vector []float32, k int) ([]Result, error) {
	if len(vector) != h.dim {
		return nil, fmt.Errorf("expected dim %d, got %d: %w", h.dim, len(vector), domain.ErrVectorDimMismatch)
	}
	if k <= 0 {
		return nil, nil
	}
	q := normalize(vector)

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entry < 0 || len(h.byID) == 0 {
		return nil, nil
	}

	// Greedy descent to layer 1, then a wide search at layer 0.
	cur := h.entry
	for layer := h.top; layer > 0; layer-- {
		cur = h.greedyLocked(q, cur, layer)
	}
	ef := h.cfg.EfSearch
	if ef < k {
		ef = k
	}
	cands := h.searchLayerLocked(q, []int{cur}, ef, 0)

	results := make([]Result, 0, len(cands))
	for _, c := range cands {
		n := h.nodes[c.slot]
		if n.dead {
			continue
		}
		results = append(results, Result{
			ChunkID:    n.chunkID,
			DocVersion: n.docVersion,
			Distance:   float64(c.dist),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		if results[i].DocVersion != results[j].DocVersion {
			return results[i].DocVersion > results[j].DocVersion
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Rebuild replaces the whole graph with the given entries. This is the
// recovery path for index corruption and the rebuild-after-metric-change
// path: the document store is the source of truth.
func (h *HNSW) Rebuild(entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != h.dim {
			return fmt.Errorf("rebuild %s: expected dim %d, got %d: %w",
				e.ChunkID, h.dim, len(e.Vector), domain.ErrVectorDimMismatch)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.resetLocked()
	for _, e := range entries {
		h.insertLocked(e.ChunkID, e.DocVersion, normalize(e.Vector))
	}
	h.updateGauges()
	h.logger.Info("index rebuilt", zap.Int("entries", len(entries)))
	return nil
}

func (h *HNSW) resetLocked() {
	h.nodes = nil
	h.byID = make(map[string]int)
	h.entry = -1
	h.top = -1
	h.dead = 0
}

// compactLocked rebuilds the graph from live nodes, dropping tombstones.
func (h *HNSW) compactLocked() {
	live := make([]*node, 0, len(h.byID))
	for _, slot := range h.byID {
		live = append(live, h.nodes[slot])
	}
	// Deterministic rebuild order.
	sort.Slice(live, func(i, j int) bool { return live[i].chunkID < live[j].chunkID })

	dropped := h.dead
	h.resetLocked()
	for _, n := range live {
		h.insertLocked(n.chunkID, n.docVersion, n.vec)
	}
	h.logger.Debug("index compacted",
		zap.Int("live", len(live)),
		zap.Int("dropped", dropped),
	)
}

func (h *HNSW) insertLocked(chunkID string, docVersion int, vec []float32) {
	level := h.randomLevel()
	n := &node{
		chunkID:    chunkID,
		docVersion: docVersion,
		vec:        vec,
		level:      level,
		neighbors:  make([][]int, level+1),
	}
	slot := len(h.nodes)
	h.nodes = append(h.nodes, n)
	h.byID[chunkID] = slot

	if h.entry < 0 {
		h.entry = slot
		h.top = level
		return
	}

	cur := h.entry
	for layer := h.top; layer > level; layer-- {
		cur = h.greedyLocked(vec, cur, layer)
	}

	maxLayer := level
	if maxLayer > h.top {
		maxLayer = h.top
	}
	for layer := maxLayer; layer >= 0; layer-- {
		cands := h.searchLayerLocked(vec, []int{cur}, h.cfg.EfConstruction, layer)
		m := h.maxConns(layer)
		if len(cands) > m {
			cands = cands[:m]
		}
		for _, c := range cands {
			n.neighbors[layer] = append(n.neighbors[layer], c.slot)
			h.link(c.slot, slot, layer)
		}
		if len(cands) > 0 {
			cur = cands[0].slot
		}
	}

	if level > h.top {
		h.top = level
		h.entry = slot
	}
}

// link adds dst to src's neighbor list at layer, pruning to the farthest
// when the list overflows.
func (h *HNSW) link(src, dst, layer int) {
	n := h.nodes[src]
	if layer >= len(n.neighbors) {
		return
	}
	n.neighbors[layer] = append(n.neighbors[layer], dst)
	m := h.maxConns(layer)
	if len(n.neighbors[layer]) <= m {
		return
	}
	// Drop the farthest neighbor.
	worst, worstDist := -1, float32(-1)
	for i, nb := range n.neighbors[layer] {
		d := cosineDist(n.vec, h.nodes[nb].vec)
		if d > worstDist {
			worst, worstDist = i, d
		}
	}
	last := len(n.neighbors[layer]) - 1
	n.neighbors[layer][worst] = n.neighbors[layer][last]
	n.neighbors[layer] = n.neighbors[layer][:last]
}

func (h *HNSW) maxConns(layer int) int {
	if layer == 0 {
		return h.cfg.M * 2
	}
	return h.cfg.M
}

// greedyLocked walks to the locally nearest node at a layer.
func (h *HNSW) greedyLocked(q []float32, start, layer int) int {
	cur := start
	curDist := cosineDist(q, h.nodes[cur].vec)
	for {
		improved := false
		n := h.nodes[cur]
		if layer < len(n.neighbors) {
			for _, nb := range n.neighbors[layer] {
				if d := cosineDist(q, h.nodes[nb].vec); d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type cand struct {
	slot int
	dist float32
}

// searchLayerLocked is the standard HNSW beam search at one layer,
// returning up to ef candidates ordered by distance. Tombstoned nodes are
// traversed (they keep the graph connected) and filtered by callers.
func (h *HNSW) searchLayerLocked(q []float32, entries []int, ef, layer int) []cand {
	visited := make(map[int]bool, ef*4)
	candidates := &minHeap{}
	results := &maxHeap{}

	for _, e := range entries {
		if visited[e] {
			continue
		}
		visited[e] = true
		d := cosineDist(q, h.nodes[e].vec)
		heap.Push(candidates, cand{e, d})
		heap.Push(results, cand{e, d})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(cand)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		n := h.nodes[c.slot]
		if layer >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := cosineDist(q, h.nodes[nb].vec)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, cand{nb, d})
				heap.Push(results, cand{nb, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]cand, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(cand)
	}
	return out
}

func (h *HNSW) randomLevel() int {
	level := int(math.Floor(-math.Log(h.rng.Float64()+1e-12) * h.mL))
	const maxLevel = 16
	if level > maxLevel {
		level = maxLevel
	}
	return level
}

func (h *HNSW) updateGauges() {
	if h.entriesGauge != nil {
		h.entriesGauge.Set(float64(len(h.byID)))
	}
	if h.tombstoneGauge != nil {
		h.tombstoneGauge.Set(float64(h.dead))
	}
}

// minHeap orders candidates nearest-first.
type minHeap []cand

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any) { *h = append(*h, x.(cand)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxHeap orders candidates farthest-first (bounded result set).
type maxHeap []cand

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any) { *h = append(*h, x.(cand)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// normalize returns a unit-length copy. Zero vectors pass through.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// cosineDist computes 1 - dot for unit vectors.
func cosineDist(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return 1 - dot
}
