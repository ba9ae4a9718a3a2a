// Package embcache caches chunk embeddings keyed by (model version,
// content hash). Concurrent requests for the same uncached key coalesce
// into one provider call; completed entries are bounded by an LRU with a
// configurable capacity; entries persist through a keyed record store and
// are discarded wholesale when the embedding model version changes.
package embcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/domain"
	"github.com/lumora-ai/grounding/internal/kv"
)

const (
	recordPrefix = "emb:"
	metaKey      = "meta:model_version"
)

// Cache is the embedding cache. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element // content hash -> lru element
	lru      *list.List               // front = most recently used
	inflight map[string]*call         // content hash -> pending computation

	capacity     int
	modelVersion string
	inner        domain.Embedder
	store        kv.Store // nil = no persistence
	cacheTotal   *prometheus.CounterVec
	now          func() time.Time
	logger       *zap.Logger
}

type entry struct {
	key string
	vec []float32
}

// call is the in-flight computation handle late joiners attach to.
type call struct {
	done chan struct{}
	vec  []float32
	err  error
}

// New creates an embedding cache over the inner embedder.
// store may be nil for a purely in-memory cache. A non-nil store written
// by a different model version is purged on open (stale-model
// invalidation); otherwise persisted entries are loaded up to capacity.
// cacheTotal is a counter vec with label "result", passed explicitly.
func New(
	inner domain.Embedder,
	store kv.Store,
	modelVersion string,
	capacity int,
	cacheTotal *prometheus.CounterVec,
	logger *zap.Logger,
) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	c := &Cache{
		entries:      make(map[string]*list.Element),
		lru:          list.New(),
		inflight:     make(map[string]*call),
		capacity:     capacity,
		modelVersion: modelVersion,
		inner:        inner,
		store:        store,
		cacheTotal:   cacheTotal,
		now:          time.Now,
		logger:       logger,
	}
	if store != nil {
		if err := c.loadPersisted(context.Background()); err != nil {
			return nil, fmt.Errorf("load persisted cache: %w", err)
		}
	}
	return c, nil
}

// GetOrCompute returns the embedding for a chunk, computing and caching it
// on miss. The cache key is the chunk's content hash.
func (c *Cache) GetOrCompute(ctx context.Context, chunk domain.Chunk) ([]float32, error) {
	return c.get(ctx, chunk.ContentHash, chunk.Text)
}

// Embed implements domain.Embedder over the cache, keying arbitrary text
// by its content hash. Cache hits report zero token usage.
func (c *Cache) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	vec, err := c.get(ctx, domain.HashContent(text), text)
	if err != nil {
		return domain.EmbeddingResult{}, err
	}
	return domain.EmbeddingResult{Embedding: vec}, nil
}

// HealthCheck delegates to the inner embedder when it supports checks.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(domain.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Len returns the number of completed cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) get(ctx context.Context, key, text string) ([]float32, error) {
	c.mu.Lock()

	if el, ok := c.entries[key]; ok {
		c.lru.MoveToFront(el)
		vec := el.Value.(*entry).vec
		c.mu.Unlock()
		c.incCache("hit")
		return vec, nil
	}

	if pending, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.incCache("coalesced")
		// Attach to the existing handle. A cancelled waiter detaches
		// without aborting the computation for the others.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pending.done:
			return pending.vec, pending.err
		}
	}

	pending := &call{done: make(chan struct{})}
	c.inflight[key] = pending
	c.mu.Unlock()
	c.incCache("miss")

	// The computation runs detached from the initiating caller's
	// cancellation so that coalesced waiters still receive a result.
	// The initiator waits like any other waiter and may detach too.
	go c.compute(context.WithoutCancel(ctx), pending, key, text)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pending.done:
		return pending.vec, pending.err
	}
}

func (c *Cache) compute(ctx context.Context, pending *call, key, text string) {
	res, err := c.inner.Embed(ctx, text)

	c.mu.Lock()
	delete(c.inflight, key)
	if err != nil {
		// Failures are never cached; a later retry issues a fresh call.
		c.mu.Unlock()
		pending.err = fmt.Errorf("embed: %w", err)
		close(pending.done)
		return
	}
	evicted := c.insertLocked(key, res.Embedding)
	c.mu.Unlock()

	pending.vec = res.Embedding
	close(pending.done)

	c.persist(key, res.Embedding)
	for _, ev := range evicted {
		c.deletePersisted(ev)
	}
}

// insertLocked inserts a completed entry and evicts least-recently-used
// entries beyond capacity, returning the evicted keys. Must hold mu.
// In-flight computations live in the inflight map, not here, so eviction
// can never touch them.
func (c *Cache) insertLocked(key string, vec []float32) []string {
	if el, ok := c.entries[key]; ok {
		c.lru.MoveToFront(el)
		el.Value.(*entry).vec = vec
		return nil
	}
	c.entries[key] = c.lru.PushFront(&entry{key: key, vec: vec})
	var evicted []string
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		e := c.lru.Remove(oldest).(*entry)
		delete(c.entries, e.key)
		evicted = append(evicted, e.key)
	}
	return evicted
}

func (c *Cache) incCache(result string) {
	if c.cacheTotal != nil {
		c.cacheTotal.WithLabelValues(result).Inc()
	}
}

func (c *Cache) recordKey(key string) string {
	return recordPrefix + c.modelVersion + ":" + key
}

func (c *Cache) persist(key string, vec []float32) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data := encodeRecord(vec, c.now())
	if err := c.store.Set(ctx, c.recordKey(key), data); err != nil {
		c.logger.Warn("failed to persist embedding", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) deletePersisted(key string) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.store.Del(ctx, c.recordKey(key)); err != nil {
		c.logger.Warn("failed to delete persisted embedding", zap.String("key", key), zap.Error(err))
	}
}

// loadPersisted validates the stored model version and either reloads the
// persisted entries or discards the store wholesale on mismatch.
func (c *Cache) loadPersisted(ctx context.Context) error {
	stored, err := c.store.Get(ctx, metaKey)
	switch {
	case errors.Is(err, kv.ErrKeyNotFound):
		// Fresh store.
	case err != nil:
		return fmt.Errorf("read model version: %w", err)
	case string(stored) != c.modelVersion:
		c.logger.Info("embedding model changed, discarding persisted cache",
			zap.String("stored", string(stored)),
			zap.String("current", c.modelVersion),
		)
		if err := c.store.Purge(ctx, recordPrefix); err != nil {
			return fmt.Errorf("purge stale cache: %w", err)
		}
	}

	if err := c.store.Set(ctx, metaKey, []byte(c.modelVersion)); err != nil {
		return fmt.Errorf("write model version: %w", err)
	}

	prefix := recordPrefix + c.modelVersion + ":"
	loaded := 0
	err = c.store.Scan(ctx, prefix, func(key string, value []byte) error {
		if loaded >= c.capacity {
			return nil
		}
		vec, _, decErr := decodeRecord(value)
		if decErr != nil {
			c.logger.Warn("skipping corrupt cache record", zap.String("key", key), zap.Error(decErr))
			return nil
		}
		hash := key[len(prefix):]
		if _, ok := c.entries[hash]; !ok {
			c.entries[hash] = c.lru.PushFront(&entry{key: hash, vec: vec})
			loaded++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan persisted cache: %w", err)
	}
	if loaded > 0 {
		c.logger.Info("loaded persisted embeddings", zap.Int("count", loaded))
	}
	return nil
}
