package grounding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumora-ai/grounding/internal/assembler"
	"github.com/lumora-ai/grounding/internal/chunker"
	"github.com/lumora-ai/grounding/internal/docstore"
	"github.com/lumora-ai/grounding/internal/domain"
	"github.com/lumora-ai/grounding/internal/embcache"
	"github.com/lumora-ai/grounding/internal/index"
	"github.com/lumora-ai/grounding/internal/kv"
	kvredis "github.com/lumora-ai/grounding/internal/kv/redis"
	kvsqlite "github.com/lumora-ai/grounding/internal/kv/sqlite"
	"github.com/lumora-ai/grounding/internal/logger"
	"github.com/lumora-ai/grounding/internal/metrics"
	"github.com/lumora-ai/grounding/internal/retriever"
	openaiEmb "github.com/lumora-ai/grounding/internal/transport/openai"
)

// Engine is the grounding core entry point: an explicitly owned service
// object with internal synchronization, injected into session handlers
// instead of living as ambient global state.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	store     *docstore.Store
	cache     *embcache.Cache
	idx       *index.HNSW
	retriever *retriever.Service
	assembler *assembler.Service
	completer Completer
	records   kv.Store

	mu       sync.Mutex
	sessions map[string]chan struct{} // per-session FIFO tail
	closed   bool
}

// Option customizes engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	logger    *zap.Logger
	embedder  domain.Embedder
	completer Completer
	memory    MemoryStore
}

// WithLogger sets the logger. By default one is built from the
// Logging section of the configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithEmbedder replaces the built-in OpenAI-compatible embedding
// transport. The retry decorator still wraps it.
func WithEmbedder(e Embedder) Option {
	return func(o *engineOptions) { o.embedder = embedderAdapter{inner: e} }
}

// WithCompleter wires the language model collaborator used by Ask.
func WithCompleter(c Completer) Option {
	return func(o *engineOptions) { o.completer = c }
}

// WithMemoryStore wires the read-only conversation memory collaborator.
func WithMemoryStore(m MemoryStore) Option {
	return func(o *engineOptions) { o.memory = m }
}

// New creates an engine from the configuration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("grounding: invalid config: %w", err)
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		var err error
		log, err = logger.New(logger.Config{Env: cfg.Logging.Env, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("grounding: create logger: %w", err)
		}
	}

	metrics.Register()

	records, err := openRecordStore(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("grounding: open cache store: %w", err)
	}

	embedder := o.embedder
	if embedder == nil {
		embedder = openaiEmb.NewEmbedder(&openaiEmb.Config{
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Model:      cfg.Embedding.Model,
			Dimensions: cfg.Embedding.Dimensions,
			Logger:     log,
		})
	}
	embedder = openaiEmb.NewRetryEmbedder(
		embedder,
		cfg.Embedding.MaxRetries,
		time.Duration(cfg.Embedding.BackoffMSec)*time.Millisecond,
		log,
	)

	cache, err := embcache.New(
		embedder, records, cfg.Embedding.Model, cfg.Cache.Capacity,
		metrics.EmbeddingCacheTotal, log,
	)
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("grounding: create embedding cache: %w", err)
	}

	idx, err := index.New(cfg.Embedding.Dimensions, index.Config{
		M:              cfg.Index.HNSWM,
		EfConstruction: cfg.Index.HNSWEFConstruct,
		EfSearch:       cfg.Index.HNSWEFSearch,
		CompactRatio:   cfg.Index.CompactRatio,
	}, metrics.IndexEntries, metrics.IndexTombstones, log)
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("grounding: create index: %w", err)
	}

	store := docstore.New(chunker.New(cfg.Chunker.MaxChunkLen, cfg.Chunker.OverlapRatio), log)
	store.SetSupersedeHook(func(chunkIDs []string) {
		for _, id := range chunkIDs {
			idx.Remove(id)
		}
	})

	retr := retriever.New(retriever.Config{
		Overfetch:        cfg.Retriever.Overfetch,
		SimilarityWeight: cfg.Retriever.SimilarityWeight,
		RecencyWeight:    cfg.Retriever.RecencyWeight,
	}, store, idx, cache, cache, metrics.RetrievalDuration, metrics.RetrievalResults, log)

	var mem domain.MemoryStore
	if o.memory != nil {
		mem = memoryAdapter{inner: o.memory}
	}
	asm := assembler.New(assembler.Config{
		MaxTurns:         cfg.Assembler.MaxTurns,
		BudgetChars:      cfg.Assembler.BudgetChars,
		MinEvidenceChars: cfg.Assembler.MinEvidenceChars,
	}, mem, log)

	return &Engine{
		cfg:       cfg,
		logger:    log,
		store:     store,
		cache:     cache,
		idx:       idx,
		retriever: retr,
		assembler: asm,
		completer: o.completer,
		records:   records,
		sessions:  make(map[string]chan struct{}),
	}, nil
}

func openRecordStore(cfg CacheConfig) (kv.Store, error) {
	switch cfg.Driver {
	case "memory":
		return kv.NewMemory(), nil
	case "sqlite":
		return kvsqlite.New(cfg.Path)
	case "redis":
		return kvredis.New(kvredis.Config{Addrs: cfg.Addrs, Password: cfg.Password})
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

// Close releases the persisted cache store. In-flight requests finish;
// new requests fail with ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.records.Close()
}

// Ingest chunks and stores a product document, superseding any prior
// version. Embeddings are computed lazily on first retrieval need.
func (e *Engine) Ingest(doc Document) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ids, err := e.store.Ingest(docToDomain(doc))
	if err != nil {
		return nil, fmt.Errorf("grounding: ingest %s: %w", doc.ID, err)
	}
	return ids, nil
}

// GetDocument returns the current version of a document.
func (e *Engine) GetDocument(id string) (Document, error) {
	if err := e.checkOpen(); err != nil {
		return Document{}, err
	}
	doc, err := e.store.GetDocument(id)
	if err != nil {
		return Document{}, fmt.Errorf("grounding: %w", err)
	}
	return docFromDomain(doc), nil
}

// DeleteDocument removes a document and its index entries.
func (e *Engine) DeleteDocument(id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.store.Delete(id); err != nil {
		return fmt.Errorf("grounding: %w", err)
	}
	return nil
}

// Retrieve returns up to k ranked evidence chunks for a query. An empty
// result is not an error. Index corruption triggers a rebuild from the
// document store and one retry before anything is surfaced.
func (e *Engine) Retrieve(ctx context.Context, query string, k int, filters Filters) ([]Evidence, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	evs, err := e.retrieveRecovering(ctx, query, k, filtersToDomain(filters))
	if err != nil {
		return nil, err
	}
	return evidenceFromDomain(evs), nil
}

// Assemble builds a grounded prompt from a query and pre-retrieved
// evidence, merging the session's recent conversation memory.
func (e *Engine) Assemble(ctx context.Context, sessionID, query string, evidence []Evidence) (GroundedPrompt, error) {
	if err := e.checkOpen(); err != nil {
		return GroundedPrompt{}, err
	}
	devs := make([]domain.Evidence, len(evidence))
	for i, ev := range evidence {
		devs[i] = domain.Evidence{
			Chunk: domain.Chunk{
				ID:         ev.ChunkID,
				DocumentID: ev.DocumentID,
				Text:       ev.Text,
				Metadata:   domain.Metadata{SKU: ev.SKU, Category: ev.Category},
			},
			Score: ev.Score,
		}
	}
	prompt, err := e.assembler.Assemble(ctx, sessionID, query, devs)
	if err != nil {
		return GroundedPrompt{}, fmt.Errorf("grounding: assemble: %w", err)
	}
	return promptFromDomain(prompt), nil
}

// Ask runs the full grounded path for one session turn: retrieve,
// assemble, complete. Requests within one session execute in submission
// order; sessions run in parallel.
func (e *Engine) Ask(ctx context.Context, sessionID, query string, k int, filters Filters) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	if e.completer == nil {
		return "", errors.New("grounding: no completer wired (use WithCompleter)")
	}

	release, err := e.enterSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer release()

	reqID := uuid.NewString()
	log := e.logger.With(
		zap.String("request_id", reqID),
		zap.String("session_id", sessionID),
	)

	evs, err := e.retrieveRecovering(ctx, query, k, filtersToDomain(filters))
	if err != nil {
		return "", err
	}

	prompt, err := e.assembler.Assemble(ctx, sessionID, query, evs)
	if err != nil {
		return "", fmt.Errorf("grounding: assemble: %w", err)
	}
	log.Debug("prompt assembled",
		zap.Int("evidence", len(prompt.Evidence)),
		zap.Int("history_turns", len(prompt.History)),
	)

	reply, err := e.completer.Complete(ctx, promptFromDomain(prompt))
	if err != nil {
		return "", fmt.Errorf("grounding: complete: %w", err)
	}
	return reply, nil
}

// RetrieveFromHistory derives a retrieval query from the session's most
// recent turns when there is no direct user input (the proactive
// conversation path). Returns ErrInvalidDocument-wrapped validation
// failure when no usable history exists.
func (e *Engine) RetrieveFromHistory(ctx context.Context, sessionID string, k int, filters Filters) ([]Evidence, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	query := e.historyQuery(ctx, sessionID)
	if query == "" {
		return nil, fmt.Errorf("grounding: no history for session %s: %w", sessionID, domain.ErrEmptyQuery)
	}
	evs, err := e.retrieveRecovering(ctx, query, k, filtersToDomain(filters))
	if err != nil {
		return nil, err
	}
	return evidenceFromDomain(evs), nil
}

// HealthCheck verifies collaborator availability.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := e.retriever.HealthCheck(ctx); err != nil {
		return fmt.Errorf("grounding: %w", err)
	}
	return nil
}

// RebuildIndex reconstructs the vector index from the document store,
// the source of truth. Embeddings come from the cache, so a rebuild
// does not re-call the provider for known content.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.rebuild(ctx)
}

func (e *Engine) rebuild(ctx context.Context) error {
	live := e.store.LiveChunks()
	entries := make([]index.Entry, 0, len(live))
	for _, chunk := range live {
		vec, err := e.cache.GetOrCompute(ctx, chunk)
		if err != nil {
			return fmt.Errorf("grounding: rebuild embed %s: %w", chunk.ID, err)
		}
		entries = append(entries, index.Entry{
			ChunkID:    chunk.ID,
			DocVersion: chunk.Version,
			Vector:     vec,
		})
	}
	if err := e.idx.Rebuild(entries); err != nil {
		return fmt.Errorf("grounding: rebuild index: %w", err)
	}
	e.store.ClearIndexed()
	for _, chunk := range live {
		e.store.MarkIndexed(chunk.ID)
	}
	return nil
}

// retrieveRecovering runs a retrieval, recovering from index corruption
// with a full rebuild and a single retry.
func (e *Engine) retrieveRecovering(
	ctx context.Context, query string, k int, filters domain.Filters,
) ([]domain.Evidence, error) {
	evs, err := e.retriever.Retrieve(ctx, query, k, filters)
	if err == nil {
		return evs, nil
	}
	if !errors.Is(err, domain.ErrIndexCorruption) {
		return nil, fmt.Errorf("grounding: retrieve: %w", err)
	}

	e.logger.Error("index corruption detected, rebuilding from document store", zap.Error(err))
	if rbErr := e.rebuild(ctx); rbErr != nil {
		return nil, fmt.Errorf("grounding: rebuild after corruption: %v: %w", rbErr, domain.ErrIndexCorruption)
	}
	evs, err = e.retriever.Retrieve(ctx, query, k, filters)
	if err != nil {
		return nil, fmt.Errorf("grounding: retrieve after rebuild: %w", err)
	}
	return evs, nil
}

// historyQuery joins the most recent non-signal turns into a proactive
// retrieval query.
func (e *Engine) historyQuery(ctx context.Context, sessionID string) string {
	const contextTurns = 3
	turns, err := e.assembler.RecentTurns(ctx, sessionID, contextTurns)
	if err != nil || len(turns) == 0 {
		return ""
	}
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" || strings.HasPrefix(text, "[") {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

// enterSession joins the session's FIFO queue and waits for all earlier
// requests of the same session to finish.
func (e *Engine) enterSession(ctx context.Context, sessionID string) (func(), error) {
	e.mu.Lock()
	prev := e.sessions[sessionID]
	done := make(chan struct{})
	e.sessions[sessionID] = done
	e.mu.Unlock()

	if prev != nil {
		select {
		case <-ctx.Done():
			// Hand the turn over so successors are not stuck behind a
			// cancelled request.
			go func() {
				<-prev
				e.leaveSession(sessionID, done)
			}()
			return nil, ctx.Err()
		case <-prev:
		}
	}

	return func() { e.leaveSession(sessionID, done) }, nil
}

// leaveSession signals completion and clears the session's queue entry
// when this request is still its tail.
func (e *Engine) leaveSession(sessionID string, done chan struct{}) {
	close(done)
	e.mu.Lock()
	if e.sessions[sessionID] == done {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrEngineClosed
	}
	return nil
}
