package grounding

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// --- Mocks ---

// fakeEmbedder maps keywords to fixed directions so retrieval relevance
// is predictable without a provider.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	vec := make([]float32, 4)
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "headphone"):
		vec[0] = 1
	case strings.Contains(lower, "keyboard"):
		vec[1] = 1
	case strings.Contains(lower, "monitor"):
		vec[2] = 1
	default:
		vec[3] = 1
	}
	return vec, nil
}

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []GroundedPrompt
	reply   string
	err     error
	delay   time.Duration
	order   []string // session ids in completion order
}

func (f *fakeCompleter) Complete(_ context.Context, prompt GroundedPrompt) (string, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.order = append(f.order, prompt.Query)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return "ok", nil
}

type fakeMemory struct {
	turns map[string][]Turn
}

func (f *fakeMemory) Recent(_ context.Context, sessionID string, maxTurns int) ([]Turn, error) {
	turns := f.turns[sessionID]
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return turns, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Embedding.Dimensions = 4
	return cfg
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithEmbedder(&fakeEmbedder{}), WithLogger(zap.NewNop())}, opts...)
	e, err := New(testConfig(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// --- Document lifecycle ---

func TestEngine_IngestAndRetrieve(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "p100", Text: "Over-ear headphones with active noise cancelling.", SKU: "SKU-100", Category: "audio", InStock: true},
		{ID: "p200", Text: "Mechanical keyboard with hot-swappable switches.", SKU: "SKU-200", Category: "peripherals", InStock: true},
		{ID: "p300", Text: "27-inch 4K monitor with HDR support.", SKU: "SKU-300", Category: "displays", InStock: false},
	}
	for _, doc := range docs {
		if _, err := e.Ingest(doc); err != nil {
			t.Fatalf("ingest %s: %v", doc.ID, err)
		}
	}

	res, err := e.Retrieve(ctx, "good headphones for travel", 2, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) == 0 {
		t.Fatal("expected evidence")
	}
	if res[0].SKU != "SKU-100" {
		t.Errorf("expected the headphones document first, got %s", res[0].SKU)
	}
	if res[0].DocumentID != "p100" {
		t.Errorf("expected DocumentID p100, got %s", res[0].DocumentID)
	}
}

func TestEngine_RetrieveWithFilters(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.Ingest(Document{ID: "a", Text: "Wireless headphones, premium sound.", SKU: "S1", Category: "audio", InStock: true})
	e.Ingest(Document{ID: "b", Text: "Budget headphones for kids.", SKU: "S2", Category: "audio", InStock: false})

	res, err := e.Retrieve(ctx, "headphones", 5, Filters{InStockOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ev := range res {
		if ev.SKU == "S2" {
			t.Error("out-of-stock document returned under InStockOnly filter")
		}
	}
}

func TestEngine_RetrieveEmptyQuery(t *testing.T) {
	e := newEngine(t)
	_, err := e.Retrieve(context.Background(), "   ", 5, Filters{})
	if !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestEngine_ReingestServesOnlyCurrentVersion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.Ingest(Document{ID: "p1", Text: "Old headphones model, 20 hour battery.", SKU: "S1", Category: "audio", InStock: true})
	if _, err := e.Retrieve(ctx, "headphones", 5, Filters{}); err != nil {
		t.Fatalf("warmup retrieve: %v", err)
	}

	e.Ingest(Document{ID: "p1", Text: "New headphones model, 40 hour battery.", SKU: "S1", Category: "audio", InStock: true})

	res, err := e.Retrieve(ctx, "headphones", 5, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("expected exactly one version retrievable, got %d chunks", len(res))
	}
	if !strings.Contains(res[0].Text, "40 hour") {
		t.Errorf("expected the new version, got %q", res[0].Text)
	}
}

func TestEngine_RetrieveDuringReingestIsSingleVersion(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	// Long enough to split across several chunks per version, so a
	// half-swapped live set would be observable as mixed content.
	generation := func(gen int) string {
		sentence := "The headphone generation " + strconv.Itoa(gen) + " delivers outstanding sound quality and comfort. "
		return strings.Repeat(sentence, 12)
	}

	var mu sync.Mutex
	texts := map[int]string{1: generation(1)}
	if _, err := e.Ingest(Document{ID: "p1", Text: texts[1], SKU: "S1", Category: "audio", InStock: true}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := 2; v <= 10; v++ {
			mu.Lock()
			texts[v] = generation(v)
			mu.Unlock()
			if _, err := e.Ingest(Document{ID: "p1", Text: texts[v], SKU: "S1", Category: "audio", InStock: true}); err != nil {
				t.Errorf("reingest v%d: %v", v, err)
				return
			}
		}
	}()

	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		res, err := e.Retrieve(ctx, "headphone sound", 5, Filters{})
		if err != nil {
			t.Fatalf("retrieve during reingestion: %v", err)
		}
		for _, ev := range res {
			if ev.DocumentID != "p1" {
				continue
			}
			parts := strings.Split(ev.ChunkID, ":")
			if len(parts) != 3 {
				t.Fatalf("malformed chunk id %q", ev.ChunkID)
			}
			ver, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v"))
			if err != nil {
				t.Fatalf("malformed version in chunk id %q", ev.ChunkID)
			}
			mu.Lock()
			full, known := texts[ver]
			mu.Unlock()
			if !known {
				t.Fatalf("evidence from unknown version %d", ver)
			}
			if !strings.Contains(full, strings.TrimSpace(ev.Text)) {
				t.Fatalf("version %d evidence carries foreign content: %q", ver, ev.Text)
			}
		}
	}
}

func TestEngine_GetAndDeleteDocument(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	e.Ingest(Document{ID: "p1", Text: "Some headphones.", SKU: "S1", Category: "audio", InStock: true})

	doc, err := e.GetDocument("p1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.SKU != "S1" || doc.Text != "Some headphones." {
		t.Errorf("unexpected document %+v", doc)
	}

	if err := e.DeleteDocument("p1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := e.GetDocument("p1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}

	res, err := e.Retrieve(ctx, "headphones", 5, Filters{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res) != 0 {
		t.Errorf("deleted document still retrievable: %+v", res)
	}
}

func TestEngine_DeleteMissing(t *testing.T) {
	e := newEngine(t)
	if err := e.DeleteDocument("missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}

// --- Caching across operations ---

func TestEngine_RebuildReusesCachedEmbeddings(t *testing.T) {
	emb := &fakeEmbedder{}
	e := newEngine(t, WithEmbedder(emb))
	ctx := context.Background()

	e.Ingest(Document{ID: "p1", Text: "Headphones with a cable.", SKU: "S1", Category: "audio", InStock: true})
	if _, err := e.Retrieve(ctx, "headphones", 5, Filters{}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	emb.mu.Lock()
	before := emb.calls
	emb.mu.Unlock()

	if err := e.RebuildIndex(ctx); err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}

	emb.mu.Lock()
	after := emb.calls
	emb.mu.Unlock()
	if after != before {
		t.Errorf("rebuild called the provider %d extra times", after-before)
	}

	res, err := e.Retrieve(ctx, "headphones", 5, Filters{})
	if err != nil {
		t.Fatalf("retrieve after rebuild: %v", err)
	}
	if len(res) != 1 {
		t.Errorf("expected document retrievable after rebuild, got %d", len(res))
	}
}

// --- Prompt assembly and Ask ---

func TestEngine_AssembleIncludesEvidenceAndHistory(t *testing.T) {
	mem := &fakeMemory{turns: map[string][]Turn{
		"s1": {
			{Role: "user", Text: "hi, looking for audio gear", Timestamp: time.Now()},
			{Role: "assistant", Text: "happy to help", Timestamp: time.Now()},
		},
	}}
	e := newEngine(t, WithMemoryStore(mem))
	ctx := context.Background()

	e.Ingest(Document{ID: "p1", Text: "Great headphones, 30h battery.", SKU: "S1", Category: "audio", InStock: true})
	evs, err := e.Retrieve(ctx, "headphones", 3, Filters{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	prompt, err := e.Assemble(ctx, "s1", "which headphones last longest?", evs)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	rendered := prompt.Render()
	if !strings.Contains(rendered, "[S1]") {
		t.Error("expected SKU citation in the prompt")
	}
	if !strings.Contains(rendered, "looking for audio gear") {
		t.Error("expected conversation history in the prompt")
	}
	if !strings.Contains(rendered, "which headphones last longest?") {
		t.Error("expected the query in the prompt")
	}
}

func TestEngine_AssembleNoEvidenceMarker(t *testing.T) {
	e := newEngine(t)
	prompt, err := e.Assemble(context.Background(), "s1", "do you sell cars?", nil)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(prompt.Render(), NoEvidenceMarker) {
		t.Error("expected the no-evidence marker for empty evidence")
	}
}

func TestEngine_AskEndToEnd(t *testing.T) {
	comp := &fakeCompleter{reply: "The [SKU-100] headphones last 30 hours."}
	e := newEngine(t, WithCompleter(comp))
	ctx := context.Background()

	e.Ingest(Document{ID: "p100", Text: "Headphones with 30 hour battery.", SKU: "SKU-100", Category: "audio", InStock: true})

	reply, err := e.Ask(ctx, "s1", "how long do the headphones last?", 3, Filters{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if reply != comp.reply {
		t.Errorf("unexpected reply %q", reply)
	}
	comp.mu.Lock()
	defer comp.mu.Unlock()
	if len(comp.prompts) != 1 {
		t.Fatalf("expected 1 completion, got %d", len(comp.prompts))
	}
	if !comp.prompts[0].HasEvidence() {
		t.Error("expected the completer to receive evidence")
	}
}

func TestEngine_AskWithoutCompleter(t *testing.T) {
	e := newEngine(t)
	if _, err := e.Ask(context.Background(), "s1", "query", 3, Filters{}); err == nil {
		t.Fatal("expected error without a wired completer")
	}
}

func TestEngine_AskSessionFIFO(t *testing.T) {
	comp := &fakeCompleter{delay: 30 * time.Millisecond}
	e := newEngine(t, WithCompleter(comp))
	ctx := context.Background()

	e.Ingest(Document{ID: "p1", Text: "Headphones.", SKU: "S1", Category: "audio", InStock: true})

	// Prime the index so concurrent asks do not race the lazy drain.
	if _, err := e.Retrieve(ctx, "headphones", 1, Filters{}); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	const requests = 4
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		query := "q" + string(rune('0'+i))
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			if _, err := e.Ask(ctx, "s1", q, 1, Filters{}); err != nil {
				t.Errorf("Ask %s: %v", q, err)
			}
		}(query)
		// Stagger submissions so arrival order is defined.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	comp.mu.Lock()
	defer comp.mu.Unlock()
	for i := 0; i < requests; i++ {
		want := "q" + string(rune('0'+i))
		if comp.order[i] != want {
			t.Fatalf("completion order %v, expected submission order", comp.order)
		}
	}
}

func TestEngine_AskCancelledTailClearsSessionQueue(t *testing.T) {
	comp := &fakeCompleter{delay: 50 * time.Millisecond}
	e := newEngine(t, WithCompleter(comp))

	first := make(chan error, 1)
	go func() {
		_, err := e.Ask(context.Background(), "s1", "headphones", 1, Filters{})
		first <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// A queued request cancelled while waiting must still hand the turn
	// over and leave no queue entry behind.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Ask(ctx, "s1", "keyboards", 1, Filters{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if err := <-first; err != nil {
		t.Fatalf("first ask: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		e.mu.Lock()
		remaining := len(e.sessions)
		e.mu.Unlock()
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session queue entry leaked after cancelled request")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// --- History-derived retrieval ---

func TestEngine_RetrieveFromHistory(t *testing.T) {
	mem := &fakeMemory{turns: map[string][]Turn{
		"s1": {
			{Role: "user", Text: "I need new headphones", Timestamp: time.Now()},
			{Role: "assistant", Text: "[thinking]", Timestamp: time.Now()},
		},
	}}
	e := newEngine(t, WithMemoryStore(mem))
	ctx := context.Background()

	e.Ingest(Document{ID: "p1", Text: "Headphones with great sound.", SKU: "S1", Category: "audio", InStock: true})

	res, err := e.RetrieveFromHistory(ctx, "s1", 3, Filters{})
	if err != nil {
		t.Fatalf("RetrieveFromHistory: %v", err)
	}
	if len(res) == 0 || res[0].SKU != "S1" {
		t.Errorf("expected the headphones document from history context, got %+v", res)
	}
}

func TestEngine_RetrieveFromHistoryEmptySession(t *testing.T) {
	e := newEngine(t, WithMemoryStore(&fakeMemory{turns: map[string][]Turn{}}))
	_, err := e.RetrieveFromHistory(context.Background(), "empty", 3, Filters{})
	if !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("expected validation error for historyless session, got %v", err)
	}
}

// --- Lifecycle ---

func TestEngine_ClosedRejectsRequests(t *testing.T) {
	e := newEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("double close must be a no-op, got %v", err)
	}

	if _, err := e.Ingest(Document{ID: "p1", Text: "text"}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed from Ingest, got %v", err)
	}
	if _, err := e.Retrieve(context.Background(), "q", 1, Filters{}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed from Retrieve, got %v", err)
	}
}

func TestEngine_HealthCheck(t *testing.T) {
	e := newEngine(t)
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy engine, got %v", err)
	}
}

func TestEngine_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Driver = "bogus"
	if _, err := New(cfg, WithEmbedder(&fakeEmbedder{})); err == nil {
		t.Fatal("expected error for invalid config")
	}
}
