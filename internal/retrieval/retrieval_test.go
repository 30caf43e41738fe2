package retrieval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/kbai-go/internal/prompt"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/sources"
	"github.com/54b3r/kbai-go/internal/store"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// keywordEmbedder maps text to a 3-dim vector by keyword so that scores are
// predictable: "alpha" texts point along x, "beta" along y.
type keywordEmbedder struct {
	// err is returned from every call when set.
	err error

	mu sync.Mutex
	// sizes records the input length of every EmbedBatch call.
	sizes []int
}

func (k *keywordEmbedder) vec(text string) []float32 {
	switch {
	case strings.Contains(text, "alpha"):
		return []float32{1, 0.1, 0}
	case strings.Contains(text, "beta"):
		return []float32{0.1, 1, 0}
	default:
		return []float32{0.5, 0.5, 0.5}
	}
}

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if k.err != nil {
		return nil, k.err
	}
	return k.vec(text), nil
}

func (k *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	k.mu.Lock()
	k.sizes = append(k.sizes, len(texts))
	k.mu.Unlock()
	if k.err != nil {
		return nil, k.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = k.vec(t)
	}
	return out, nil
}

// recordingStore wraps a MemoryStore and records search calls.
type recordingStore struct {
	*rag.MemoryStore

	// mu guards the fields below.
	mu sync.Mutex
	// ks records the k of every Search call.
	ks []int
	// ensured counts EnsureSchema calls.
	ensured int
}

func (r *recordingStore) Search(ctx context.Context, collectionID string, query []float32, k int) ([]rag.RetrievalResult, error) {
	r.mu.Lock()
	r.ks = append(r.ks, k)
	r.mu.Unlock()
	return r.MemoryStore.Search(ctx, collectionID, query, k)
}

func (r *recordingStore) EnsureSchema(ctx context.Context) error {
	r.mu.Lock()
	r.ensured++
	r.mu.Unlock()
	return r.MemoryStore.EnsureSchema(ctx)
}

// scriptedChat is a model.BaseChatModel returning scripted replies.
type scriptedChat struct {
	// replies are consumed in order; the last one repeats.
	replies []scriptedReply
	// delay blocks each call until it elapses or ctx ends.
	delay time.Duration

	// mu guards calls.
	mu sync.Mutex
	// calls records the input of every Generate call.
	calls [][]*schema.Message
}

// scriptedReply is one scripted outcome.
type scriptedReply struct {
	// text is the reply content.
	text string
	// err is returned instead when set.
	err error
}

func (s *scriptedChat) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	s.mu.Lock()
	s.calls = append(s.calls, input)
	r := s.replies[min(len(s.calls), len(s.replies))-1]
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return schema.AssistantMessage(r.text, nil), nil
}

func (s *scriptedChat) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func (s *scriptedChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// staticConfigs always returns cfg.
type staticConfigs struct {
	// cfg is the generation config served.
	cfg provider.GenerationConfig
}

func (s staticConfigs) Get(context.Context) (provider.GenerationConfig, error) { return s.cfg, nil }

// staticModels always returns a model over chat.
type staticModels struct {
	// chat backs every returned model.
	chat model.BaseChatModel
}

func (s staticModels) Model(_ context.Context, cfg provider.GenerationConfig) (*provider.Model, error) {
	return &provider.Model{Chat: s.chat, Provider: cfg.Provider}, nil
}

// fakeWeb returns a canned web-search result.
type fakeWeb struct {
	// res is returned from Search.
	res provider.WebSearchResult
	// got is the last request.
	got provider.WebSearchRequest
	// calls counts Search calls.
	calls int
}

func (f *fakeWeb) Search(_ context.Context, req provider.WebSearchRequest) (provider.WebSearchResult, error) {
	f.calls++
	f.got = req
	return f.res, nil
}

// mapCatalog is an in-memory Catalog.
type mapCatalog struct {
	// mu guards docs.
	mu sync.Mutex
	// docs maps document id to its record.
	docs map[string]store.Document
}

func newMapCatalog() *mapCatalog { return &mapCatalog{docs: map[string]store.Document{}} }

func (m *mapCatalog) RecordDocument(_ context.Context, d store.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.ID] = d
	return nil
}

func (m *mapCatalog) DocumentName(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id].FileName, nil
}

func (m *mapCatalog) ForgetDocument(_ context.Context, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	return nil
}

func (m *mapCatalog) ForgetCollection(_ context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.docs {
		if d.CollectionID == collectionID {
			delete(m.docs, id)
		}
	}
	return nil
}

// harness bundles an orchestrator with its fakes.
type harness struct {
	o       *Orchestrator
	store   *recordingStore
	chat    *scriptedChat
	web     *fakeWeb
	catalog *mapCatalog
	reg     *prometheus.Registry
	metrics *Metrics
}

// harnessOpts tunes newHarness.
type harnessOpts struct {
	cfg      Config
	provider provider.Provider
	replies  []scriptedReply
	withWeb  bool
	delay    time.Duration
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	emb := &keywordEmbedder{}
	st := &recordingStore{MemoryStore: rag.NewMemoryStore(3, emb)}
	if opts.replies == nil {
		opts.replies = []scriptedReply{{text: "the answer"}}
	}
	if opts.provider == "" {
		opts.provider = provider.ProviderOpenAI
	}
	chat := &scriptedChat{replies: opts.replies, delay: opts.delay}
	h := &harness{
		store:   st,
		chat:    chat,
		catalog: newMapCatalog(),
		reg:     prometheus.NewRegistry(),
	}
	h.metrics = NewMetrics(h.reg)
	deps := Deps{
		Embedder: emb,
		Store:    st,
		Configs:  staticConfigs{cfg: provider.GenerationConfig{Provider: opts.provider, Model: "m"}},
		Models:   staticModels{chat: chat},
		Catalog:  h.catalog,
		Metrics:  h.metrics,
	}
	if opts.withWeb {
		h.web = &fakeWeb{res: provider.WebSearchResult{
			Answer:    "web answer",
			Citations: []sources.Citation{{URL: "https://go.dev", Title: "Go"}},
		}}
		deps.Web = h.web
	}
	o, err := New(deps, opts.cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	return h
}

// seed inserts chunks directly into the store.
func (h *harness) seed(t *testing.T, collectionID string, contents ...string) {
	t.Helper()
	chunks := make([]rag.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = rag.Chunk{Content: c, Metadata: rag.Metadata{rag.MetaDocumentID: collectionID + "-doc", rag.MetaFileName: collectionID + ".md"}}
	}
	if err := h.store.Insert(context.Background(), collectionID, chunks); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

// ── top-k arithmetic ─────────────────────────────────────────────────────────

func TestEffectiveTopK(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want int
	}{
		{0, 4}, {-3, 4}, {1, 2}, {2, 2}, {4, 4}, {12, 12}, {13, 12}, {100, 12},
	}
	for _, tc := range tests {
		if got := EffectiveTopK(tc.in); got != tc.want {
			t.Errorf("EffectiveTopK(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPerCollectionK(t *testing.T) {
	t.Parallel()

	tests := []struct {
		topK, n, want int
	}{
		{4, 2, 4},  // ceil(8/2)
		{4, 3, 3},  // ceil(8/3)
		{4, 8, 2},  // ceil(1) clamped up
		{12, 2, 8}, // ceil(12) clamped down
		{5, 4, 3},  // ceil(2.5)
		{2, 10, 2}, // ceil(0.4) clamped up
		{12, 3, 8}, // ceil(8)
	}
	for _, tc := range tests {
		if got := PerCollectionK(tc.topK, tc.n); got != tc.want {
			t.Errorf("PerCollectionK(%d, %d) = %d, want %d", tc.topK, tc.n, got, tc.want)
		}
	}
}

func TestQuery_UsesClampedTopK(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ cfg, want int }{{1, 2}, {0, 4}, {7, 7}, {50, 12}} {
		h := newHarness(t, harnessOpts{cfg: Config{TopK: tc.cfg}})
		h.seed(t, "kb", "alpha one")
		if _, err := h.o.Query(context.Background(), QueryRequest{CollectionID: "kb", Question: "alpha?"}); err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(h.store.ks) != 1 || h.store.ks[0] != tc.want {
			t.Errorf("TopK %d: search k = %v, want %d", tc.cfg, h.store.ks, tc.want)
		}
	}
}

// ── Merge ────────────────────────────────────────────────────────────────────

func TestMerge(t *testing.T) {
	t.Parallel()

	r := func(id string, score float64) rag.RetrievalResult {
		return rag.RetrievalResult{Chunk: rag.Chunk{ID: id}, Score: score}
	}
	branches := [][]rag.RetrievalResult{
		{r("a1", 0.9), r("a2", 0.5), r("a3", 0.4)},
		{r("b1", 0.95), r("b2", 0.5)},
		nil,
	}

	got := Merge(branches, 4)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	want := []string{"b1", "a1", "a2", "b2"}
	for i, id := range want {
		if got[i].Chunk.ID != id {
			t.Errorf("position %d = %s, want %s (ties keep collection order)", i, got[i].Chunk.ID, id)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Fatalf("not sorted descending at %d", i)
		}
	}

	if got := Merge(branches, 10); len(got) != 5 {
		t.Errorf("len = %d, want all 5 results", len(got))
	}
	if got := Merge(nil, 4); len(got) != 0 {
		t.Errorf("empty merge = %v", got)
	}
}

// ── Query ────────────────────────────────────────────────────────────────────

func TestQuery_AnswersWithSources(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	h.seed(t, "kb", "alpha facts", "beta facts")

	ans, err := h.o.Query(context.Background(), QueryRequest{
		CollectionID: "kb",
		Question:     "tell me about alpha",
		Instructions: "be brief",
		History:      []prompt.HistoryItem{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if ans.Tier != TierSingle {
		t.Errorf("tier = %s, want single", ans.Tier)
	}
	if ans.Text != "the answer\n\nSources:\n- Source 1: kb.md" {
		t.Errorf("text = %q", ans.Text)
	}
	if len(ans.Sources) != 1 {
		t.Errorf("sources = %+v, want 1 (same document deduplicated)", ans.Sources)
	}

	msgs := h.chat.calls[0]
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want system + 2 history + user", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "be brief") {
		t.Error("system message lacks instructions")
	}
	user := msgs[3].Content
	if !strings.Contains(user, "Source 1 (score=") || !strings.Contains(user, "alpha facts") {
		t.Errorf("user message lacks context: %q", user)
	}
	if strings.Index(user, "alpha facts") > strings.Index(user, "beta facts") {
		t.Error("context must list the best match first")
	}
}

func TestQuery_EmptyCollectionEqualsGlobal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	history := []prompt.HistoryItem{{Role: "user", Content: "earlier"}}

	scoped, err := h.o.Query(ctx, QueryRequest{CollectionID: "empty", Question: "q", Instructions: "i", History: history})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	global, err := h.o.QueryGlobal(ctx, GlobalRequest{Question: "q", Instructions: "i", History: history})
	if err != nil {
		t.Fatalf("QueryGlobal: %v", err)
	}
	if scoped.Text != global.Text || scoped.Tier != global.Tier || scoped.Tier != TierGlobal {
		t.Errorf("scoped %+v != global %+v", scoped, global)
	}
	if len(h.chat.calls) != 2 {
		t.Fatalf("calls = %d", len(h.chat.calls))
	}
	a, b := prompt.Flatten(h.chat.calls[0]), prompt.Flatten(h.chat.calls[1])
	if a != b {
		t.Errorf("prompts differ:\n%s\n---\n%s", a, b)
	}
}

func TestQuery_FlattenedFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{replies: []scriptedReply{
		{err: errors.New("structured messages rejected")},
		{text: "flat answer"},
	}})
	h.seed(t, "kb", "alpha facts")

	ans, err := h.o.Query(context.Background(), QueryRequest{CollectionID: "kb", Question: "alpha?"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if h.chat.callCount() != 2 {
		t.Fatalf("calls = %d, want exactly one retry", h.chat.callCount())
	}
	if len(h.chat.calls[1]) != 1 {
		t.Errorf("retry must send one flattened message, got %d", len(h.chat.calls[1]))
	}
	if !ans.Flattened || ans.Text != "flat answer\n\nSources:\n- Source 1: kb.md" {
		t.Errorf("answer = %+v", ans)
	}
	if got := testutil.ToFloat64(h.metrics.flattenedRetries); got != 1 {
		t.Errorf("flattened metric = %v, want 1", got)
	}
}

func TestQuery_ProviderFailurePropagates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{replies: []scriptedReply{{err: errors.New("down")}}})
	h.seed(t, "kb", "alpha facts")

	ans, err := h.o.Query(context.Background(), QueryRequest{CollectionID: "kb", Question: "alpha?"})
	var pe *rag.ProviderInvocationError
	if !errors.As(err, &pe) || ans != nil {
		t.Fatalf("got %v, %v; want ProviderInvocationError and no answer", ans, err)
	}
	if got := testutil.ToFloat64(h.metrics.answersTotal.WithLabelValues("unknown", "error")); got != 1 {
		t.Errorf("error metric = %v", got)
	}
}

func TestQuery_Validation(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})

	if _, err := h.o.Query(context.Background(), QueryRequest{Question: "q"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing collection: %v", err)
	}
	if _, err := h.o.Query(context.Background(), QueryRequest{CollectionID: "kb"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing question: %v", err)
	}
}

func TestQuery_TimeoutIsCleanError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{cfg: Config{Timeout: 20 * time.Millisecond}, delay: time.Second})
	h.seed(t, "kb", "alpha facts")

	ans, err := h.o.Query(context.Background(), QueryRequest{CollectionID: "kb", Question: "alpha?"})
	if ans != nil {
		t.Errorf("partial answer returned: %+v", ans)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if h.chat.callCount() != 1 {
		t.Errorf("calls = %d, expired context must not be retried", h.chat.callCount())
	}
}

func TestQuery_NameLookupFromCatalog(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()
	_ = h.catalog.RecordDocument(ctx, store.Document{ID: "d9", CollectionID: "kb", FileName: "manual.pdf"})
	err := h.store.Insert(ctx, "kb", []rag.Chunk{{Content: "alpha text", Metadata: rag.Metadata{rag.MetaDocumentID: "d9"}}})
	if err != nil {
		t.Fatal(err)
	}

	ans, err := h.o.Query(ctx, QueryRequest{CollectionID: "kb", Question: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(ans.Text, "- Source 1: manual.pdf") {
		t.Errorf("text = %q", ans.Text)
	}
}

// ── QueryAcrossKnowledgeBases ────────────────────────────────────────────────

func TestMulti_OneEmptyCollection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{cfg: Config{TopK: 4}})
	h.seed(t, "A", "alpha one", "alpha two", "beta three")

	ans, err := h.o.QueryAcrossKnowledgeBases(context.Background(), MultiQueryRequest{
		CollectionIDs: []string{"A", "B"},
		Question:      "alpha?",
	})
	if err != nil {
		t.Fatalf("multi: %v", err)
	}
	if ans.Tier != TierMerged {
		t.Errorf("tier = %s, want merged", ans.Tier)
	}
	for _, k := range h.store.ks {
		if k != 4 {
			t.Errorf("per-collection k = %d, want 4", k)
		}
	}
	msgs := h.chat.calls[0]
	if !strings.Contains(msgs[0].Content, prompt.MultiCollectionNote) {
		t.Error("system message lacks the multi-collection note")
	}
	user := msgs[len(msgs)-1].Content
	if strings.Contains(user, "B-doc") || strings.Count(user, "A.md") != 3 {
		t.Errorf("context must hold only A's chunks: %q", user)
	}
	if strings.Index(user, "beta three") < strings.Index(user, "alpha two") {
		t.Error("merged context not ranked by score")
	}
}

func TestMulti_MergedSizeBoundedByTopK(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{cfg: Config{TopK: 3}})
	h.seed(t, "A", "alpha 1", "alpha 2", "alpha 3")
	h.seed(t, "B", "beta 1", "beta 2", "beta 3")

	if _, err := h.o.QueryAcrossKnowledgeBases(context.Background(), MultiQueryRequest{
		CollectionIDs: []string{"A", "B"},
		Question:      "alpha",
	}); err != nil {
		t.Fatal(err)
	}
	user := h.chat.calls[0][len(h.chat.calls[0])-1].Content
	if n := strings.Count(user, "Source "); n != 3 {
		t.Errorf("context blocks = %d, want topK 3", n)
	}
	if strings.Contains(user, "Source 4") {
		t.Error("more than topK blocks")
	}
}

func TestMulti_DegenerateIDs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	h.seed(t, "A", "alpha one")
	ctx := context.Background()

	ans, err := h.o.QueryAcrossKnowledgeBases(ctx, MultiQueryRequest{CollectionIDs: []string{"A", "A", ""}, Question: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if ans.Tier != TierSingle {
		t.Errorf("duplicate ids must behave as Query, got tier %s", ans.Tier)
	}

	ans, err = h.o.QueryAcrossKnowledgeBases(ctx, MultiQueryRequest{Question: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if ans.Tier != TierGlobal {
		t.Errorf("no ids must use the global tier, got %s", ans.Tier)
	}
}

func TestMulti_AllEmptyFallsBackToGlobal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})

	ans, err := h.o.QueryAcrossKnowledgeBases(context.Background(), MultiQueryRequest{CollectionIDs: []string{"x", "y"}, Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if ans.Tier != TierGlobal || strings.Contains(ans.Text, "Sources:") {
		t.Errorf("answer = %+v", ans)
	}
}

func TestMulti_SearchErrorIsFatal(t *testing.T) {
	t.Parallel()
	emb := &keywordEmbedder{err: errors.New("embedder down")}
	o, err := New(Deps{
		Embedder: emb,
		Store:    rag.NewMemoryStore(3, emb),
		Configs:  staticConfigs{cfg: provider.DefaultGenerationConfig()},
		Models:   staticModels{chat: &scriptedChat{replies: []scriptedReply{{text: "x"}}}},
	}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	ans, err := o.QueryAcrossKnowledgeBases(context.Background(), MultiQueryRequest{CollectionIDs: []string{"a", "b"}, Question: "q"})
	if err == nil || ans != nil {
		t.Errorf("got %v, %v; want error and no answer", ans, err)
	}
}

// ── QueryGlobal ──────────────────────────────────────────────────────────────

func TestGlobal_WebSearchSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		provider provider.Provider
		withWeb  bool
		offline  bool
		wantTier Tier
	}{
		{"openai with web key", provider.ProviderOpenAI, true, false, TierWebSearch},
		{"openai without web key", provider.ProviderOpenAI, false, false, TierGlobal},
		{"openai offline", provider.ProviderOpenAI, true, true, TierGlobal},
		{"gemini with web key", provider.ProviderGemini, true, false, TierGlobal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, harnessOpts{provider: tc.provider, withWeb: tc.withWeb, cfg: Config{Offline: tc.offline}})

			ans, err := h.o.QueryGlobal(context.Background(), GlobalRequest{Question: "what is new in go?"})
			if err != nil {
				t.Fatal(err)
			}
			if ans.Tier != tc.wantTier {
				t.Fatalf("tier = %s, want %s", ans.Tier, tc.wantTier)
			}
			switch tc.wantTier {
			case TierWebSearch:
				if ans.Text != "web answer\n\nSources:\n- Source 1: [Go](https://go.dev)" {
					t.Errorf("text = %q", ans.Text)
				}
				if h.chat.callCount() != 0 {
					t.Error("plain model must not be called when web search answers")
				}
			default:
				if ans.Text != "the answer" || strings.Contains(ans.Text, "Sources:") {
					t.Errorf("text = %q, want plain answer with no sources", ans.Text)
				}
				if h.web != nil && h.web.calls != 0 {
					t.Error("web search must not be called")
				}
			}
		})
	}
}

func TestGlobal_WebSearchRequest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{withWeb: true})

	history := make([]prompt.HistoryItem, 15)
	for i := range history {
		history[i] = prompt.HistoryItem{Role: "user", Content: string(rune('a' + i))}
	}
	if _, err := h.o.QueryGlobal(context.Background(), GlobalRequest{Question: "q", History: history}); err != nil {
		t.Fatal(err)
	}
	got := h.web.got
	if len(got.History) != prompt.MaxHistory {
		t.Errorf("history = %d, want %d", len(got.History), prompt.MaxHistory)
	}
	if got.History[len(got.History)-1].Content != "o" {
		t.Error("history must keep the most recent items last")
	}
	if !strings.Contains(got.SystemRules, prompt.DefaultGlobalInstructions) {
		t.Error("empty instructions must fall back to the generic set")
	}
}

func TestGlobal_InstructionsTrimmed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{cfg: Config{InstructionsMaxChars: 10}})

	if _, err := h.o.QueryGlobal(context.Background(), GlobalRequest{Question: "q", Instructions: strings.Repeat("X", 50)}); err != nil {
		t.Fatal(err)
	}
	sys := h.chat.calls[0][0].Content
	if !strings.Contains(sys, strings.Repeat("X", 10)) || strings.Contains(sys, strings.Repeat("X", 11)) {
		t.Errorf("instructions not cut to 10 chars: %q", sys)
	}
}

// ── Ingest & delete ──────────────────────────────────────────────────────────

func TestIngest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{cfg: Config{ChunkSize: 100, ChunkOverlap: 20}})
	ctx := context.Background()

	text := strings.Repeat("alpha ", 50) // 300 runes before trim
	meta := rag.Metadata{rag.MetaDocumentID: "doc-1", rag.MetaFileName: "a.txt", "page": 3}
	n, err := h.o.Ingest(ctx, "kb", text, meta)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n != len(Chunk(text, 100, 20)) || h.store.Len("kb") != n {
		t.Errorf("stored %d chunks, reported %d", h.store.Len("kb"), n)
	}
	res, _ := h.store.MemoryStore.Search(ctx, "kb", []float32{1, 0.1, 0}, 12)
	for _, r := range res {
		if r.Chunk.Metadata.DocumentID() != "doc-1" || r.Chunk.Metadata["page"] != 3 {
			t.Errorf("chunk metadata = %v", r.Chunk.Metadata)
		}
	}
	if d := h.catalog.docs["doc-1"]; d.FileName != "a.txt" || d.Chunks != n {
		t.Errorf("catalog entry = %+v", d)
	}

	if n, err := h.o.Ingest(ctx, "kb", "   ", meta); err != nil || n != 0 {
		t.Errorf("blank text: n=%d err=%v", n, err)
	}
}

func TestIngest_LargeDocumentEmbedsInBoundedBatches(t *testing.T) {
	t.Parallel()
	emb := &keywordEmbedder{}
	st := rag.NewMemoryStore(3, emb)
	o, err := New(Deps{
		Embedder: emb,
		Store:    st,
		Configs:  staticConfigs{},
		Models:   staticModels{},
	}, Config{ChunkSize: 100, ChunkOverlap: 20})
	if err != nil {
		t.Fatal(err)
	}

	text := strings.Repeat("alpha ", 20000)
	n, err := o.Ingest(context.Background(), "kb", text, rag.Metadata{rag.MetaDocumentID: "big"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n <= 2*rag.MaxBatch {
		t.Fatalf("only %d chunks; document too small to need several batches", n)
	}

	total := 0
	for _, size := range emb.sizes {
		if size > rag.MaxBatch {
			t.Errorf("EmbedBatch received %d texts, cap is %d", size, rag.MaxBatch)
		}
		total += size
	}
	if total != n || st.Len("kb") != n {
		t.Errorf("embedded %d, stored %d, chunked %d", total, st.Len("kb"), n)
	}
}

func TestIngest_ErrorIsIngestionError(t *testing.T) {
	t.Parallel()
	emb := &keywordEmbedder{err: errors.New("quota")}
	o, err := New(Deps{
		Embedder: emb,
		Store:    rag.NewMemoryStore(3, emb),
		Configs:  staticConfigs{},
		Models:   staticModels{},
	}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.Ingest(context.Background(), "kb", "some text", rag.Metadata{rag.MetaDocumentID: "d1"})
	var ie *rag.IngestionError
	if !errors.As(err, &ie) || ie.DocumentID != "d1" || ie.CollectionID != "kb" {
		t.Fatalf("err = %v, want IngestionError for kb/d1", err)
	}
}

func TestDeletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	for _, doc := range []string{"d1", "d2"} {
		if _, err := h.o.Ingest(ctx, "kb", "alpha "+doc, rag.Metadata{rag.MetaDocumentID: doc, rag.MetaFileName: doc + ".txt"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.o.DeleteDocument(ctx, "kb", "d1"); err != nil {
		t.Fatal(err)
	}
	if h.store.Len("kb") != 1 {
		t.Errorf("after DeleteDocument: %d chunks", h.store.Len("kb"))
	}
	if _, ok := h.catalog.docs["d1"]; ok {
		t.Error("catalog still lists d1")
	}

	if err := h.o.DeleteKnowledgeBase(ctx, "kb"); err != nil {
		t.Fatal(err)
	}
	if err := h.o.DeleteKnowledgeBase(ctx, "kb"); err != nil {
		t.Errorf("second delete must be a no-op: %v", err)
	}
	if h.store.Len("kb") != 0 || len(h.catalog.docs) != 0 {
		t.Error("knowledge base not emptied")
	}
	if h.store.ensured != 3 {
		t.Errorf("EnsureSchema calls = %d, want one per delete", h.store.ensured)
	}
	if err := h.o.DeleteDocument(ctx, "kb", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing document id: %v", err)
	}
}

// ── PickBestKnowledgeBase ────────────────────────────────────────────────────

func TestPickBestKnowledgeBase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("only b has content", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, harnessOpts{})
		h.seed(t, "b", "beta content")
		id, ok, err := h.o.PickBestKnowledgeBase(ctx, []string{"a", "b"}, "anything")
		if err != nil || !ok || id != "b" {
			t.Errorf("got %q %v %v, want b", id, ok, err)
		}
		for _, k := range h.store.ks {
			if k != 1 {
				t.Errorf("search k = %d, want 1", k)
			}
		}
	})

	t.Run("neither has content", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, harnessOpts{})
		id, ok, err := h.o.PickBestKnowledgeBase(ctx, []string{"a", "b"}, "q")
		if err != nil || ok || id != "" {
			t.Errorf("got %q %v %v, want no pick", id, ok, err)
		}
	})

	t.Run("highest score wins", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, harnessOpts{})
		h.seed(t, "a", "beta stuff")
		h.seed(t, "b", "alpha stuff")
		id, ok, _ := h.o.PickBestKnowledgeBase(ctx, []string{"a", "b"}, "alpha question")
		if !ok || id != "b" {
			t.Errorf("got %q, want b", id)
		}
	})

	t.Run("no ids", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, harnessOpts{})
		if _, ok, err := h.o.PickBestKnowledgeBase(ctx, nil, "q"); ok || err != nil {
			t.Errorf("ok=%v err=%v", ok, err)
		}
	})
}

// ── Chunk ────────────────────────────────────────────────────────────────────

func TestChunk(t *testing.T) {
	t.Parallel()

	if got := Chunk("  ", 10, 2); got != nil {
		t.Errorf("blank = %v", got)
	}
	if got := Chunk("short", 10, 2); len(got) != 1 || got[0] != "short" {
		t.Errorf("short = %v", got)
	}

	text := strings.Repeat("é", 25) // multi-byte runes
	got := Chunk(text, 10, 4)
	// Starts at 0, 6, 12, 18 → last window reaches the end.
	if len(got) != 4 {
		t.Fatalf("chunks = %d, want 4", len(got))
	}
	for i, c := range got[:3] {
		if n := len([]rune(c)); n != 10 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
	}
	if n := len([]rune(got[3])); n != 7 {
		t.Errorf("last chunk has %d runes, want 7", n)
	}

	if got := Chunk(strings.Repeat("x", 30), 10, 10); len(got) == 0 {
		t.Error("overlap >= size must fall back, not loop")
	}
}

// ── metrics ──────────────────────────────────────────────────────────────────

func TestMetrics_CountTiers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, harnessOpts{})
	h.seed(t, "kb", "alpha facts")
	ctx := context.Background()

	_, _ = h.o.Query(ctx, QueryRequest{CollectionID: "kb", Question: "alpha"})
	_, _ = h.o.Query(ctx, QueryRequest{CollectionID: "none", Question: "alpha"})

	if got := testutil.ToFloat64(h.metrics.answersTotal.WithLabelValues("single", "ok")); got != 1 {
		t.Errorf("single ok = %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.answersTotal.WithLabelValues("global", "ok")); got != 1 {
		t.Errorf("global ok = %v", got)
	}
	if n, err := testutil.GatherAndCount(h.reg, "kbai_rag_retrieved_chunks"); err != nil || n != 1 {
		t.Errorf("retrieved_chunks series = %d, %v", n, err)
	}
}
