// Package retrieval implements the question-answering pipeline: scoped vector
// retrieval over one or more knowledge bases, prompt assembly, generation,
// and the fallback chain single collection → merged collections → global
// knowledge (optionally web-search augmented).
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/prompt"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/sources"
	"github.com/54b3r/kbai-go/internal/store"
)

// Top-k bounds for a single-collection search.
const (
	DefaultTopK = 4
	MinTopK     = 2
	MaxTopK     = 12

	// maxPerCollectionK caps each branch of a multi-collection fetch.
	maxPerCollectionK = 8
)

// ErrInvalidRequest is returned for requests missing a required field.
var ErrInvalidRequest = errors.New("retrieval: invalid request")

// Tier identifies the fallback tier that produced an answer.
type Tier string

const (
	// TierSingle answered from one knowledge base.
	TierSingle Tier = "single"
	// TierMerged answered from results merged across knowledge bases.
	TierMerged Tier = "merged"
	// TierGlobal answered from the model's general knowledge.
	TierGlobal Tier = "global"
	// TierWebSearch answered from general knowledge augmented by web search.
	TierWebSearch Tier = "web_search"
)

// ConfigSource yields the current generation config.
type ConfigSource interface {
	Get(ctx context.Context) (provider.GenerationConfig, error)
}

// ModelSource builds (or returns the cached) model for a config.
type ModelSource interface {
	Model(ctx context.Context, cfg provider.GenerationConfig) (*provider.Model, error)
}

// WebSearcher answers a question with web search enabled.
type WebSearcher interface {
	Search(ctx context.Context, req provider.WebSearchRequest) (provider.WebSearchResult, error)
}

// Catalog records ingested documents and resolves their file names.
type Catalog interface {
	RecordDocument(ctx context.Context, doc store.Document) error
	DocumentName(ctx context.Context, documentID string) (string, error)
	ForgetDocument(ctx context.Context, collectionID, documentID string) error
	ForgetCollection(ctx context.Context, collectionID string) error
}

// Config holds the orchestrator tunables. Zero values select defaults.
type Config struct {
	// TopK is the number of chunks retrieved per query, clamped to
	// [MinTopK, MaxTopK]. Zero selects DefaultTopK.
	TopK int

	// InstructionsMaxChars caps knowledge-base instructions. Zero selects
	// prompt.DefaultInstructionsMaxChars.
	InstructionsMaxChars int

	// Offline disables web search in the global tier.
	Offline bool

	// ChunkSize is the ingestion window in runes.
	ChunkSize int

	// ChunkOverlap is the overlap between consecutive windows in runes.
	ChunkOverlap int

	// MaxContextTokens drops the oldest history turns until the prompt
	// fits. Zero disables the budget.
	MaxContextTokens int

	// Timeout bounds each query end to end. Zero leaves the caller's
	// context untouched.
	Timeout time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	// Embedder embeds questions and chunks. Required.
	Embedder rag.Embedder

	// Store holds the chunks of every knowledge base. Required.
	Store rag.VectorStore

	// Configs supplies the generation config. Required.
	Configs ConfigSource

	// Models builds generation models. Required.
	Models ModelSource

	// Web enables the web-search tier. Nil disables it.
	Web WebSearcher

	// Catalog resolves document names and records ingests. Optional.
	Catalog Catalog

	// Metrics records query outcomes. Optional.
	Metrics *Metrics
}

// Orchestrator is the top-level retrieval-and-answer pipeline. It is safe
// for concurrent use.
type Orchestrator struct {
	// retriever embeds questions and runs scoped searches.
	retriever *rag.Retriever
	// configs supplies the generation config.
	configs ConfigSource
	// models builds generation models.
	models ModelSource
	// web is nil when web search is not configured.
	web WebSearcher
	// catalog is nil when no document catalog is configured.
	catalog Catalog
	// metrics is nil when metrics are disabled.
	metrics *Metrics
	// cfg holds the resolved tunables.
	cfg Config
}

// New constructs an Orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	r, err := rag.NewRetriever(deps.Embedder, deps.Store)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	if deps.Configs == nil {
		return nil, fmt.Errorf("retrieval: config source must not be nil")
	}
	if deps.Models == nil {
		return nil, fmt.Errorf("retrieval: model source must not be nil")
	}
	cfg.TopK = EffectiveTopK(cfg.TopK)
	if cfg.InstructionsMaxChars <= 0 {
		cfg.InstructionsMaxChars = prompt.DefaultInstructionsMaxChars
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = min(DefaultChunkOverlap, cfg.ChunkSize/5)
	}
	return &Orchestrator{
		retriever: r,
		configs:   deps.Configs,
		models:    deps.Models,
		web:       deps.Web,
		catalog:   deps.Catalog,
		metrics:   deps.Metrics,
		cfg:       cfg,
	}, nil
}

// EffectiveTopK clamps k to [MinTopK, MaxTopK]; k <= 0 selects DefaultTopK.
func EffectiveTopK(k int) int {
	if k <= 0 {
		k = DefaultTopK
	}
	return clamp(k, MinTopK, MaxTopK)
}

// PerCollectionK is the per-branch k of a multi-collection fetch:
// ceil(2*topK/n) clamped to [MinTopK, 8].
func PerCollectionK(topK, n int) int {
	if n <= 0 {
		return MinTopK
	}
	k := int(math.Ceil(2 * float64(topK) / float64(n)))
	return clamp(k, MinTopK, maxPerCollectionK)
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// QueryRequest asks a question of one knowledge base.
type QueryRequest struct {
	// CollectionID is the knowledge base to search.
	CollectionID string
	// Question is the user's question.
	Question string
	// Instructions are the knowledge base's custom instructions.
	Instructions string
	// History is the prior conversation, oldest first.
	History []prompt.HistoryItem
}

// MultiQueryRequest asks a question across several knowledge bases.
type MultiQueryRequest struct {
	// CollectionIDs are the knowledge bases to search; duplicates are ignored.
	CollectionIDs []string
	// Question is the user's question.
	Question string
	// Instructions apply to the merged answer.
	Instructions string
	// History is the prior conversation, oldest first.
	History []prompt.HistoryItem
}

// GlobalRequest asks a question with no knowledge-base scope.
type GlobalRequest struct {
	// Question is the user's question.
	Question string
	// Instructions are optional caller instructions.
	Instructions string
	// History is the prior conversation, oldest first.
	History []prompt.HistoryItem
}

// Answer is the result of a query.
type Answer struct {
	// Text is the Markdown answer, including any trailing Sources section.
	Text string `json:"answer"`

	// Tier is the fallback tier that produced the answer.
	Tier Tier `json:"tier"`

	// Sources are the cited documents or web pages, in citation order.
	Sources []sources.Source `json:"sources,omitempty"`

	// Flattened is true when the flattened-prompt retry produced the text.
	Flattened bool `json:"flattened,omitempty"`
}

// Ingest chunks text, attaches metadata to every chunk, embeds and stores
// the chunks in collectionID. It returns the number of chunks stored. Any
// failure is an *rag.IngestionError.
func (o *Orchestrator) Ingest(ctx context.Context, collectionID, text string, metadata rag.Metadata) (int, error) {
	docID := metadata.DocumentID()
	fail := func(err error) (int, error) {
		return 0, &rag.IngestionError{CollectionID: collectionID, DocumentID: docID, Err: err}
	}
	if collectionID == "" {
		return fail(fmt.Errorf("%w: collection id is required", ErrInvalidRequest))
	}

	pieces := Chunk(text, o.cfg.ChunkSize, o.cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return 0, nil
	}
	chunks := make([]rag.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = rag.Chunk{CollectionID: collectionID, Content: p, Metadata: metadata.Clone()}
	}
	if err := o.retriever.Store().Insert(ctx, collectionID, chunks); err != nil {
		return fail(err)
	}

	log := logging.FromContext(ctx)
	if o.catalog != nil && docID != "" {
		err := o.catalog.RecordDocument(ctx, store.Document{
			ID:           docID,
			CollectionID: collectionID,
			FileName:     metadata.FileName(),
			SourceURL:    metadata.SourceURL(),
			Chunks:       len(chunks),
		})
		if err != nil {
			log.Warn("retrieval: catalog record failed", slog.String("document_id", docID), slog.String("error", err.Error()))
		}
	}
	log.Info("retrieval: ingested document",
		slog.String("collection_id", collectionID),
		slog.String("document_id", docID),
		slog.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

// Query answers from one knowledge base, falling back to QueryGlobal with
// the same arguments when the knowledge base has no matching chunks.
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest) (ans *Answer, err error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { o.metrics.observeAnswer(ans, err, start) }()
	defer func() { err = deadline(ctx, err) }()

	if req.CollectionID == "" {
		return nil, fmt.Errorf("%w: collection id is required", ErrInvalidRequest)
	}
	return o.query(ctx, req)
}

// query is Query without the timeout and metrics wrapper.
func (o *Orchestrator) query(ctx context.Context, req QueryRequest) (*Answer, error) {
	if req.Question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	results, err := o.retriever.Retrieve(ctx, req.CollectionID, req.Question, o.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	o.metrics.observeRetrieval("single", len(results))
	if len(results) == 0 {
		logging.FromContext(ctx).Info("retrieval: no chunks matched, using global tier",
			slog.String("collection_id", req.CollectionID))
		return o.queryGlobal(ctx, GlobalRequest{Question: req.Question, Instructions: req.Instructions, History: req.History})
	}
	return o.answerScoped(ctx, TierSingle, results, req.Question, req.Instructions, req.History, "")
}

// QueryAcrossKnowledgeBases answers from the merged top results of several
// knowledge bases. Zero ids use the global tier and one id behaves as Query.
// Otherwise each collection is searched concurrently with
// PerCollectionK(topK, n), results are merged by score and the global topK
// kept; an empty merge falls back to the global tier.
func (o *Orchestrator) QueryAcrossKnowledgeBases(ctx context.Context, req MultiQueryRequest) (ans *Answer, err error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { o.metrics.observeAnswer(ans, err, start) }()
	defer func() { err = deadline(ctx, err) }()

	if req.Question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	ids := dedup(req.CollectionIDs)
	switch len(ids) {
	case 0:
		return o.queryGlobal(ctx, GlobalRequest{Question: req.Question, Instructions: req.Instructions, History: req.History})
	case 1:
		return o.query(ctx, QueryRequest{CollectionID: ids[0], Question: req.Question, Instructions: req.Instructions, History: req.History})
	}

	vec, err := o.retriever.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	branches, err := o.searchEach(ctx, ids, vec, PerCollectionK(o.cfg.TopK, len(ids)))
	if err != nil {
		return nil, err
	}
	merged := Merge(branches, o.cfg.TopK)
	o.metrics.observeRetrieval("merged", len(merged))
	if len(merged) == 0 {
		logging.FromContext(ctx).Info("retrieval: no chunks matched in any collection, using global tier",
			slog.Int("collections", len(ids)))
		return o.queryGlobal(ctx, GlobalRequest{Question: req.Question, Instructions: req.Instructions, History: req.History})
	}
	return o.answerScoped(ctx, TierMerged, merged, req.Question, req.Instructions, req.History, prompt.MultiCollectionNote)
}

// searchEach runs one k-limited search per collection concurrently. Each
// branch writes only its own slot and tags its own results.
func (o *Orchestrator) searchEach(ctx context.Context, ids []string, vec []float32, k int) ([][]rag.RetrievalResult, error) {
	out := make([][]rag.RetrievalResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			res, err := o.retriever.SearchVector(gctx, id, vec, k)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return out, nil
}

// Merge flattens per-collection results in collection order, sorts them by
// score descending (stable, so equal scores keep that order) and keeps at
// most topK.
func Merge(branches [][]rag.RetrievalResult, topK int) []rag.RetrievalResult {
	var all []rag.RetrievalResult
	for _, b := range branches {
		all = append(all, b...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > topK {
		all = all[:topK]
	}
	return all
}

// QueryGlobal answers without knowledge-base context. When the configured
// provider is OpenAI, a web searcher is configured and offline mode is off,
// the answer is web-search augmented and its citations are appended.
// Otherwise the model answers from general knowledge with no sources.
func (o *Orchestrator) QueryGlobal(ctx context.Context, req GlobalRequest) (ans *Answer, err error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	defer func() { o.metrics.observeAnswer(ans, err, start) }()
	defer func() { err = deadline(ctx, err) }()

	if req.Question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	return o.queryGlobal(ctx, req)
}

// queryGlobal is QueryGlobal without the timeout and metrics wrapper.
func (o *Orchestrator) queryGlobal(ctx context.Context, req GlobalRequest) (*Answer, error) {
	rules := prompt.GlobalSystemRules(prompt.TrimInstructions(req.Instructions, o.cfg.InstructionsMaxChars))
	genCfg, err := o.configs.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieval: read generation config: %w", err)
	}

	if o.webSearchEnabled(genCfg) {
		res, err := o.web.Search(ctx, provider.WebSearchRequest{
			SystemRules: rules,
			History:     prompt.HistoryMessages(req.History),
			Question:    req.Question,
			Config:      genCfg,
		})
		if err != nil {
			return nil, err //nolint:wrapcheck // typed ProviderInvocationError
		}
		srcs := sources.FromCitations(res.Citations)
		return &Answer{Text: res.Answer + sources.FormatSection(srcs), Tier: TierWebSearch, Sources: srcs}, nil
	}

	msgs := prompt.GlobalMessages(prompt.Input{
		SystemRules:      rules,
		History:          req.History,
		Question:         req.Question,
		MaxContextTokens: o.cfg.MaxContextTokens,
	})
	res, err := o.generate(ctx, genCfg, msgs)
	if err != nil {
		return nil, err
	}
	return &Answer{Text: res.Text, Tier: TierGlobal, Flattened: res.Flattened}, nil
}

// webSearchEnabled reports whether the global tier should use web search.
func (o *Orchestrator) webSearchEnabled(cfg provider.GenerationConfig) bool {
	return cfg.Provider == provider.ProviderOpenAI && o.web != nil && !o.cfg.Offline
}

// answerScoped builds sources and the grounded prompt from results, calls
// the model and appends the Sources section.
func (o *Orchestrator) answerScoped(ctx context.Context, tier Tier, results []rag.RetrievalResult, question, instructions string, history []prompt.HistoryItem, extra string) (*Answer, error) {
	srcs, contextBlock := sources.Build(results, o.nameLookup(ctx))
	msgs := prompt.Messages(prompt.Input{
		SystemRules:      prompt.SystemRules(prompt.TrimInstructions(instructions, o.cfg.InstructionsMaxChars)),
		ExtraSystem:      extra,
		History:          history,
		Context:          contextBlock,
		Question:         question,
		MaxContextTokens: o.cfg.MaxContextTokens,
	})

	genCfg, err := o.configs.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieval: read generation config: %w", err)
	}
	res, err := o.generate(ctx, genCfg, msgs)
	if err != nil {
		return nil, err
	}
	return &Answer{
		Text:      res.Text + sources.FormatSection(srcs),
		Tier:      tier,
		Sources:   srcs,
		Flattened: res.Flattened,
	}, nil
}

// generate resolves the model for cfg and runs it with the flattened retry.
func (o *Orchestrator) generate(ctx context.Context, cfg provider.GenerationConfig, msgs []*schema.Message) (provider.Result, error) {
	m, err := o.models.Model(ctx, cfg)
	if err != nil {
		return provider.Result{}, err //nolint:wrapcheck // typed ConfigurationError
	}
	return provider.Generate(ctx, m, msgs) //nolint:wrapcheck // typed ProviderInvocationError
}

// nameLookup resolves document names through the catalog, memoized for one
// query. Catalog failures degrade to "unknown name".
func (o *Orchestrator) nameLookup(ctx context.Context) sources.NameLookup {
	if o.catalog == nil {
		return nil
	}
	var mu sync.Mutex
	memo := map[string]string{}
	return func(documentID string) string {
		mu.Lock()
		defer mu.Unlock()
		if name, ok := memo[documentID]; ok {
			return name
		}
		name, err := o.catalog.DocumentName(ctx, documentID)
		if err != nil {
			logging.FromContext(ctx).Debug("retrieval: document name lookup failed",
				slog.String("document_id", documentID), slog.String("error", err.Error()))
		}
		memo[documentID] = name
		return name
	}
}

// DeleteKnowledgeBase removes every chunk of collectionID. Idempotent.
func (o *Orchestrator) DeleteKnowledgeBase(ctx context.Context, collectionID string) error {
	if collectionID == "" {
		return fmt.Errorf("%w: collection id is required", ErrInvalidRequest)
	}
	st := o.retriever.Store()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := st.DeleteCollection(ctx, collectionID); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if o.catalog != nil {
		if err := o.catalog.ForgetCollection(ctx, collectionID); err != nil {
			logging.FromContext(ctx).Warn("retrieval: catalog cleanup failed",
				slog.String("collection_id", collectionID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// DeleteDocument removes the chunks of one document from collectionID.
func (o *Orchestrator) DeleteDocument(ctx context.Context, collectionID, documentID string) error {
	if collectionID == "" || documentID == "" {
		return fmt.Errorf("%w: collection id and document id are required", ErrInvalidRequest)
	}
	st := o.retriever.Store()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := st.DeleteDocument(ctx, collectionID, documentID); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if o.catalog != nil {
		if err := o.catalog.ForgetDocument(ctx, collectionID, documentID); err != nil {
			logging.FromContext(ctx).Warn("retrieval: catalog cleanup failed",
				slog.String("document_id", documentID), slog.String("error", err.Error()))
		}
	}
	return nil
}

// PickBestKnowledgeBase embeds question once, runs a k=1 search in every
// collection concurrently and returns the collection holding the single
// best-scoring chunk. ok is false when no collection has any content.
// Equal scores resolve to the earlier id.
func (o *Orchestrator) PickBestKnowledgeBase(ctx context.Context, collectionIDs []string, question string) (id string, ok bool, err error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	defer func() { err = deadline(ctx, err) }()

	ids := dedup(collectionIDs)
	if len(ids) == 0 {
		return "", false, nil
	}
	if question == "" {
		return "", false, fmt.Errorf("%w: question is required", ErrInvalidRequest)
	}
	vec, err := o.retriever.EmbedQuery(ctx, question)
	if err != nil {
		return "", false, fmt.Errorf("retrieval: %w", err)
	}
	branches, err := o.searchEach(ctx, ids, vec, 1)
	if err != nil {
		return "", false, err
	}

	best := math.Inf(-1)
	for i, res := range branches {
		if len(res) == 0 {
			continue
		}
		if res[0].Score > best {
			best, id, ok = res[0].Score, ids[i], true
		}
	}
	return id, ok, nil
}

// withTimeout applies cfg.Timeout when set.
func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, o.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// deadline makes a cancelled or expired ctx visible in err's chain so
// callers can match it with errors.Is regardless of how the failing client
// reported it.
func deadline(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil || errors.Is(err, ctx.Err()) {
		return err
	}
	return fmt.Errorf("%w: %w", ctx.Err(), err)
}

// dedup returns ids without blanks or repeats, in first-seen order.
func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
