package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/kbai-go/internal/prompt"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/retrieval"
	"github.com/54b3r/kbai-go/internal/sources"
	"github.com/54b3r/kbai-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	// Must exceed RequestTimeout so a timed-out query can still report 504.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// RequestTimeout bounds each query, routing and ingest call.
	// Defaults to 2 minutes if zero.
	RequestTimeout time.Duration
	// MaxBodyBytes caps the size of a request body. Defaults to 16 MiB if zero.
	MaxBodyBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// A comma-separated list accepts any of the keys, for rotation.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
	// Configs exposes GET/PUT /api/config when set.
	Configs ConfigEditor
	// Documents exposes GET /api/kb/{id}/documents when set.
	Documents DocumentLister
}

// service is the question-answering surface the handlers call.
// *retrieval.Orchestrator satisfies it; tests inject a fake.
type service interface {
	Ingest(ctx context.Context, collectionID, text string, metadata rag.Metadata) (int, error)
	Query(ctx context.Context, req retrieval.QueryRequest) (*retrieval.Answer, error)
	QueryAcrossKnowledgeBases(ctx context.Context, req retrieval.MultiQueryRequest) (*retrieval.Answer, error)
	QueryGlobal(ctx context.Context, req retrieval.GlobalRequest) (*retrieval.Answer, error)
	DeleteKnowledgeBase(ctx context.Context, collectionID string) error
	DeleteDocument(ctx context.Context, collectionID, documentID string) error
	PickBestKnowledgeBase(ctx context.Context, collectionIDs []string, question string) (string, bool, error)
}

// ConfigEditor reads and replaces the active generation config.
// *store.CachedConfig satisfies it.
type ConfigEditor interface {
	Get(ctx context.Context) (provider.GenerationConfig, error)
	Put(ctx context.Context, cfg provider.GenerationConfig) error
}

// DocumentLister lists the documents recorded for a knowledge base.
// *store.SQLiteStore satisfies it.
type DocumentLister interface {
	Documents(ctx context.Context, collectionID string) ([]store.Document, error)
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Question is the user's natural language question.
	Question string `json:"question"`
	// KnowledgeBaseIDs scopes the query. None asks the global tier, one
	// queries that knowledge base, several are merged.
	KnowledgeBaseIDs []string `json:"knowledgeBaseIds"`
	// Instructions are the caller's custom instructions.
	Instructions string `json:"instructions,omitempty"`
	// History is the prior conversation, oldest first.
	History []prompt.HistoryItem `json:"history,omitempty"`
	// PickBest routes the question to the single best-matching knowledge
	// base instead of merging across all of them.
	PickBest bool `json:"pickBest,omitempty"`
}

// queryResponse is the JSON response for POST /api/query.
type queryResponse struct {
	// Answer is the Markdown answer text.
	Answer string `json:"answer"`
	// Tier is the fallback tier that produced the answer.
	Tier retrieval.Tier `json:"tier"`
	// Sources are the cited documents or web pages.
	Sources []sources.Source `json:"sources"`
	// Flattened reports that the flattened-prompt retry produced the answer.
	Flattened bool `json:"flattened,omitempty"`
	// RoutedTo is the knowledge base chosen when PickBest was requested.
	RoutedTo string `json:"routedTo,omitempty"`
}

// routeRequest is the JSON body for POST /api/route.
type routeRequest struct {
	// Question is the text to route.
	Question string `json:"question"`
	// KnowledgeBaseIDs are the candidates.
	KnowledgeBaseIDs []string `json:"knowledgeBaseIds"`
}

// routeResponse is the JSON response for POST /api/route.
type routeResponse struct {
	// KnowledgeBaseID is the best-matching candidate, empty when none matched.
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	// Matched is false when every candidate was empty.
	Matched bool `json:"matched"`
}

// ingestDocument is one document in an ingest request. Either Text or URL
// must be set.
type ingestDocument struct {
	// Text is the document body.
	Text string `json:"text,omitempty"`
	// URL is an http(s) address fetched server-side when Text is empty.
	URL string `json:"url,omitempty"`
	// DocumentID overrides the inferred document id.
	DocumentID string `json:"documentId,omitempty"`
	// FileName is the name shown in source labels.
	FileName string `json:"fileName,omitempty"`
	// SourceURL links back to the original document.
	SourceURL string `json:"sourceUrl,omitempty"`
	// Metadata holds extra key-values attached to every chunk.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ingestRequest is the JSON body for POST /api/ingest.
type ingestRequest struct {
	// KnowledgeBaseID is the target knowledge base.
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	// Documents are ingested in order.
	Documents []ingestDocument `json:"documents"`
}

// ingestResponse is the JSON response for POST /api/ingest.
type ingestResponse struct {
	// Documents is the number of documents stored.
	Documents int `json:"documents"`
	// Chunks is the number of chunks stored.
	Chunks int `json:"chunks"`
	// Failed lists the documents that could not be ingested.
	Failed []string `json:"failed"`
}

// documentResponse is one entry of GET /api/kb/{id}/documents.
type documentResponse struct {
	// ID is the document id.
	ID string `json:"id"`
	// FileName is the recorded file name.
	FileName string `json:"fileName,omitempty"`
	// SourceURL is the recorded source URL.
	SourceURL string `json:"sourceUrl,omitempty"`
	// Chunks is the number of chunks stored.
	Chunks int `json:"chunks"`
	// IngestedAt is when the document was last ingested.
	IngestedAt time.Time `json:"ingestedAt"`
}

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	// Error is a client-safe description of the failure.
	Error string `json:"error"`
}
