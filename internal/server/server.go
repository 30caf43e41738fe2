// Package server implements the HTTP API that exposes knowledge-base
// question answering, ingestion and routing. The server is started by the
// `kbai serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/kbai-go/internal/ingestion"
	"github.com/54b3r/kbai-go/internal/logging"
	"github.com/54b3r/kbai-go/internal/provider"
	"github.com/54b3r/kbai-go/internal/rag"
	"github.com/54b3r/kbai-go/internal/retrieval"
	"github.com/54b3r/kbai-go/internal/sources"
	"github.com/54b3r/kbai-go/internal/store"
	"github.com/54b3r/kbai-go/internal/version"
)

// Server is the HTTP server that wraps the retrieval orchestrator.
type Server struct {
	// svc answers, ingests and deletes; the orchestrator in production.
	svc service
	// pipeline loads ingest request documents and feeds them to svc.
	pipeline *ingestion.Pipeline
	// cfg holds the resolved server configuration.
	cfg *Config
	// router is the chi router carrying every route and middleware.
	router chi.Router
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments for this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// New constructs a Server around orch and cfg.
func New(orch *retrieval.Orchestrator, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("server: orchestrator must not be nil")
	}
	return newServer(orch, cfg)
}

// newServer resolves defaults and builds the router. Split from New so tests
// can inject a fake service.
func newServer(svc service, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = cfg.RequestTimeout + 30*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	pipeline, err := ingestion.NewPipeline(svc, &ingestion.Config{
		MaxBytes:  cfg.MaxBodyBytes,
		UserAgent: version.UserAgent(),
	})
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Logger)

	s := &Server{
		svc:      svc,
		pipeline: pipeline,
		cfg:      cfg,
		log:      cfg.Logger,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
		stopRL:   stopRL,
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: API key not set, authentication disabled")
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return requestLogger(s.log, next) })
	r.Use(s.metrics.middleware)

	// Probes and metrics stay open so orchestrators can reach them.
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return authMiddleware(cfg.APIKey, next) })
		r.Use(rl.middleware)

		r.Post("/api/query", s.handleQuery)
		r.Post("/api/route", s.handleRoute)
		r.Post("/api/ingest", s.handleIngest)
		r.Delete("/api/kb/{id}", s.handleDeleteKnowledgeBase)
		r.Delete("/api/kb/{id}/documents/{docID}", s.handleDeleteDocument)
		if cfg.Documents != nil {
			r.Get("/api/kb/{id}/documents", s.handleListDocuments)
		}
		if cfg.Configs != nil {
			r.Get("/api/config", s.handleGetConfig)
			r.Put("/api/config", s.handlePutConfig)
		}
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the fully wired router.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleQuery handles POST /api/query. The number of knowledge base ids
// selects the tier: none asks the global tier, one or more run scoped
// retrieval with fallback.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSONError(w, "question is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	ans, routed, err := s.answer(ctx, req)
	s.metrics.observeQuery(queryKind(req), err, start)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := queryResponse{
		Answer:    ans.Text,
		Tier:      ans.Tier,
		Sources:   ans.Sources,
		Flattened: ans.Flattened,
		RoutedTo:  routed,
	}
	if resp.Sources == nil {
		resp.Sources = []sources.Source{}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// answer dispatches req to the matching orchestrator entry point. It returns
// the routed knowledge base when PickBest selected one.
func (s *Server) answer(ctx context.Context, req queryRequest) (*retrieval.Answer, string, error) {
	switch {
	case len(req.KnowledgeBaseIDs) == 0:
		ans, err := s.svc.QueryGlobal(ctx, retrieval.GlobalRequest{
			Question:     req.Question,
			Instructions: req.Instructions,
			History:      req.History,
		})
		return ans, "", err //nolint:wrapcheck // mapped to a status by writeError
	case req.PickBest && len(req.KnowledgeBaseIDs) > 1:
		id, ok, err := s.svc.PickBestKnowledgeBase(ctx, req.KnowledgeBaseIDs, req.Question)
		if err != nil {
			return nil, "", err //nolint:wrapcheck // mapped to a status by writeError
		}
		if !ok {
			ans, err := s.svc.QueryGlobal(ctx, retrieval.GlobalRequest{
				Question:     req.Question,
				Instructions: req.Instructions,
				History:      req.History,
			})
			return ans, "", err //nolint:wrapcheck // mapped to a status by writeError
		}
		ans, err := s.svc.Query(ctx, retrieval.QueryRequest{
			CollectionID: id,
			Question:     req.Question,
			Instructions: req.Instructions,
			History:      req.History,
		})
		return ans, id, err //nolint:wrapcheck // mapped to a status by writeError
	default:
		ans, err := s.svc.QueryAcrossKnowledgeBases(ctx, retrieval.MultiQueryRequest{
			CollectionIDs: req.KnowledgeBaseIDs,
			Question:      req.Question,
			Instructions:  req.Instructions,
			History:       req.History,
		})
		return ans, "", err //nolint:wrapcheck // mapped to a status by writeError
	}
}

// queryKind labels a query request for metrics.
func queryKind(req queryRequest) string {
	switch {
	case len(req.KnowledgeBaseIDs) == 0:
		return "global"
	case req.PickBest && len(req.KnowledgeBaseIDs) > 1:
		return "routed"
	case len(req.KnowledgeBaseIDs) == 1:
		return "single"
	default:
		return "multi"
	}
}

// handleRoute handles POST /api/route and reports the knowledge base whose
// best chunk is closest to the question.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" || len(req.KnowledgeBaseIDs) == 0 {
		writeJSONError(w, "question and knowledgeBaseIds are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	id, ok, err := s.svc.PickBestKnowledgeBase(ctx, req.KnowledgeBaseIDs, req.Question)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, routeResponse{KnowledgeBaseID: id, Matched: ok})
}

// handleIngest handles POST /api/ingest. Documents are ingested in order; a
// failing document is reported and the rest continue. Only inline text and
// http(s) URLs are accepted, never server-local paths.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.KnowledgeBaseID == "" {
		writeJSONError(w, "knowledgeBaseId is required", http.StatusBadRequest)
		return
	}
	if len(req.Documents) == 0 {
		writeJSONError(w, "documents must not be empty", http.StatusBadRequest)
		return
	}

	srcs := make([]ingestion.Source, 0, len(req.Documents))
	for i, d := range req.Documents {
		if d.Text == "" && !ingestion.IsURL(d.URL) {
			writeJSONError(w, fmt.Sprintf("documents[%d]: text or an http(s) url is required", i), http.StatusBadRequest)
			return
		}
		srcs = append(srcs, ingestion.Source{
			Location:   d.URL,
			Text:       d.Text,
			DocumentID: d.DocumentID,
			FileName:   d.FileName,
			SourceURL:  d.SourceURL,
			Metadata:   rag.Metadata(d.Metadata),
		})
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	log := logging.FromContext(ctx)
	rep, err := s.pipeline.Ingest(ctx, req.KnowledgeBaseID, srcs, func(msg string) {
		log.Debug("ingest progress", slog.String("kb", req.KnowledgeBaseID), slog.String("msg", msg))
	})
	s.metrics.observeIngest(rep.Documents, len(rep.Failed))
	if err != nil && rep.Documents == 0 {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		log.Warn("ingest partially failed",
			slog.String("kb", req.KnowledgeBaseID),
			slog.Int("failed", len(rep.Failed)),
			slog.Any("error", err),
		)
	}

	resp := ingestResponse{Documents: rep.Documents, Chunks: rep.Chunks, Failed: rep.Failed}
	if resp.Failed == nil {
		resp.Failed = []string{}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleDeleteKnowledgeBase handles DELETE /api/kb/{id}.
func (s *Server) handleDeleteKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteKnowledgeBase(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteDocument handles DELETE /api/kb/{id}/documents/{docID}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	err := s.svc.DeleteDocument(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "docID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListDocuments handles GET /api/kb/{id}/documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.cfg.Documents.Documents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentResponse{
			ID:         d.ID,
			FileName:   d.FileName,
			SourceURL:  d.SourceURL,
			Chunks:     d.Chunks,
			IngestedAt: d.IngestedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// handleGetConfig handles GET /api/config.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.cfg.Configs.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// handlePutConfig handles PUT /api/config. The body replaces the active
// generation config; subsequent queries pick it up immediately.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg provider.GenerationConfig
	if !s.decode(w, r, &cfg) {
		return
	}
	if err := s.cfg.Configs.Put(r.Context(), cfg); err != nil {
		s.writeError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("generation config updated",
		slog.String("provider", string(cfg.Provider)),
		slog.String("model", cfg.Model),
	)
	writeJSON(w, r, http.StatusOK, cfg)
}

// handleHealth handles GET /api/health for liveness checks. It reports the
// running build and never touches a dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

// decode reads a JSON body of at most MaxBodyBytes into v, writing a 400 and
// returning false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps err to a status code and a client-safe message.
// Configuration failures are logged in full but reported generically.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	} else {
		log.Warn("request rejected", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSONError(w, msg, status)
}

// statusFor classifies err into an HTTP status and response message.
func statusFor(err error) (int, string) {
	var (
		cfgErr  *rag.ConfigurationError
		provErr *rag.ProviderInvocationError
		ingErr  *rag.IngestionError
	)
	switch {
	case errors.Is(err, retrieval.ErrInvalidRequest), errors.Is(err, store.ErrInvalidConfig):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never seen.
		return 499, "request cancelled"
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, "service is not configured"
	case errors.Is(err, rag.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage unavailable"
	case errors.As(err, &provErr):
		return http.StatusBadGateway, "generation provider failed"
	case errors.As(err, &ingErr):
		return http.StatusUnprocessableEntity, "ingestion failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// writeJSONError writes a JSON-formatted error response with the given status code.
func writeJSONError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
