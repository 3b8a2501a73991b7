package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/model"
	"github.com/sells-group/pageindex/internal/monitoring"
	"github.com/sells-group/pageindex/internal/pipeline"
	"github.com/sells-group/pageindex/internal/resilience"
)

// routerDeps are the collaborators behind the HTTP routes. Any may be nil;
// routes whose collaborator is missing answer 503.
type routerDeps struct {
	Pipeline      *pipeline.Pipeline
	Sink          resilience.DeadLetterSink
	Metrics       *monitoring.Collector
	LookbackHours int
}

// api serves the pipeline over HTTP.
type api struct {
	routerDeps
	maxBody int64
}

// buildRouter wires the HTTP routes.
func buildRouter(d routerDeps, sc config.ServerConfig) http.Handler {
	a := &api{routerDeps: d, maxBody: sc.MaxBodyBytes}
	if a.LookbackHours <= 0 {
		a.LookbackHours = 24
	}
	if a.maxBody <= 0 {
		a.maxBody = 64 << 20
	}
	origins := sc.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/v1/metrics", a.handleMetrics)
	r.Route("/v1/indexes", func(r chi.Router) {
		r.Post("/", a.handleBuildIndex)
		r.Get("/{docID}", a.handleGetIndex)
		r.Post("/{docID}/extract", a.handleExtract)
		r.Get("/{docID}/dead-letters", a.handleDeadLetters)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if a.Metrics == nil {
		jsonError(w, "metrics unavailable", http.StatusServiceUnavailable)
		return
	}
	hours := a.LookbackHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "hours must be a positive integer", http.StatusBadRequest)
			return
		}
		hours = n
	}
	snap, err := a.Metrics.Collect(r.Context(), hours)
	if err != nil {
		jsonError(w, "collect metrics: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type buildIndexRequest struct {
	DocID   string              `json:"doc_id"`
	DocName string              `json:"doc_name"`
	Pages   []model.PageContent `json:"pages"`
}

type indexSummary struct {
	DocID          string `json:"doc_id"`
	DocName        string `json:"doc_name"`
	Mode           string `json:"mode"`
	TotalPages     int    `json:"total_pages"`
	Nodes          int    `json:"nodes"`
	StructuralHash string `json:"structural_hash"`
}

func (a *api) handleBuildIndex(w http.ResponseWriter, r *http.Request) {
	if a.Pipeline == nil {
		jsonError(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	var req buildIndexRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.DocID == "" {
		jsonError(w, "doc_id is required", http.StatusBadRequest)
		return
	}
	if err := model.ValidatePages(req.Pages); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	model.SortPages(req.Pages)
	if req.DocName == "" {
		req.DocName = req.DocID
	}

	idx, err := a.Pipeline.BuildIndex(r.Context(), req.Pages, req.DocID, req.DocName)
	if err != nil {
		zap.L().Error("build index failed", zap.String("doc_id", req.DocID), zap.Error(err))
		jsonError(w, "build index: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, indexSummary{
		DocID:          idx.DocID,
		DocName:        idx.DocName,
		Mode:           idx.Mode,
		TotalPages:     idx.TotalPages,
		Nodes:          len(idx.Nodes),
		StructuralHash: idx.StructuralHash(),
	})
}

func (a *api) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	if a.Pipeline == nil {
		jsonError(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	docID := chi.URLParam(r, "docID")
	idx, err := a.Pipeline.LoadIndex(r.Context(), docID)
	if err != nil {
		a.pipelineError(w, docID, err)
		return
	}
	writeJSON(w, http.StatusOK, idx)
}

func (a *api) handleExtract(w http.ResponseWriter, r *http.Request) {
	if a.Pipeline == nil {
		jsonError(w, "pipeline unavailable", http.StatusServiceUnavailable)
		return
	}
	docID := chi.URLParam(r, "docID")
	var catalog model.Catalog
	if !a.decode(w, r, &catalog) {
		return
	}
	if err := model.ValidateQuestions(catalog.Questions); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	report, err := a.Pipeline.Run(r.Context(), pipeline.Input{
		DocID:        docID,
		Catalog:      &catalog,
		RequireIndex: true,
	})
	if err != nil {
		a.pipelineError(w, docID, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if a.Sink == nil {
		jsonError(w, "dead-letter sink unavailable", http.StatusServiceUnavailable)
		return
	}
	filter := resilience.DeadLetterFilter{
		DocID: chi.URLParam(r, "docID"),
		Stage: r.URL.Query().Get("stage"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	letters, err := a.Sink.List(r.Context(), filter)
	if err != nil {
		jsonError(w, "list dead letters: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if letters == nil {
		letters = []resilience.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (a *api) pipelineError(w http.ResponseWriter, docID string, err error) {
	if errors.Is(err, pipeline.ErrNoIndex) {
		jsonError(w, "no index for "+docID, http.StatusNotFound)
		return
	}
	zap.L().Error("pipeline request failed", zap.String("doc_id", docID), zap.Error(err))
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
