package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/davidschrooten/open-search-facade/config"
	"github.com/davidschrooten/open-search-facade/internal/content"
	"github.com/davidschrooten/open-search-facade/internal/querybuilder"
	"github.com/davidschrooten/open-search-facade/internal/search"
	"github.com/davidschrooten/open-search-facade/internal/searchservice"
	syncstate "github.com/davidschrooten/open-search-facade/internal/sync"
)

// SyncReporter exposes the indexer's per-source progress
type SyncReporter interface {
	States() map[string]syncstate.SourceState
}

// Server represents the API server
type Server struct {
	facade  *searchservice.Service
	lister  search.Lister
	syncer  SyncReporter
	config  *config.Config
	logger  *slog.Logger
	writeMu sync.Mutex // serialises writes so a bulk session never sees foreign documents
}

// NewServer creates a new API server. lister and syncer may be nil.
func NewServer(facade *searchservice.Service, lister search.Lister, syncer SyncReporter, cfg *config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		facade: facade,
		lister: lister,
		syncer: syncer,
		config: cfg,
		logger: logger,
	}
}

// Router setups the API routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if len(s.config.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/search", s.handleSearch)
		r.Get("/builders", s.handleBuilders)
		r.Get("/types", s.handleTypes)

		r.Post("/documents", s.handleIndexDocument)
		r.Post("/documents/bulk", s.handleBulkIndex)

		r.Get("/index", s.handleGetIndex)
		r.Put("/index", s.handleSetIndex)
		r.Post("/connection/reset", s.handleResetConnection)

		r.Get("/indexes", s.handleListIndexes)
		r.Delete("/indexes/{name}", s.handleRemoveIndex)
		r.Get("/sync", s.handleSyncStatus)
	})

	return r
}

type searchRequest struct {
	Builder string              `json:"builder"`
	Params  querybuilder.Params `json:"params"`
	Query   *search.Query       `json:"query,omitempty"` // raw query, bypasses builders
	From    int                 `json:"from"`
	Size    int                 `json:"size"`
	Kind    string              `json:"kind"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	if req.Size <= 0 {
		req.Size = s.config.Search.DefaultLimit
	}

	var src searchservice.QuerySource
	if req.Query != nil && len(req.Query.Clause) > 0 {
		src = *req.Query
	} else {
		builder := s.facade.QueryBuilder(req.Builder)
		if p, ok := builder.(querybuilder.Parameterized); ok {
			p.SetParams(req.Params)
		}
		src = builder
	}

	results, err := s.facade.Query(src, req.From, req.Size, req.Kind)
	if err != nil {
		s.logger.Error("search failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "search failed")
		return
	}

	page, err := results.Results(r.Context())
	if err != nil {
		s.logger.Error("search failed", "error", err)
		errorResponse(w, statusFor(err), "search failed")
		return
	}

	body := map[string]interface{}{
		"index":    s.facade.IndexName(),
		"offset":   results.Offset(),
		"limit":    results.PageLimit(),
		"total":    page.Total,
		"maxScore": page.MaxScore,
		"hits":     page.Hits,
	}
	if len(page.Facets) > 0 {
		body["facets"] = page.Facets
	}
	if paginated, ok := results.(*searchservice.PaginatedList); ok {
		pages, _ := paginated.TotalPages(r.Context())
		body["page"] = paginated.CurrentPage()
		body["totalPages"] = pages
	}

	response(w, http.StatusOK, body)
}

func (s *Server) handleBuilders(w http.ResponseWriter, r *http.Request) {
	response(w, http.StatusOK, map[string]interface{}{
		"builders":    s.facade.QueryBuilderNames(),
		"resultKinds": s.facade.ResultKinds(),
	})
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	types := s.facade.IndexedTypes()
	if types == nil {
		types = []string{}
	}
	response(w, http.StatusOK, map[string]interface{}{
		"types": types,
	})
}

func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	var item content.Item
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request payload")
		return
	}
	if !s.facade.IsIndexedType(item.Type) {
		errorResponse(w, http.StatusUnprocessableEntity, "content type is not searchable")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	resp, err := s.facade.Index(r.Context(), content.NewItem(item.Type, item.ID, item.Fields))
	if err != nil {
		s.logger.Error("index document failed", "type", item.Type, "id", item.ID, "error", err)
		errorResponse(w, statusFor(err), err.Error())
		return
	}

	response(w, http.StatusCreated, resp)
}

func (s *Server) handleBulkIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Documents []content.Item `json:"documents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rejected := make([]string, 0)
	s.facade.StartBulkIndex()
	for _, doc := range req.Documents {
		if !s.facade.IsIndexedType(doc.Type) {
			rejected = append(rejected, doc.ID)
			continue
		}
		_, _ = s.facade.Index(r.Context(), content.NewItem(doc.Type, doc.ID, doc.Fields))
	}
	buffered := s.facade.BufferedCount()

	if err := s.facade.EndBulkIndex(r.Context()); err != nil {
		body := map[string]interface{}{"error": err.Error()}
		var bulkErr *search.BulkError
		if errors.As(err, &bulkErr) {
			failed := make([]string, len(bulkErr.Failures))
			for i, f := range bulkErr.Failures {
				failed[i] = f.ID
			}
			body["failed"] = failed
		}
		response(w, statusFor(err), body)
		return
	}

	if !s.facade.IsConnected() {
		response(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error":     "search backend unreachable",
			"connected": false,
		})
		return
	}

	response(w, http.StatusOK, map[string]interface{}{
		"indexed":  buffered,
		"rejected": rejected,
		"index":    s.facade.IndexName(),
	})
}

func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	response(w, http.StatusOK, map[string]interface{}{
		"index":     s.facade.IndexName(),
		"connected": s.facade.IsConnected(),
	})
}

func (s *Server) handleSetIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index string `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.facade.SetIndexName(req.Index); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("index handle changed", "index", req.Index)
	response(w, http.StatusOK, map[string]interface{}{
		"index": s.facade.IndexName(),
	})
}

func (s *Server) handleResetConnection(w http.ResponseWriter, r *http.Request) {
	s.facade.ResetConnection()
	response(w, http.StatusOK, map[string]interface{}{
		"connected": s.facade.IsConnected(),
	})
}

func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	if s.lister == nil {
		errorResponse(w, http.StatusNotImplemented, "backend cannot list indexes")
		return
	}

	indexes, err := s.lister.ListIndexes()
	if err != nil {
		s.logger.Error("list indexes failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to list indexes")
		return
	}

	response(w, http.StatusOK, map[string]interface{}{
		"indexes": indexes,
		"total":   len(indexes),
	})
}

func (s *Server) handleRemoveIndex(w http.ResponseWriter, r *http.Request) {
	remover, ok := s.lister.(search.Remover)
	if !ok {
		errorResponse(w, http.StatusNotImplemented, "backend cannot remove indexes")
		return
	}

	name := chi.URLParam(r, "name")

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if name == s.facade.IndexName() {
		errorResponse(w, http.StatusConflict, "cannot remove the active index")
		return
	}

	if err := remover.RemoveIndex(name); err != nil {
		if errors.Is(err, search.ErrIndexNotFound) {
			errorResponse(w, http.StatusNotFound, "index not found")
			return
		}
		s.logger.Error("remove index failed", "index", name, "error", err)
		errorResponse(w, http.StatusInternalServerError, "failed to remove index")
		return
	}

	s.logger.Info("index removed", "index", name)
	response(w, http.StatusOK, map[string]interface{}{
		"removed": name,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		errorResponse(w, http.StatusNotFound, "sync is disabled")
		return
	}

	response(w, http.StatusOK, map[string]interface{}{
		"sources": s.syncer.States(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		errorResponse(w, http.StatusServiceUnavailable, "search service not initialized")
		return
	}

	if _, err := s.facade.GetIndex(); err != nil {
		s.logger.Warn("readiness check failed, cannot resolve index", "index", s.facade.IndexName(), "error", err)
		errorResponse(w, http.StatusServiceUnavailable, "search index not available")
		return
	}

	if !s.facade.IsConnected() {
		errorResponse(w, http.StatusServiceUnavailable, "search backend unreachable")
		return
	}

	response(w, http.StatusOK, map[string]interface{}{
		"status": "ready",
		"index":  s.facade.IndexName(),
	})
}

// statusFor maps backend faults onto HTTP status codes
func statusFor(err error) int {
	switch search.Classify(err) {
	case search.FaultConnection:
		return http.StatusServiceUnavailable
	case search.FaultBulk:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	response(w, status, map[string]interface{}{
		"error": message,
	})
}

func response(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("unable to encode response", "error", err)
	}
}
