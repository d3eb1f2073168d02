// Package api provides HTTP handlers for the management API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pressmux/pressmux/internal/core/site"
	"github.com/pressmux/pressmux/internal/shell/api/openapi"
	"github.com/pressmux/pressmux/internal/shell/engine"
	"github.com/pressmux/pressmux/internal/shell/lifecycle"
	"github.com/pressmux/pressmux/internal/shell/store"
)

const (
	// maxDumpBytes caps an uploaded database dump. The dump is held in
	// memory for the URL rewrite, so the cap also bounds that.
	maxDumpBytes = 512 << 20

	// multipartMemory is the in-memory threshold for multipart parsing;
	// larger uploads spill to temp files.
	multipartMemory = 32 << 20
)

// =============================================================================
// Handler
// =============================================================================

// SiteService is the slice of the lifecycle controller the handlers
// drive.
type SiteService interface {
	CreateSite(ctx context.Context, req lifecycle.CreateSiteRequest) (*site.Site, error)
	DeleteSite(ctx context.Context, name, domain string) error
	GetSite(ctx context.Context, name string) (*site.Site, error)
	ListSites(ctx context.Context, opts store.ListOptions) ([]site.Site, error)
	ImportDatabaseDump(ctx context.Context, name string, dump []byte, sourceURL, targetURL string) error
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	sites   SiteService
	docker  engine.Client
	openapi *openapi.Generator
	logger  *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(sites SiteService, d engine.Client, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}

	gen := openapi.NewGenerator()
	gen.RegisterResource(openapi.ResourceInfo{
		Name:           "sites",
		IDParam:        "name",
		Model:          SiteResponse{},
		ListModel:      ListSitesResponse{},
		CreateModel:    CreateSiteRequest{},
		SupportsList:   true,
		SupportsGet:    true,
		SupportsCreate: true,
		SupportsDelete: true,
		Actions: []openapi.ActionInfo{
			{
				Name:      "import",
				Summary:   "Import a database dump",
				Model:     ImportDatabaseForm{},
				Response:  ImportDatabaseResponse{},
				Multipart: true,
			},
		},
	})

	return &Handler{
		sites:   sites,
		docker:  d,
		openapi: gen,
		logger:  l,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.openapi.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sites", func(r chi.Router) {
			r.Post("/", h.handleCreateSite)
			r.Get("/", h.handleListSites)
			r.Get("/{name}", h.handleGetSite)
			r.Delete("/{name}", h.handleDeleteSite)
			r.Post("/{name}/import", h.handleImportDatabase)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	// Check database (implicit - if we got here, the store was opened)
	checks["database"] = "ok"

	// Check Docker
	if err := h.docker.Ping(); err != nil {
		checks["docker"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			Checks: checks,
		})
		return
	}
	checks["docker"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Site Handlers
// =============================================================================

func (h *Handler) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req CreateSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	s, err := h.sites.CreateSite(r.Context(), lifecycle.CreateSiteRequest{
		Name:      req.Name,
		Domain:    req.Domain,
		ThemeSlug: req.ThemeSlug,
		Files:     req.Files,
	})
	if err != nil {
		h.writeLifecycleError(w, err, "create site")
		return
	}

	h.writeJSON(w, http.StatusCreated, h.siteToResponse(s))
}

func (h *Handler) handleGetSite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s, err := h.sites.GetSite(r.Context(), name)
	if err != nil {
		h.writeLifecycleError(w, err, "get site")
		return
	}

	h.writeJSON(w, http.StatusOK, h.siteToResponse(s))
}

func (h *Handler) handleListSites(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}

	sites, err := h.sites.ListSites(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list sites", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list sites", "internal_error")
		return
	}

	resp := ListSitesResponse{
		Sites:  make([]SiteResponse, 0, len(sites)),
		Total:  len(sites),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range sites {
		resp.Sites = append(resp.Sites, h.siteToResponse(&sites[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	domain := r.URL.Query().Get("domain")

	if err := h.sites.DeleteSite(r.Context(), name, domain); err != nil {
		h.writeLifecycleError(w, err, "delete site")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Import Handler
// =============================================================================

func (h *Handler) handleImportDatabase(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	r.Body = http.MaxBytesReader(w, r.Body, maxDumpBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "dump exceeds the upload limit", "dump_too_large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid multipart form", "validation_error")
		return
	}

	file, _, err := r.FormFile("dump")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "dump file is required", "validation_error")
		return
	}
	defer file.Close()

	dump, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read dump file", "validation_error")
		return
	}

	sourceURL := r.FormValue("source_url")
	targetURL := r.FormValue("target_url")
	if (sourceURL == "") != (targetURL == "") {
		h.writeError(w, http.StatusBadRequest, "source_url and target_url must be provided together", "validation_error")
		return
	}

	if err := h.sites.ImportDatabaseDump(r.Context(), name, dump, sourceURL, targetURL); err != nil {
		h.writeLifecycleError(w, err, "import database")
		return
	}

	h.writeJSON(w, http.StatusOK, ImportDatabaseResponse{
		Site:   name,
		Status: "imported",
		Bytes:  int64(len(dump)),
	})
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeLifecycleError maps the operation error taxonomy onto HTTP
// responses. Mapped errors pass their message through; anything
// unrecognized is logged and hidden behind a generic 500.
func (h *Handler) writeLifecycleError(w http.ResponseWriter, err error, action string) {
	status, code := statusForError(err)
	if code == "internal_error" {
		h.logger.Error(action+" failed", "error", err)
		h.writeError(w, status, "internal error", code)
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(action+" failed", "error", err)
	}
	h.writeError(w, status, err.Error(), code)
}

// statusForError classifies a lifecycle error.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, site.ErrInvalidName),
		errors.Is(err, site.ErrInvalidDomain),
		errors.Is(err, lifecycle.ErrInvalidThemeSlug):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, lifecycle.ErrSiteNotFound):
		return http.StatusNotFound, "site_not_found"
	case errors.Is(err, lifecycle.ErrSiteExists):
		return http.StatusConflict, "site_exists"
	case errors.Is(err, lifecycle.ErrPortExhaustion):
		return http.StatusServiceUnavailable, "port_exhaustion"
	case errors.Is(err, lifecycle.ErrStackStartFailure),
		errors.Is(err, lifecycle.ErrReadinessTimeout),
		errors.Is(err, lifecycle.ErrVhostValidationFailure):
		return http.StatusBadGateway, "provision_failed"
	case errors.Is(err, lifecycle.ErrSearchReplaceFailure):
		return http.StatusBadGateway, "rewrite_failed"
	case errors.Is(err, lifecycle.ErrImportFailure):
		return http.StatusBadGateway, "import_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) siteToResponse(s *site.Site) SiteResponse {
	return SiteResponse{
		Name:         s.Name,
		Domain:       s.Domain,
		Status:       string(s.Status),
		Port:         s.Port,
		Path:         s.Path,
		ThemeSlug:    s.ThemeSlug,
		DBName:       s.DBName,
		DBUser:       s.DBUser,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
