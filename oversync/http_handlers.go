// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/mobiletoly/go-overledger/internal/auth"
	"github.com/mobiletoly/go-overledger/ledger"
)

const maxRequestBytes = 1 << 20

// HTTPHandlers exposes LedgerService over REST
type HTTPHandlers struct {
	service  *LedgerService
	logger   *slog.Logger
	validate *validator.Validate
}

func NewHTTPHandlers(service *LedgerService, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:  service,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router mounts the API. Everything under /v1 goes through authn; metrics
// may be nil.
func (h *HTTPHandlers) Router(authn func(http.Handler) http.Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", h.HandleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/"+APIVersion, func(r chi.Router) {
		r.Use(authn)
		r.Get("/{collection}", h.HandleList)
		r.Post("/{collection}", h.HandleCreate)
		r.Patch("/{collection}/{id}", h.HandleUpdate)
		r.Delete("/{collection}/{id}", h.HandleDelete)
	})
	return r
}

// HandleHealth reports liveness of the service and its store
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: "healthy", Version: APIVersion, AppName: h.service.config.AppName}
	status := http.StatusOK
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *HTTPHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	ownerID, kind, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	items, err := h.service.List(r.Context(), ownerID, kind)
	if err != nil {
		h.writeServiceError(w, r, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Items: items})
}

// HandleCreate answers 201 for a new entity and 200 for a replayed client_id
func (h *HTTPHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ownerID, kind, ok := h.requestScope(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse create request")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	entity, created, err := h.service.Create(r.Context(), ownerID, kind, req.ClientID, req.Fields)
	if err != nil {
		h.writeServiceError(w, r, "create", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entity)
}

func (h *HTTPHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ownerID, kind, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	patch, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil || !json.Valid(patch) {
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse patch")
		return
	}

	entity, err := h.service.Update(r.Context(), ownerID, kind, id, patch)
	if err != nil {
		h.writeServiceError(w, r, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (h *HTTPHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, kind, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), ownerID, kind, chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestScope resolves the authenticated owner and the collection's kind
func (h *HTTPHandlers) requestScope(w http.ResponseWriter, r *http.Request) (string, ledger.Kind, bool) {
	ownerID, ok := auth.GetOwnerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication_failed", "missing owner identity")
		return "", "", false
	}
	kind, ok := CollectionKind(chi.URLParam(r, "collection"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown collection")
		return "", "", false
	}
	return ownerID, kind, true
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, errServiceClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		h.logger.Error("Request failed", "op", op, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, op+"_failed", "Internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}
