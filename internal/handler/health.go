package handler

import (
	"context"
	"net/http"
	"time"

	"jobstore/internal/store"
	httputil "jobstore/pkg/http"
	"jobstore/pkg/logger"

	"github.com/julienschmidt/httprouter"
)

const readinessTimeout = 2 * time.Second

type HealthHandler struct {
	store store.DocumentStore
	log   *logger.Logger
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

func NewHealthHandler(s store.DocumentStore, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		store: s,
		log:   log,
	}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: "healthy"}); err != nil {
		h.log.Error("failed to write health check response", "error", err)
	}
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.log.Error("Readiness check failed: document store unreachable", "error", err)
		if writeErr := httputil.WriteJSON(w, http.StatusServiceUnavailable, HealthResponse{
			Status:   "unhealthy",
			Database: "disconnected",
		}); writeErr != nil {
			h.log.Error("failed to write readiness check response", "error", writeErr)
		}
		return
	}

	if err := httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:   "ready",
		Database: "connected",
	}); err != nil {
		h.log.Error("failed to write readiness check response", "error", err)
	}
}

func (h *HealthHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}
