package handler

import (
	"context"
	"net/http"

	"jobstore/internal/monitor"
	httputil "jobstore/pkg/http"
	"jobstore/pkg/logger"

	"github.com/julienschmidt/httprouter"
)

type QueueHandler struct {
	monitor *monitor.QueueMonitor
	log     *logger.Logger
}

func NewQueueHandler(m *monitor.QueueMonitor, log *logger.Logger) *QueueHandler {
	return &QueueHandler{
		monitor: m,
		log:     log,
	}
}

func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stats, err := h.monitor.Statistics(r.Context())
	if err != nil {
		h.writeError(w, "List", err)
		return
	}

	if err := httputil.WriteSuccess(w, stats); err != nil {
		h.log.Error("failed to write success response", "handler", "List", "operation", "WriteSuccess", "error", err)
	}
}

func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")

	enqueued, err := h.monitor.EnqueuedCount(r.Context(), name)
	if err != nil {
		h.writeError(w, "Get", err)
		return
	}
	fetched, err := h.monitor.FetchedCount(r.Context(), name)
	if err != nil {
		h.writeError(w, "Get", err)
		return
	}

	stats := monitor.QueueStats{Name: name, Enqueued: enqueued, Fetched: fetched}
	if err := httputil.WriteSuccess(w, stats); err != nil {
		h.log.Error("failed to write success response", "handler", "Get", "operation", "WriteSuccess", "error", err)
	}
}

func (h *QueueHandler) Enqueued(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.jobIDs(w, r, ps.ByName("name"), "Enqueued", h.monitor.EnqueuedCount, h.monitor.EnqueuedJobIDs)
}

func (h *QueueHandler) Fetched(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.jobIDs(w, r, ps.ByName("name"), "Fetched", h.monitor.FetchedCount, h.monitor.FetchedJobIDs)
}

type (
	countFunc func(ctx context.Context, queue string) (int64, error)
	listFunc  func(ctx context.Context, queue string, from, perPage int) ([]string, error)
)

func (h *QueueHandler) jobIDs(w http.ResponseWriter, r *http.Request, name, op string, count countFunc, list listFunc) {
	limit, offset, err := httputil.ExtractLimitOffset(r)
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	total, err := count(r.Context(), name)
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	ids, err := list(r.Context(), name, int(offset), limit)
	if err != nil {
		h.writeError(w, op, err)
		return
	}

	if err := httputil.WritePaginated(w, ids, total, limit, offset); err != nil {
		h.log.Error("failed to write paginated response", "handler", op, "operation", "WritePaginated", "error", err)
	}
}

func (h *QueueHandler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/queues", h.List)
	router.GET("/queues/:name", h.Get)
	router.GET("/queues/:name/enqueued", h.Enqueued)
	router.GET("/queues/:name/fetched", h.Fetched)
}

func (h *QueueHandler) writeError(w http.ResponseWriter, op string, err error) {
	writeError(w, h.log, op, err)
}
