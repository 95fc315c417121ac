package handler

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "jobstore/pkg/errors"
	httputil "jobstore/pkg/http"
	"jobstore/pkg/logger"
	"jobstore/pkg/model"
	"jobstore/pkg/sanitizer"
	"jobstore/pkg/validation"

	"github.com/julienschmidt/httprouter"
)

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue, jobID string) error
}

type JobHandler struct {
	queue     Enqueuer
	validator *validation.Validator
	log       *logger.Logger
}

func NewJobHandler(q Enqueuer, v *validation.Validator, log *logger.Logger) *JobHandler {
	return &JobHandler{
		queue:     q,
		validator: v,
		log:       log,
	}
}

type enqueueBody struct {
	JobID string `json:"job_id"`
}

// Enqueue adds a job id to the queue named in the path.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.log, "Enqueue", apperrors.InvalidInput("Invalid request body"))
		return
	}

	req := sanitizer.EnqueueRequest(model.EnqueueRequest{Queue: ps.ByName("name"), JobID: body.JobID})
	if err := h.validator.Struct(req); err != nil {
		writeError(w, h.log, "Enqueue", err)
		return
	}

	if err := h.queue.Enqueue(r.Context(), req.Queue, req.JobID); err != nil {
		writeError(w, h.log, "Enqueue", err)
		return
	}

	if err := httputil.WriteCreated(w, req); err != nil {
		h.log.Error("failed to write created response", "handler", "Enqueue", "operation", "WriteCreated", "error", err)
	}
}

func (h *JobHandler) RegisterRoutes(router *httprouter.Router) {
	router.POST("/queues/:name/jobs", h.Enqueue)
}
