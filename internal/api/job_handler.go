package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/contextflow/internal/api/shared"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/scheduler"
)

// JobController is the subset of the scheduler used by the API.
type JobController interface {
	Submit(ctx context.Context, jobID string, group *domain.GroupKey) (string, error)
	Stats() []scheduler.JobStats
	Triggers() []scheduler.Trigger
}

// JobHandler serves manual job runs and scheduler statistics.
type JobHandler struct {
	jobs JobController
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs JobController) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// RunJob handles POST /api/jobs/{id}/run. The run continues in the
// background; the response carries the batch id to poll.
func (h *JobHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		HandleAPIError(w, r, domain.Validationf("job id is required"), "")
		return
	}

	var req RunJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	var group *domain.GroupKey
	if req.Group != "" {
		g, err := domain.ParseGroupKey(req.Group)
		if err != nil {
			HandleAPIError(w, r, err, "")
			return
		}
		group = &g
	}

	batchID, err := h.jobs.Submit(r.Context(), jobID, group)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	logger.FromContext(r.Context()).Info("job run submitted", "job_id", jobID, "batch_id", batchID)
	shared.RespondWithJSON(w, r, http.StatusAccepted, RunJobResponse{BatchID: batchID})
}

// GetStats handles GET /api/jobs/stats.
func (h *JobHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := h.jobs.Stats()
	if stats == nil {
		stats = []scheduler.JobStats{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// GetTriggers handles GET /api/jobs/triggers.
func (h *JobHandler) GetTriggers(w http.ResponseWriter, r *http.Request) {
	triggers := h.jobs.Triggers()
	if triggers == nil {
		triggers = []scheduler.Trigger{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, triggers)
}
