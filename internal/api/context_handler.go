package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/contextflow/internal/api/shared"
	"github.com/phrazzld/contextflow/internal/domain"
	"github.com/phrazzld/contextflow/internal/ident"
	"github.com/phrazzld/contextflow/internal/platform/logger"
	"github.com/phrazzld/contextflow/internal/redact"
	"github.com/phrazzld/contextflow/internal/taskservice"
)

const (
	defaultReferenceLimit = 50
	maxReferenceLimit     = 500
)

// ContextManager is the subset of the context manager used by the API.
type ContextManager interface {
	Get(ctx context.Context, id string) (*domain.Context, error)
	Cancel(ctx context.Context, id, reason string) (*domain.Context, error)
	Purge(ctx context.Context, ids ...string) (int, error)
	References(ctx context.Context, subjectID string, limit int) ([]*domain.Context, error)
}

// ContextCreator creates single contexts from a purpose.
type ContextCreator interface {
	CreateContext(ctx context.Context, req domain.Request, purpose string, opts taskservice.CreateOptions) (*domain.Context, error)
}

// SyncExecutor runs a created context immediately on the calling goroutine.
type SyncExecutor interface {
	ExecuteNow(ctx context.Context, id string) (*domain.Context, error)
}

// ContextHandler serves context submission and lookup.
type ContextHandler struct {
	manager        ContextManager
	creator        ContextCreator
	sync           SyncExecutor
	defaultRetries int
}

// NewContextHandler creates a ContextHandler. sync may be nil, in which case
// synchronous submission is rejected.
func NewContextHandler(manager ContextManager, creator ContextCreator, sync SyncExecutor) *ContextHandler {
	return &ContextHandler{manager: manager, creator: creator, sync: sync}
}

// WithDefaultRetries sets the retry budget of submissions that do not name
// one.
func (h *ContextHandler) WithDefaultRetries(n int) *ContextHandler {
	h.defaultRetries = n
	return h
}

// CreateContext handles POST /api/contexts. By default the context is left
// for the worker pools and 202 is returned; with ?sync=true it executes
// before the response is written.
func (h *ContextHandler) CreateContext(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	runSync, err := getQueryBool(r, "sync")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if runSync && h.sync == nil {
		shared.RespondWithError(w, r, http.StatusNotImplemented, "Synchronous execution is not enabled")
		return
	}

	var req CreateContextRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	retries := h.defaultRetries
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	opts := taskservice.CreateOptions{
		Priority:  domain.Priority(req.Priority),
		Retry:     domain.RetryPolicy{MaxRetries: retries},
		Overrides: req.Overrides,
		Tags:      req.Tags,
	}
	c, err := h.creator.CreateContext(r.Context(), domain.Request{
		SubjectID: req.SubjectID,
		TenantID:  req.TenantID,
		Text:      req.Text,
		Data:      req.Data,
		Metadata:  req.Metadata,
	}, req.Purpose, opts)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	log.Info("context submitted", "context_id", c.ID, "capability", c.Capability, "sync", runSync)

	if !runSync {
		shared.RespondWithJSON(w, r, http.StatusAccepted, CreatedResponse{ID: c.ID})
		return
	}

	done, err := h.sync.ExecuteNow(r.Context(), c.ID)
	if err != nil {
		status := MapErrorToStatusCode(err)
		log.Warn("synchronous execution failed",
			"context_id", c.ID,
			"capability", c.Capability,
			"status_code", status,
			"error", redact.Error(err))
		shared.RespondWithJSON(w, r, status, syncFailureResponse{
			Error:     GetSafeErrorMessage(err),
			ContextID: c.ID,
			TraceID:   shared.GetTraceID(r.Context()),
		})
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, contextToResponse(done))
}

// GetContext handles GET /api/contexts/{id}.
func (h *ContextHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id", ident.PrefixContext)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	c, err := h.manager.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, contextToResponse(c))
}

// CancelContext handles POST /api/contexts/{id}/cancel. Both single and
// batch contexts may be cancelled; a running batch observes the cancellation
// at its next checkpoint.
func (h *ContextHandler) CancelContext(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id", "")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var req CancelRequest
	if err := shared.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}

	c, err := h.manager.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	logger.FromContext(r.Context()).Info("context cancelled", "context_id", id, "reason", req.Reason)
	shared.RespondWithJSON(w, r, http.StatusOK, contextToResponse(c))
}

// GetBatch handles GET /api/batches/{id}.
func (h *ContextHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id", ident.PrefixBatch)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	c, err := h.manager.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if c.Capability != domain.CapabilityBatch {
		HandleAPIError(w, r, domain.ErrContextNotFound, "Batch not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, batchToResponse(c))
}

// ListReferences handles GET /api/subjects/{id}/references.
func (h *ContextHandler) ListReferences(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "id")
	if subjectID == "" {
		HandleAPIError(w, r, domain.Validationf("subject id is required"), "")
		return
	}
	limit, err := getQueryInt(r, "limit", defaultReferenceLimit, maxReferenceLimit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	refs, err := h.manager.References(r.Context(), subjectID, limit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	out := make([]ContextResponse, 0, len(refs))
	for _, c := range refs {
		out = append(out, contextToResponse(c))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// PurgeContext handles DELETE /api/admin/contexts/{id}.
func (h *ContextHandler) PurgeContext(w http.ResponseWriter, r *http.Request) {
	id, err := getPathID(r, "id", "")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	n, err := h.manager.Purge(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if n == 0 {
		HandleAPIError(w, r, domain.ErrContextNotFound, "")
		return
	}
	logger.FromContext(r.Context()).Warn("context purged", "context_id", id)
	w.WriteHeader(http.StatusNoContent)
}
