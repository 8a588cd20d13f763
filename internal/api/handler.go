// Package api exposes generation, job and status endpoints over HTTP.
package api //nolint:revive // package name is intentional

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/genmux/internal/cache"
	"github.com/blueberrycongee/genmux/internal/observability"
	"github.com/blueberrycongee/genmux/internal/orchestrator"
	"github.com/blueberrycongee/genmux/internal/scheduler"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the HTTP API.
type Handler struct {
	orch    *orchestrator.Orchestrator
	jobs    *scheduler.Scheduler
	cache   *cache.ResultCache
	limiter *ClientRateLimiter
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithCache exposes cache statistics and invalidation.
func WithCache(c *cache.ResultCache) Option {
	return func(h *Handler) { h.cache = c }
}

// WithRateLimiter limits generation and job submission per client.
func WithRateLimiter(l *ClientRateLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates a new API handler.
func NewHandler(orch *orchestrator.Orchestrator, jobs *scheduler.Scheduler, opts ...Option) *Handler {
	h := &Handler{
		orch:   orch,
		jobs:   jobs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if id := observability.RequestIDFromContext(r.Context()); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

// Generate handles POST /v1/generate.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, llmerrors.NewInvalidRequestError("", "", "invalid JSON: "+err.Error()))
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		h.writeError(w, r, llmerrors.NewInvalidRequestError("", "", "prompt is required"))
		return
	}

	res, err := h.orch.Generate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type submitJobRequest struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

type submitJobResponse struct {
	ID     string           `json:"id"`
	Status scheduler.Status `json:"status"`
}

// SubmitJob handles POST /v1/jobs. The job type defaults to generate.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, llmerrors.NewInvalidRequestError("", "", "invalid JSON: "+err.Error()))
		return
	}
	if req.Type == "" {
		req.Type = orchestrator.JobTypeGenerate
	}
	if !h.jobs.HasHandler(req.Type) {
		h.writeError(w, r, llmerrors.NewInvalidRequestError("", "", "unknown job type: "+req.Type))
		return
	}
	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		h.writeError(w, r, llmerrors.NewInvalidRequestError("", "", "payload is required"))
		return
	}

	id := h.jobs.Submit(req.Type, req.Payload, req.Priority)
	h.requestLogger(r).Info("job submitted", "job_id", id, "type", req.Type, "priority", req.Priority)
	w.Header().Set("Location", "/v1/jobs/"+id)
	h.writeJSON(w, http.StatusAccepted, submitJobResponse{ID: id, Status: scheduler.StatusPending})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	v, ok := h.jobs.Status(id)
	if !ok {
		h.writeError(w, r, llmerrors.NewNotFoundError("", "", "job not found: "+id))
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

// ClearJobs handles DELETE /v1/jobs?state=completed|failed.
func (h *Handler) ClearJobs(w http.ResponseWriter, r *http.Request) {
	var n int
	switch state := r.URL.Query().Get("state"); state {
	case string(scheduler.StatusCompleted):
		n = h.jobs.ClearCompleted()
	case string(scheduler.StatusFailed):
		n = h.jobs.ClearFailed()
	default:
		h.writeError(w, r, llmerrors.NewInvalidRequestError("", "", "state must be completed or failed"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// HealthCheck handles GET /health/live.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"primary": h.orch.Primary(),
		"models":  h.orch.Models(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return err
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}
