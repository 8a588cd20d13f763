package api //nolint:revive // package name is intentional

import (
	"net/http"
)

// RegisterRoutes registers all API routes on the given mux. Generation and
// job submission go through the client rate limiter when one is set.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	limited := func(fn http.HandlerFunc) http.Handler {
		if h.limiter == nil {
			return fn
		}
		return h.limiter.Middleware(fn)
	}

	mux.HandleFunc("GET /health/live", h.HealthCheck)

	mux.Handle("POST /v1/generate", limited(h.Generate))
	mux.HandleFunc("GET /v1/models", h.ListModels)

	mux.Handle("POST /v1/jobs", limited(h.SubmitJob))
	mux.HandleFunc("GET /v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /v1/jobs", h.ClearJobs)

	mux.HandleFunc("GET /v1/status/providers", h.ProviderStatus)
	mux.HandleFunc("GET /v1/status/reliability", h.ReliabilityStatus)
	mux.HandleFunc("GET /v1/status/quota", h.QuotaStatus)
	mux.HandleFunc("GET /v1/status/credentials", h.CredentialStatus)
	mux.HandleFunc("GET /v1/status/cache", h.CacheStatus)
	mux.HandleFunc("GET /v1/status/queue", h.QueueStatus)

	mux.HandleFunc("DELETE /v1/cache", h.InvalidateCache)
}
