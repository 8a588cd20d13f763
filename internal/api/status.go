package api //nolint:revive // package name is intentional

import (
	"net/http"
	"strconv"

	"github.com/blueberrycongee/genmux/internal/cache"
	"github.com/blueberrycongee/genmux/internal/scheduler"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

const defaultHotKeys = 10

// ProviderStatus handles GET /v1/status/providers.
func (h *Handler) ProviderStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"primary":  h.orch.Primary(),
		"backends": h.orch.Backends(),
	})
}

// ReliabilityStatus handles GET /v1/status/reliability.
func (h *Handler) ReliabilityStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orch.Reliability())
}

// QuotaStatus handles GET /v1/status/quota.
func (h *Handler) QuotaStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"backends": h.orch.Quota()})
}

// CredentialStatus handles GET /v1/status/credentials. Keys are masked.
func (h *Handler) CredentialStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"pools": h.orch.Credentials()})
}

type cacheStatusResponse struct {
	Enabled bool           `json:"enabled"`
	Stats   *cache.Stats   `json:"stats,omitempty"`
	HotKeys []cache.HotKey `json:"hot_keys,omitempty"`
}

// CacheStatus handles GET /v1/status/cache?hot=N.
func (h *Handler) CacheStatus(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeJSON(w, http.StatusOK, cacheStatusResponse{})
		return
	}
	n := intQuery(r, "hot", defaultHotKeys)
	st := h.cache.Stats()
	h.writeJSON(w, http.StatusOK, cacheStatusResponse{
		Enabled: true,
		Stats:   &st,
		HotKeys: h.cache.HotKeys(n),
	})
}

// InvalidateCache handles DELETE /v1/cache?category=NAME. Without a
// category the whole cache is cleared.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, r, llmerrors.NewNotFoundError("", "", "cache is disabled"))
		return
	}
	var n int
	if category := r.URL.Query().Get("category"); category != "" {
		n = h.cache.InvalidateCategory(category)
	} else {
		n = h.cache.Clear()
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

type queueStatusResponse struct {
	Stats     scheduler.Stats         `json:"stats"`
	Pending   []scheduler.PendingJob  `json:"pending"`
	Completed []scheduler.FinishedJob `json:"recent_completed"`
	Failed    []scheduler.FinishedJob `json:"recent_failed"`
}

// QueueStatus handles GET /v1/status/queue?limit=N.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	n := intQuery(r, "limit", scheduler.DefaultRecentLimit)
	h.writeJSON(w, http.StatusOK, queueStatusResponse{
		Stats:     h.jobs.Stats(),
		Pending:   h.jobs.PendingJobs(),
		Completed: h.jobs.RecentCompleted(n),
		Failed:    h.jobs.RecentFailed(n),
	})
}

func intQuery(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
