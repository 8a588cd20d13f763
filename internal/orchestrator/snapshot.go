package orchestrator

import (
	"github.com/blueberrycongee/genmux/internal/credential"
	"github.com/blueberrycongee/genmux/internal/health"
	"github.com/blueberrycongee/genmux/internal/quota"
)

// BackendStatus describes one configured backend.
type BackendStatus struct {
	Name               string   `json:"name"`
	Enabled            bool     `json:"enabled"`
	Available          bool     `json:"available"`
	ConfiguredKeyCount int      `json:"configured_key_count"`
	Models             []string `json:"models"`
	IsPrimary          bool     `json:"is_primary"`
}

// Backends returns every configured backend in configuration order. A
// backend is available when it is enabled and has a credential that is not
// cooling down.
func (o *Orchestrator) Backends() []BackendStatus {
	out := make([]BackendStatus, 0, len(o.backends))
	for _, b := range o.backends {
		name := b.Adapter.Name()
		st := BackendStatus{
			Name:               name,
			Enabled:            b.Enabled,
			ConfiguredKeyCount: o.credentials.KeyCount(name),
			Models:             b.Adapter.Models(),
			IsPrimary:          name == o.primary,
		}
		if pool, ok := o.credentials.Get(name); ok && b.Enabled {
			st.Available = pool.Available()
		}
		out = append(out, st)
	}
	return out
}

// Models maps each enabled backend with at least one credential to its
// models.
func (o *Orchestrator) Models() map[string][]string {
	out := make(map[string][]string)
	for _, b := range o.backends {
		name := b.Adapter.Name()
		if b.Enabled && o.credentials.KeyCount(name) > 0 {
			out[name] = b.Adapter.Models()
		}
	}
	return out
}

// names returns the configured backend names in configuration order.
func (o *Orchestrator) names() []string {
	out := make([]string, 0, len(o.backends))
	for _, b := range o.backends {
		out = append(out, b.Adapter.Name())
	}
	return out
}

// Reliability is the health report of all configured backends.
type Reliability struct {
	Summary     health.Summary      `json:"summary"`
	Backends    []health.Status     `json:"backends"`
	Suggestions []health.Suggestion `json:"suggestions"`
	Recommended string              `json:"recommended,omitempty"`
}

// Reliability reports health statistics of every configured backend,
// including those that have not been called yet.
func (o *Orchestrator) Reliability() Reliability {
	names := o.names()
	r := Reliability{
		Summary:     o.health.Summary(),
		Backends:    o.health.Snapshot(names...),
		Suggestions: o.health.Suggestions(),
	}
	var enabled []string
	for _, b := range o.backends {
		if b.Enabled {
			enabled = append(enabled, b.Adapter.Name())
		}
	}
	if best, ok := o.health.Recommend(enabled); ok {
		r.Recommended = best
	}
	return r
}

// Quota returns the quota window of every backend that has one.
func (o *Orchestrator) Quota() []quota.Status {
	return o.quota.Snapshot()
}

// Credentials returns the masked credential state of every backend.
func (o *Orchestrator) Credentials() []credential.PoolStatus {
	return o.credentials.Snapshot()
}
