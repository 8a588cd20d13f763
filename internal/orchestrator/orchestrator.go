// Package orchestrator picks a backend and a credential for each generation
// request and fails over across backends until one of them answers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/genmux/internal/cache"
	"github.com/blueberrycongee/genmux/internal/credential"
	"github.com/blueberrycongee/genmux/internal/health"
	"github.com/blueberrycongee/genmux/internal/metrics"
	"github.com/blueberrycongee/genmux/internal/observability"
	"github.com/blueberrycongee/genmux/internal/provider"
	"github.com/blueberrycongee/genmux/internal/quota"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

// ErrEmptyPrompt is returned by Generate for a request without a prompt.
var ErrEmptyPrompt = errors.New("prompt is required")

// Backend is one configured generation backend.
type Backend struct {
	Adapter provider.Adapter
	Enabled bool
}

// Components are the shared state holders the orchestrator reports to.
// Credentials, Quota and Health are required.
type Components struct {
	Credentials *credential.Registry
	Quota       *quota.Tracker
	Health      *health.Scorer
}

// Request is a single generation request.
type Request struct {
	Prompt       string   `json:"prompt"`
	Backend      string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	// NoCache bypasses the result cache for this request.
	NoCache bool `json:"no_cache,omitempty"`
}

// Result is the answer of the first backend that succeeded.
type Result struct {
	Text      string              `json:"text"`
	Backend   string              `json:"provider"`
	Model     string              `json:"model"`
	Usage     provider.Usage      `json:"usage"`
	LatencyMs int64               `json:"latency_ms"`
	Cached    bool                `json:"cached"`
	Latency   time.Duration       `json:"-"`
	Attempts  []llmerrors.Attempt `json:"-"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPrimary sets the backend tried right after the request's preferred
// backend.
func WithPrimary(name string) Option {
	return func(o *Orchestrator) { o.primary = name }
}

// WithCache enables result caching of successful generations.
func WithCache(c *cache.ResultCache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithCaller replaces the HTTP caller used for backend calls.
func WithCaller(c *provider.Caller) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.caller = c
		}
	}
}

// WithTracer sets the tracer. The global tracer is used by default.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithGenAIMetrics records every backend call as OTel gen_ai metrics.
func WithGenAIMetrics(m *observability.GenAIMetrics) Option {
	return func(o *Orchestrator) { o.genai = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock replaces time.Now for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs the failover loop over a fixed set of backends.
type Orchestrator struct {
	backends []*Backend // configuration order
	byName   map[string]*Backend
	primary  string

	credentials *credential.Registry
	quota       *quota.Tracker
	health      *health.Scorer
	cache       *cache.ResultCache

	caller *provider.Caller
	tracer trace.Tracer
	genai  *observability.GenAIMetrics
	now    func() time.Time
	logger *slog.Logger
}

// New creates an orchestrator. Backend names must be unique; the set is
// fixed for the lifetime of the orchestrator.
func New(backends []Backend, c Components, opts ...Option) (*Orchestrator, error) {
	if c.Credentials == nil || c.Quota == nil || c.Health == nil {
		return nil, errors.New("orchestrator: credentials, quota and health components are required")
	}

	o := &Orchestrator{
		byName:      make(map[string]*Backend, len(backends)),
		credentials: c.Credentials,
		quota:       c.Quota,
		health:      c.Health,
		caller:      provider.NewCaller(nil),
		tracer:      otel.Tracer(observability.TracerName),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	for i := range backends {
		b := backends[i]
		if b.Adapter == nil {
			return nil, fmt.Errorf("orchestrator: backend %d has no adapter", i)
		}
		name := b.Adapter.Name()
		if _, dup := o.byName[name]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate backend %q", name)
		}
		o.backends = append(o.backends, &b)
		o.byName[name] = &b
	}

	if o.primary != "" {
		if b, ok := o.byName[o.primary]; !ok || !b.Enabled {
			o.logger.Warn("primary backend not configured or disabled", "backend", o.primary)
		}
	}
	return o, nil
}

// Primary returns the configured primary backend name.
func (o *Orchestrator) Primary() string { return o.primary }

// enabled reports whether name is a configured, enabled backend.
func (o *Orchestrator) enabled(name string) bool {
	b, ok := o.byName[name]
	return ok && b.Enabled
}

// CallOrder returns the backends Generate would try, in order, for a request
// preferring backend preferred. The preferred and primary backends lead in
// that order. The remaining enabled backends follow ranked by reliability
// with blacklisted ones removed. If that would leave nothing to try, the
// first remaining backend is kept.
func (o *Orchestrator) CallOrder(preferred string) []string {
	seen := make(map[string]bool, len(o.backends))
	order := make([]string, 0, len(o.backends))
	for _, name := range []string{preferred, o.primary} {
		if name != "" && !seen[name] && o.enabled(name) {
			seen[name] = true
			order = append(order, name)
		}
	}

	var tail []string
	for _, b := range o.backends {
		name := b.Adapter.Name()
		if b.Enabled && !seen[name] {
			seen[name] = true
			tail = append(tail, name)
		}
	}

	ranked := o.health.Rank(tail)
	if len(order) == 0 && len(ranked) == 0 && len(tail) > 0 {
		o.logger.Warn("all backends blacklisted, using fallback", "backend", tail[0])
		return tail[:1]
	}
	return append(order, ranked...)
}

// cachedGeneration is the stored form of a cached result.
type cachedGeneration struct {
	Text    string         `json:"text"`
	Backend string         `json:"provider"`
	Model   string         `json:"model"`
	Usage   provider.Usage `json:"usage"`
}

func cacheMetadata(req Request) map[string]any {
	return map[string]any{
		"provider": req.Backend,
		"model":    req.Model,
		"system":   req.SystemPrompt,
	}
}

// Generate runs the failover loop. Attempts are strictly sequential. When
// every backend fails or is skipped the error is an *errors.ExhaustedError
// matching errors.ErrAllBackendsExhausted. A canceled context aborts the
// loop and its error is returned as is.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}

	ctx, span := observability.StartGenerateSpan(ctx, o.tracer, req.Backend, req.Model)
	defer span.End()

	if o.cache == nil || req.NoCache {
		return o.generate(ctx, span, req)
	}

	// Identical concurrent requests share one failover run.
	var (
		fresh *Result
		ran   bool
	)
	raw, _, err := o.cache.Generation().GetOrCompute(ctx, req.Prompt, cacheMetadata(req),
		func(ctx context.Context) ([]byte, error) {
			ran = true
			res, err := o.generate(ctx, span, req)
			if err != nil {
				return nil, err
			}
			fresh = res
			return json.Marshal(cachedGeneration{Text: res.Text, Backend: res.Backend, Model: res.Model, Usage: res.Usage})
		})
	if fresh != nil {
		if err != nil {
			o.logger.Warn("caching generation failed", "error", err)
		}
		return fresh, nil
	}
	if err != nil {
		if ran || errors.Is(err, llmerrors.ErrAllBackendsExhausted) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// The shared run was canceled by its caller, or the key was unusable.
		return o.generate(ctx, span, req)
	}

	var cg cachedGeneration
	if err := json.Unmarshal(raw, &cg); err != nil {
		o.logger.Warn("decoding cached generation failed", "error", err)
		return o.generate(ctx, span, req)
	}
	metrics.RecordGenerate("cached")
	return &Result{Text: cg.Text, Backend: cg.Backend, Model: cg.Model, Usage: cg.Usage, Cached: true}, nil
}

func (o *Orchestrator) generate(ctx context.Context, span trace.Span, req Request) (*Result, error) {
	res, err := o.failover(ctx, req)
	if err != nil {
		observability.RecordError(span, err)
		if ctx.Err() != nil {
			metrics.RecordGenerate("canceled")
		} else {
			metrics.RecordGenerate("exhausted")
		}
		return nil, err
	}
	metrics.RecordGenerate("success")
	return res, nil
}

func (o *Orchestrator) failover(ctx context.Context, req Request) (*Result, error) {
	order := o.CallOrder(req.Backend)
	attempts := make([]llmerrors.Attempt, 0, len(order))

	for i, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := o.byName[name]

		if !o.quota.CanCall(ctx, name) {
			o.logger.Debug("backend over per-minute limit, skipping", "backend", name)
			metrics.RecordAttempt(name, "", metrics.OutcomeSkippedQuota, 0)
			attempts = append(attempts, llmerrors.Attempt{
				Backend: name,
				Err:     llmerrors.ErrQuotaExceeded,
			})
			continue
		}

		pool, ok := o.credentials.Get(name)
		var cred *credential.Credential
		if ok {
			cred, ok = pool.Next()
		}
		if !ok {
			o.logger.Debug("no credential available, skipping", "backend", name)
			metrics.RecordAttempt(name, "", metrics.OutcomeSkippedNoCreds, 0)
			attempts = append(attempts, llmerrors.Attempt{
				Backend: name,
				Err:     llmerrors.ErrNoCredentialAvailable,
			})
			continue
		}

		model := provider.ResolveModel(b.Adapter, req.Model)
		res, err := o.attempt(ctx, b.Adapter, pool, cred, model, req, i+1)
		if err == nil {
			res.Attempts = attempts
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		attempts = append(attempts, llmerrors.Attempt{Backend: name, Err: err, Latency: res.Latency})
	}

	return nil, &llmerrors.ExhaustedError{Attempts: attempts}
}

// attempt performs one backend call and records its outcome. On failure the
// returned Result only carries the measured latency.
func (o *Orchestrator) attempt(ctx context.Context, a provider.Adapter, pool *credential.Pool,
	cred *credential.Credential, model string, req Request, n int) (*Result, error) {
	name := a.Name()
	ctx, span := observability.StartAttemptSpan(ctx, o.tracer, name, model, n)
	defer span.End()

	preq := provider.Request{
		Model:        model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}.WithDefaults()

	o.logger.Debug("calling backend", "backend", name, "model", model, "attempt", n, "key", cred.Masked())

	start := o.now()
	resp, err := o.caller.Call(ctx, a, cred.Key(), &preq)
	latency := o.now().Sub(start)

	if err != nil {
		observability.RecordError(span, err)
		if ctx.Err() != nil {
			// Cancellation says nothing about the backend.
			return &Result{Latency: latency}, err
		}

		class := llmerrors.ClassifyError(err)
		outcome := metrics.OutcomeFailure
		if class.QuotaRelated() {
			outcome = metrics.OutcomeQuota
			pool.MarkQuotaExceeded(cred)
		}
		pool.RecordError(cred, err)
		o.health.RecordFailure(name, err, class.QuotaRelated())
		o.quota.Record(ctx, name, 0, false, err.Error())

		metrics.RecordAttempt(name, model, outcome, latency)
		o.genai.RecordAttempt(ctx, observability.Attempt{
			Backend:    name,
			Model:      model,
			Latency:    latency,
			ErrorClass: class.String(),
		})
		metrics.SetBlacklisted(name, o.health.IsBlacklisted(name))
		o.logger.Warn("backend call failed",
			"backend", name,
			"model", model,
			"class", class.String(),
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return &Result{Latency: latency}, err
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		// Backends that omit usage are charged by response length.
		tokens = len(resp.Text)
	}
	o.health.RecordSuccess(name, latency)
	o.quota.Record(ctx, name, tokens, true, "")
	pool.RecordSuccess(cred)

	observability.RecordUsage(span, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.RecordAttempt(name, model, metrics.OutcomeSuccess, latency)
	metrics.RecordTokens(name, tokens)
	o.genai.RecordAttempt(ctx, observability.Attempt{
		Backend:      name,
		Model:        model,
		Latency:      latency,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	})
	metrics.SetBlacklisted(name, false)
	o.logger.Info("backend call succeeded",
		"backend", name,
		"model", resp.Model,
		"latency_ms", latency.Milliseconds(),
		"tokens", tokens,
	)

	return &Result{
		Text:      resp.Text,
		Backend:   name,
		Model:     resp.Model,
		Usage:     resp.Usage,
		Latency:   latency,
		LatencyMs: latency.Milliseconds(),
	}, nil
}
