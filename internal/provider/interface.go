// Package provider defines the interface for backend adapters.
// Each backend family (OpenAI-compatible, Gemini, Anthropic) implements this
// interface to turn a prompt into one HTTP call and the reply back into text.
package provider

import (
	"context"
	"net/http"
	"strings"
)

// DefaultSystemPrompt is sent with every prompt unless the request overrides it.
const DefaultSystemPrompt = "You are an expert educator specializing in creating high-quality teaching materials."

// Default generation parameters.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4096
)

// Request is a single-prompt generation request.
type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
}

// WithDefaults returns a copy of r with unset fields filled in.
func (r Request) WithDefaults() Request {
	if r.SystemPrompt == "" {
		r.SystemPrompt = DefaultSystemPrompt
	}
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	return r
}

// Usage reports token consumption of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized reply of a backend.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Adapter builds and parses the HTTP exchange of one backend.
type Adapter interface {
	// Name returns the backend identifier (e.g., "openai", "gemini").
	Name() string

	// Models returns the configured models, default first.
	Models() []string

	// MatchesModel reports whether model follows this backend's naming
	// convention.
	MatchesModel(model string) bool

	// BuildRequest creates the HTTP request for req authenticated with apiKey.
	BuildRequest(ctx context.Context, apiKey string, req *Request) (*http.Request, error)

	// ParseResponse reads a successful HTTP response.
	ParseResponse(resp *http.Response) (*Response, error)

	// MapError converts an error response into a standardized LLMError.
	MapError(statusCode int, body []byte) error
}

// Factory creates adapter instances from configuration.
type Factory func(cfg Config) (Adapter, error)

// Config contains adapter configuration.
type Config struct {
	Name          string
	Type          string
	BaseURL       string
	Models        []string
	ModelPrefixes []string
	Headers       map[string]string
}

// Base carries the configuration shared by all adapters.
type Base struct {
	name     string
	baseURL  string
	models   []string
	prefixes []string
	headers  map[string]string
}

// NewBase normalizes cfg. defaultURL and defaultModels are used when cfg
// leaves them empty. Without explicit prefixes, the family of the default
// model (text before the first '-' or '/') is the naming convention.
func NewBase(cfg Config, defaultURL string, defaultModels []string) Base {
	b := Base{
		name:     cfg.Name,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		models:   cfg.Models,
		prefixes: cfg.ModelPrefixes,
		headers:  cfg.Headers,
	}
	if b.baseURL == "" {
		b.baseURL = strings.TrimSuffix(defaultURL, "/")
	}
	if len(b.models) == 0 {
		b.models = defaultModels
	}
	if len(b.prefixes) == 0 && len(b.models) > 0 {
		first := b.models[0]
		if i := strings.IndexAny(first, "-/"); i > 0 {
			first = first[:i]
		}
		b.prefixes = []string{first}
	}
	return b
}

// Name returns the backend identifier.
func (b Base) Name() string { return b.name }

// Models returns the configured models.
func (b Base) Models() []string { return b.models }

// BaseURL returns the endpoint root.
func (b Base) BaseURL() string { return b.baseURL }

// MatchesModel reports whether model starts with one of the configured
// prefixes.
func (b Base) MatchesModel(model string) bool {
	if model == "" {
		return false
	}
	for _, p := range b.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

// ApplyHeaders copies configured extra headers onto req.
func (b Base) ApplyHeaders(req *http.Request) {
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}
}

// ResolveModel returns preferred when it matches a's naming convention and
// a's default model otherwise.
func ResolveModel(a Adapter, preferred string) string {
	if a.MatchesModel(preferred) {
		return preferred
	}
	if models := a.Models(); len(models) > 0 {
		return models[0]
	}
	return preferred
}
