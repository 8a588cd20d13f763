// Package anthropic implements the Anthropic Claude adapter over the
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/genmux/internal/httputil"
	"github.com/blueberrycongee/genmux/internal/provider"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

const (
	// AdapterType is the registry key of this adapter.
	AdapterType = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"
)

// DefaultModels are used when the configuration lists none.
var DefaultModels = []string{"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307"}

// Adapter implements the Messages API.
type Adapter struct {
	provider.Base
	apiVersion string
}

// New creates a new adapter instance.
func New(cfg provider.Config) (provider.Adapter, error) {
	return &Adapter{
		Base:       provider.NewBase(cfg, DefaultBaseURL, DefaultModels),
		apiVersion: DefaultAPIVersion,
	}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BuildRequest creates an HTTP request for the Messages API.
func (a *Adapter) BuildRequest(ctx context.Context, apiKey string, req *provider.Request) (*http.Request, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// max_tokens is mandatory for this API.
		maxTokens = provider.DefaultMaxTokens
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		System:      req.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := a.BaseURL() + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", a.apiVersion)
	a.ApplyHeaders(httpReq)

	return httpReq, nil
}

// ParseResponse joins the text blocks of the reply.
func (a *Adapter) ParseResponse(resp *http.Response) (*provider.Response, error) {
	body, err := httputil.ReadResponse(resp.Body, httputil.MaxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var ar anthropicResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var sb strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &provider.Response{
		Text:  sb.String(),
		Model: ar.Model,
		Usage: provider.Usage{
			PromptTokens:     ar.Usage.InputTokens,
			CompletionTokens: ar.Usage.OutputTokens,
			TotalTokens:      ar.Usage.InputTokens + ar.Usage.OutputTokens,
		},
	}, nil
}

// MapError converts an Anthropic error response to a standardized error.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	// 529 overloaded_error is Anthropic specific.
	if errResp.Error.Type == "overloaded_error" {
		return llmerrors.NewServiceUnavailableError(a.Name(), "", message)
	}
	return llmerrors.FromStatus(statusCode, a.Name(), "", message)
}
