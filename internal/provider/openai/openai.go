// Package openai implements the adapter for OpenAI and OpenAI-compatible
// backends (NVIDIA, DeepSeek, Qwen).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/genmux/internal/httputil"
	"github.com/blueberrycongee/genmux/internal/provider"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

const (
	// AdapterType is the registry key of this adapter.
	AdapterType = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// DefaultModels are used when the configuration lists none.
var DefaultModels = []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo"}

// Adapter implements the chat completions API.
type Adapter struct {
	provider.Base
}

// New creates a new adapter instance.
func New(cfg provider.Config) (provider.Adapter, error) {
	return &Adapter{Base: provider.NewBase(cfg, DefaultBaseURL, DefaultModels)}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message *chatMessage `json:"message"`
		Delta   *chatMessage `json:"delta"`
	} `json:"choices"`
	Usage provider.Usage `json:"usage"`
}

// BuildRequest creates an HTTP request for the chat completions endpoint.
func (a *Adapter) BuildRequest(ctx context.Context, apiKey string, req *provider.Request) (*http.Request, error) {
	body, err := json.Marshal(chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := a.BaseURL() + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	a.ApplyHeaders(httpReq)

	return httpReq, nil
}

// ParseResponse extracts the first choice. Some compatible backends answer
// with a delta instead of a message.
func (a *Adapter) ParseResponse(resp *http.Response) (*provider.Response, error) {
	body, err := httputil.ReadResponse(resp.Body, httputil.MaxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	out := &provider.Response{Model: chatResp.Model, Usage: chatResp.Usage}
	if len(chatResp.Choices) > 0 {
		switch c := chatResp.Choices[0]; {
		case c.Message != nil && c.Message.Content != "":
			out.Text = c.Message.Content
		case c.Delta != nil:
			out.Text = c.Delta.Content
		}
	}
	return out, nil
}

// MapError converts an error response to a standardized error.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	e := llmerrors.FromStatus(statusCode, a.Name(), "", message)
	if errResp.Error.Type == "insufficient_quota" || errResp.Error.Code == "insufficient_quota" {
		e.Type = llmerrors.TypeQuota
	}
	return e
}
