// Package gemini implements the Google Gemini adapter over the
// generateContent API.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/genmux/internal/httputil"
	"github.com/blueberrycongee/genmux/internal/provider"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

const (
	// AdapterType is the registry key of this adapter.
	AdapterType = "gemini"

	// DefaultBaseURL is the default Google AI Studio API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultAPIVersion is the default Gemini API version.
	DefaultAPIVersion = "v1beta"
)

// DefaultModels are used when the configuration lists none.
var DefaultModels = []string{"gemini-2.0-flash", "gemini-2.5-flash", "gemini-2.5-pro"}

// Adapter implements the Gemini API.
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

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	ModelVersion   string `json:"modelVersion,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

// BuildRequest creates an HTTP request for the Gemini API.
func (a *Adapter) BuildRequest(ctx context.Context, apiKey string, req *provider.Request) (*http.Request, error) {
	gr := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: &generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		gr.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	body, err := json.Marshal(gr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s",
		a.BaseURL(), a.apiVersion, url.PathEscape(req.Model), url.QueryEscape(apiKey))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	a.ApplyHeaders(httpReq)

	return httpReq, nil
}

// ParseResponse joins the text parts of the first candidate.
func (a *Adapter) ParseResponse(resp *http.Response) (*provider.Response, error) {
	body, err := httputil.ReadResponse(resp.Body, httputil.MaxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked: %s", gr.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("no candidates in response")
	}

	var sb strings.Builder
	for _, part := range gr.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	out := &provider.Response{Text: sb.String(), Model: gr.ModelVersion}
	if u := gr.UsageMetadata; u != nil {
		out.Usage = provider.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

// MapError converts a Gemini error response to a standardized error.
func (a *Adapter) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	e := llmerrors.FromStatus(statusCode, a.Name(), "", message)
	if errResp.Error.Status == "RESOURCE_EXHAUSTED" && strings.Contains(strings.ToLower(message), "quota") {
		e.Type = llmerrors.TypeQuota
	}
	return e
}
