package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/blueberrycongee/genmux/internal/httputil"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

// Caller executes adapter exchanges over a shared HTTP client.
type Caller struct {
	client *http.Client
}

// NewCaller creates a caller. A nil client gets a client with a 2 minute
// timeout.
func NewCaller(client *http.Client) *Caller {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Caller{client: client}
}

// Call sends req to the backend of a using apiKey. Backend failures are
// returned as *errors.LLMError; context errors are returned unchanged.
func (c *Caller) Call(ctx context.Context, a Adapter, apiKey string, req *Request) (*Response, error) {
	httpReq, err := a.BuildRequest(ctx, apiKey, req)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, llmerrors.NewTimeoutError(a.Name(), req.Model, err.Error())
		}
		return nil, llmerrors.NewServiceUnavailableError(a.Name(), req.Model, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body := httputil.ReadErrorBody(resp.Body)
		mapped := a.MapError(resp.StatusCode, body)
		var llmErr *llmerrors.LLMError
		if errors.As(mapped, &llmErr) && llmErr.Model == "" {
			llmErr.Model = req.Model
		}
		return nil, mapped
	}

	out, err := a.ParseResponse(resp)
	if err != nil {
		return nil, llmerrors.NewInternalError(a.Name(), req.Model, err.Error())
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}
