package api //nolint:revive // package name is intentional

import (
	"context"
	"errors"
	"net/http"

	"github.com/blueberrycongee/genmux/internal/orchestrator"
	llmerrors "github.com/blueberrycongee/genmux/pkg/errors"
)

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// exhaustedMessage is returned to clients instead of the per-backend causes,
// which may include upstream response bodies.
const exhaustedMessage = "all generation backends failed, please try again later"

// errorResponse maps err onto a status code and envelope.
func errorResponse(err error) (int, ErrorResponse) {
	var llmErr *llmerrors.LLMError
	switch {
	case errors.Is(err, orchestrator.ErrEmptyPrompt):
		return http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: err.Error(),
			Type:    llmerrors.TypeInvalidRequest,
		}}
	case errors.Is(err, llmerrors.ErrAllBackendsExhausted):
		return http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{
			Message: exhaustedMessage,
			Type:    llmerrors.TypeServiceUnavailable,
			Code:    "backends_exhausted",
		}}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, ErrorResponse{Error: ErrorDetail{
			Message: "request timed out",
			Type:    llmerrors.TypeTimeout,
		}}
	case errors.As(err, &llmErr):
		return llmErr.HTTPStatusCode(), ErrorResponse{Error: ErrorDetail{
			Message: llmErr.Message,
			Type:    llmErr.Type,
		}}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
			Message: "internal error",
			Type:    llmerrors.TypeInternalError,
		}}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	logger := h.requestLogger(r)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, body)
}
