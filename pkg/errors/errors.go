// Package errors defines the error kinds shared by the orchestration layer.
// Backend-specific failures are mapped to LLMError so callers can reason about
// them without knowing which backend produced them.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Sentinel error kinds. Use errors.Is to test for them.
var (
	// ErrNoCredentialAvailable means every credential of a backend is cooling down.
	ErrNoCredentialAvailable = stderrors.New("no credential available")
	// ErrQuotaExceeded means a backend rejected a call for quota or rate reasons.
	ErrQuotaExceeded = stderrors.New("quota exceeded")
	// ErrBackendCallFailed covers every other backend failure.
	ErrBackendCallFailed = stderrors.New("backend call failed")
	// ErrAllBackendsExhausted means no candidate produced a result.
	ErrAllBackendsExhausted = stderrors.New("all backends exhausted")
	// ErrJobTimeout means a job execution exceeded its time budget.
	ErrJobTimeout = stderrors.New("job timed out")
	// ErrJobFailed means a job handler returned an error.
	ErrJobFailed = stderrors.New("job failed")
)

// LLMError represents a standardized error from a generation backend.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Backend    string `json:"backend"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (backend=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Backend, e.Model, e.StatusCode)
}

// Unwrap maps the error onto its sentinel kind so errors.Is works across
// adapters.
func (e *LLMError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.Type == TypeRateLimit || e.Type == TypeQuota {
		return ErrQuotaExceeded
	}
	return ErrBackendCallFailed
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication     = "authentication_error"
	TypeRateLimit          = "rate_limit_error"
	TypeQuota              = "quota_exceeded"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
)

func newLLMError(status int, typ, backend, model, message string, retryable bool) *LLMError {
	return &LLMError{
		StatusCode: status,
		Message:    message,
		Type:       typ,
		Backend:    backend,
		Model:      model,
		Retryable:  retryable,
	}
}

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(backend, model, message string) *LLMError {
	return newLLMError(http.StatusUnauthorized, TypeAuthentication, backend, model, message, false)
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(backend, model, message string) *LLMError {
	return newLLMError(http.StatusTooManyRequests, TypeRateLimit, backend, model, message, true)
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(backend, model, message string) *LLMError {
	return newLLMError(http.StatusBadRequest, TypeInvalidRequest, backend, model, message, false)
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(backend, model, message string) *LLMError {
	return newLLMError(http.StatusNotFound, TypeNotFound, backend, model, message, false)
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(backend, model, message string) *LLMError {
	return newLLMError(http.StatusRequestTimeout, TypeTimeout, backend, model, message, true)
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(backend, model, message string) *LLMError {
	return newLLMError(http.StatusServiceUnavailable, TypeServiceUnavailable, backend, model, message, true)
}

// NewInternalError creates an internal server error (500).
func NewInternalError(backend, model, message string) *LLMError {
	return newLLMError(http.StatusInternalServerError, TypeInternalError, backend, model, message, false)
}

// FromStatus maps an HTTP status code returned by a backend onto an LLMError.
func FromStatus(status int, backend, model, message string) *LLMError {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAuthenticationError(backend, model, message)
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(backend, model, message)
	case status == http.StatusBadRequest:
		return NewInvalidRequestError(backend, model, message)
	case status == http.StatusNotFound:
		return NewNotFoundError(backend, model, message)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewTimeoutError(backend, model, message)
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return NewServiceUnavailableError(backend, model, message)
	default:
		return newLLMError(status, TypeInternalError, backend, model, message, status >= 500)
	}
}

// Class is the outcome of classifying a backend failure.
type Class int

const (
	// ClassOther is any failure that is not quota related.
	ClassOther Class = iota
	// ClassQuota is a quota/usage-cap failure.
	ClassQuota
	// ClassRateLimit is a throttling failure (HTTP 429 and friends).
	ClassRateLimit
)

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassQuota:
		return "quota"
	case ClassRateLimit:
		return "rate_limit"
	default:
		return "other"
	}
}

// QuotaRelated reports whether the class should put a credential on cooldown.
func (c Class) QuotaRelated() bool {
	return c == ClassQuota || c == ClassRateLimit
}

// Classify inspects error text. It is a substring heuristic: backends do not
// share a structured error vocabulary, so false positives are possible.
func Classify(text string) Class {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "quota"), strings.Contains(lower, "exceeded"):
		return ClassQuota
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"):
		return ClassRateLimit
	default:
		return ClassOther
	}
}

// ClassifyError prefers typed information and falls back to Classify on the
// error text.
func ClassifyError(err error) Class {
	if err == nil {
		return ClassOther
	}
	var llmErr *LLMError
	if stderrors.As(err, &llmErr) {
		switch {
		case llmErr.Type == TypeQuota:
			return ClassQuota
		case llmErr.StatusCode == http.StatusTooManyRequests || llmErr.Type == TypeRateLimit:
			return ClassRateLimit
		}
	}
	if stderrors.Is(err, ErrQuotaExceeded) {
		return ClassQuota
	}
	return Classify(err.Error())
}

// Attempt records why one backend did not produce a result.
type Attempt struct {
	Backend string
	Err     error
	Latency time.Duration
}

// ExhaustedError is returned when every candidate backend failed or was skipped.
type ExhaustedError struct {
	Attempts []Attempt
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllBackendsExhausted.Error() + ": no candidate backends"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Backend, a.Err))
	}
	return ErrAllBackendsExhausted.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrAllBackendsExhausted) true.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllBackendsExhausted
}

// LastError returns the cause recorded for the final attempt.
func (e *ExhaustedError) LastError() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}
