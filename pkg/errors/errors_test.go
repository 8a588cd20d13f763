package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Class
	}{
		{"quota keyword", "Resource has been exhausted (e.g. check quota).", ClassQuota},
		{"exceeded keyword", "monthly limit EXCEEDED for this key", ClassQuota},
		{"status 429", "request failed with status 429", ClassRateLimit},
		{"rate limit phrase", "Rate limit reached for requests", ClassRateLimit},
		{"too many requests", "Too Many Requests", ClassRateLimit},
		{"server error", "internal server error", ClassOther},
		{"empty", "", ClassOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	t.Run("typed rate limit", func(t *testing.T) {
		err := fmt.Errorf("call: %w", NewRateLimitError("gemini", "gemini-2.0-flash", "slow down"))
		if got := ClassifyError(err); got != ClassRateLimit {
			t.Errorf("ClassifyError() = %v, want rate_limit", got)
		}
	})

	t.Run("typed quota", func(t *testing.T) {
		err := &LLMError{StatusCode: http.StatusForbidden, Type: TypeQuota, Message: "billing"}
		if got := ClassifyError(err); got != ClassQuota {
			t.Errorf("ClassifyError() = %v, want quota", got)
		}
	})

	t.Run("falls back to text", func(t *testing.T) {
		err := NewInternalError("openai", "gpt-4", "You exceeded your current quota")
		if got := ClassifyError(err); got != ClassQuota {
			t.Errorf("ClassifyError() = %v, want quota", got)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if got := ClassifyError(nil); got != ClassOther {
			t.Errorf("ClassifyError(nil) = %v, want other", got)
		}
	})

	t.Run("quota related", func(t *testing.T) {
		if !ClassQuota.QuotaRelated() || !ClassRateLimit.QuotaRelated() || ClassOther.QuotaRelated() {
			t.Error("QuotaRelated mismatch")
		}
	})
}

func TestLLMErrorKinds(t *testing.T) {
	if !stderrors.Is(NewRateLimitError("p", "m", "msg"), ErrQuotaExceeded) {
		t.Error("429 should unwrap to ErrQuotaExceeded")
	}
	if !stderrors.Is(NewServiceUnavailableError("p", "m", "msg"), ErrBackendCallFailed) {
		t.Error("503 should unwrap to ErrBackendCallFailed")
	}
	if stderrors.Is(NewServiceUnavailableError("p", "m", "msg"), ErrQuotaExceeded) {
		t.Error("503 should not unwrap to ErrQuotaExceeded")
	}
}

func TestExhaustedError(t *testing.T) {
	last := NewServiceUnavailableError("openai", "gpt-4", "down")
	err := error(&ExhaustedError{Attempts: []Attempt{
		{Backend: "gemini", Err: ErrNoCredentialAvailable},
		{Backend: "openai", Err: last},
	}})

	if !stderrors.Is(err, ErrAllBackendsExhausted) {
		t.Fatal("expected ErrAllBackendsExhausted")
	}
	var exhausted *ExhaustedError
	if !stderrors.As(err, &exhausted) {
		t.Fatal("expected *ExhaustedError")
	}
	if exhausted.LastError() != last {
		t.Errorf("LastError() = %v, want %v", exhausted.LastError(), last)
	}
	for _, s := range []string{"gemini", "openai", "no credential available"} {
		if !strings.Contains(err.Error(), s) {
			t.Errorf("error message should contain %q, got %q", s, err.Error())
		}
	}
	if (&ExhaustedError{}).LastError() != nil {
		t.Error("empty ExhaustedError should have nil LastError")
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status   int
		wantType string
	}{
		{http.StatusUnauthorized, TypeAuthentication},
		{http.StatusForbidden, TypeAuthentication},
		{http.StatusTooManyRequests, TypeRateLimit},
		{http.StatusBadRequest, TypeInvalidRequest},
		{http.StatusNotFound, TypeNotFound},
		{http.StatusGatewayTimeout, TypeTimeout},
		{http.StatusBadGateway, TypeServiceUnavailable},
		{http.StatusInternalServerError, TypeInternalError},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := FromStatus(tt.status, "qwen", "qwen-turbo", "msg")
			if err.Type != tt.wantType {
				t.Errorf("FromStatus(%d).Type = %s, want %s", tt.status, err.Type, tt.wantType)
			}
			if err.Backend != "qwen" || err.Model != "qwen-turbo" {
				t.Errorf("backend/model not propagated: %+v", err)
			}
		})
	}
}
