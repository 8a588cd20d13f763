package main

import (
	"net/http"

	"github.com/blueberrycongee/genmux/internal/metrics"
	"github.com/blueberrycongee/genmux/internal/observability"
)

// buildMiddlewareStack wraps next so every request carries a request ID and
// is counted under its matched route.
func buildMiddlewareStack(next http.Handler) http.Handler {
	if next == nil {
		return nil
	}
	handler := metrics.Middleware(next)
	handler = observability.RequestIDMiddleware(handler)
	return handler
}
