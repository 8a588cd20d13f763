// Package httputil bounds how much of a backend response is read.
package httputil

import (
	"errors"
	"io"
)

const (
	// MaxResponseBytes caps successful backend responses.
	MaxResponseBytes int64 = 10 << 20
	// MaxErrorBytes caps error responses, which are only kept for messages.
	MaxErrorBytes int64 = 1 << 20
)

// ErrResponseTooLarge is returned when a response exceeds its cap.
var ErrResponseTooLarge = errors.New("response body too large")

// ReadResponse reads at most limit bytes of r. A longer body returns the
// first limit bytes and ErrResponseTooLarge. limit <= 0 reads everything.
func ReadResponse(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > limit {
		return body[:limit], ErrResponseTooLarge
	}
	return body, nil
}

// ReadErrorBody reads an error response for its message, truncating
// silently. Read failures yield whatever arrived.
func ReadErrorBody(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, MaxErrorBytes))
	return body
}
