package httputil

import (
	"errors"
	"strings"
	"testing"
)

func TestReadResponse_WithinLimit(t *testing.T) {
	body, err := ReadResponse(strings.NewReader("hello"), 10)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadResponse_ExactLimit(t *testing.T) {
	body, err := ReadResponse(strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadResponse_TooLarge(t *testing.T) {
	body, err := ReadResponse(strings.NewReader("helloworld"), 5)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("expected ErrResponseTooLarge, got %v", err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadResponse_NoLimit(t *testing.T) {
	body, err := ReadResponse(strings.NewReader("helloworld"), 0)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if string(body) != "helloworld" {
		t.Fatalf("unexpected body: %s", string(body))
	}
}

func TestReadErrorBody_Truncates(t *testing.T) {
	long := strings.Repeat("x", int(MaxErrorBytes)+10)
	if got := ReadErrorBody(strings.NewReader(long)); int64(len(got)) != MaxErrorBytes {
		t.Fatalf("len = %d, want %d", len(got), MaxErrorBytes)
	}
}
