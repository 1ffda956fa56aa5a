package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/StrataBot/MarketMind/internal/logger"
)

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = logger.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got == "" {
		t.Fatal("expected generated request id in context")
	}
	if rec.Header().Get("X-Request-ID") != got {
		t.Fatalf("expected response header %q, got %q", got, rec.Header().Get("X-Request-ID"))
	}
	if len(got) != 32 {
		t.Fatalf("expected 32-char hex id, got %q", got)
	}
}

func TestRequestIDPreservesIncoming(t *testing.T) {
	var got string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = logger.RequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got != "abc-123" {
		t.Fatalf("expected incoming id preserved, got %q", got)
	}
}
