package util

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	t.Run("propagates incoming header", func(t *testing.T) {
		const incoming = "req-incoming-123"
		handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := RequestIDFromRequest(r); got != incoming {
				t.Fatalf("request id in context = %q, want %q", got, incoming)
			}
		}))

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-Id", incoming)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Request-Id"); got != incoming {
			t.Fatalf("response request id = %q, want %q", got, incoming)
		}
	})

	t.Run("generates when missing", func(t *testing.T) {
		handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RequestIDFromRequest(r) == "" {
				t.Fatal("expected generated request id in context")
			}
		}))

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		generated := rec.Header().Get("X-Request-Id")
		if len(generated) != 32 {
			t.Fatalf("generated id = %q, want 32 hex chars", generated)
		}
	})
}
