package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"

	"relaycast/internal/observability/logging"
)

func TestRequestContextAnnotatesContextAndHeaders(t *testing.T) {
	t.Parallel()

	handler := middleware.RequestID(requestContext(slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID, _ := logging.RequestIDFromContext(r.Context())
		if requestID != "incoming" {
			t.Fatalf("expected request id to be preserved, got %q", requestID)
		}
		if logging.LoggerFromContext(r.Context()) == nil {
			t.Fatal("expected request-scoped logger on context")
		}
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "incoming")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-Id") != "incoming" {
		t.Fatalf("expected response header to carry request id, got %q", rr.Header().Get("X-Request-Id"))
	}
}

func TestRequestContextGeneratesID(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := middleware.RequestID(requestContext(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loggerWithRequestContext(r.Context(), nil).Info("inside handler")
		w.WriteHeader(http.StatusNoContent)
	})))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/rooms", nil))

	generated := rr.Header().Get("X-Request-Id")
	if generated == "" {
		t.Fatal("expected a generated request id header")
	}

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if payload["request_id"] != generated {
		t.Fatalf("expected request_id %q to be propagated, got %v", generated, payload["request_id"])
	}
}
