package metrics

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/rooms/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `relaycast_http_requests_total{method="GET",path="/rooms/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestResponseRecorderPreservesHijacker(t *testing.T) {
	inner := &hijackableWriter{ResponseRecorder: httptest.NewRecorder()}
	rr := NewResponseRecorder(inner)

	if _, _, err := rr.Hijack(); err != nil {
		t.Fatalf("hijack: %v", err)
	}
	if !inner.hijacked {
		t.Fatal("expected hijack to reach the underlying writer")
	}

	plain := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := plain.Hijack(); err != http.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if plain.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", plain.Status())
	}
}
