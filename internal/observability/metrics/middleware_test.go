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
		w.WriteHeader(http.StatusConflict)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/api/v1/videos/live/12", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	want := `peertube_live_http_requests_total{method="PUT",path="/api/v1/videos/live/:id",status="409"} 1`
	if !strings.Contains(buf.String(), want) {
		t.Fatalf("metrics output missing %q:\n%s", want, buf.String())
	}
}

func TestResponseRecorderCountsBytesAndKeepsFirstStatus(t *testing.T) {
	w := httptest.NewRecorder()
	rr := NewResponseRecorder(w)

	if _, err := rr.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rr.WriteHeader(http.StatusInternalServerError)
	if _, err := rr.Write([]byte(" world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if rr.Status() != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Status())
	}
	if rr.BytesWritten() != 11 {
		t.Fatalf("bytes = %d, want 11", rr.BytesWritten())
	}
	if w.Body.String() != "hello world" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	conn net.Conn
}

func (h hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.conn, bufio.NewReadWriter(bufio.NewReader(h.conn), bufio.NewWriter(h.conn)), nil
}

func TestResponseRecorderHijack(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	rr := NewResponseRecorder(hijackableWriter{ResponseRecorder: httptest.NewRecorder(), conn: server})
	conn, _, err := rr.Hijack()
	if err != nil {
		t.Fatalf("Hijack: %v", err)
	}
	if conn != server {
		t.Fatal("hijack returned a different connection")
	}
	if rr.Status() != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", rr.Status())
	}
}

func TestResponseRecorderHijackUnsupported(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	if _, _, err := rr.Hijack(); err != http.ErrNotSupported {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
	if rr.Unwrap() == nil {
		t.Fatal("Unwrap returned nil")
	}
}
