package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := WithRequestLog("book", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/books/borrow/1", nil)
	req = req.WithContext(ContextWithLogger(req.Context(), logger))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "http_request" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if entry["status"] != float64(http.StatusConflict) {
		t.Fatalf("expected first status to be recorded, got %v", entry["status"])
	}
	if entry["level"] != "WARN" {
		t.Fatalf("expected warn level for 4xx, got %v", entry["level"])
	}
	if entry["service"] != "book" {
		t.Fatalf("unexpected service: %v", entry["service"])
	}
}
