package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockStatusCollector struct {
	statuses []int
}

func (m *mockStatusCollector) RecordTransition(string)                   {}
func (m *mockStatusCollector) RecordVerification(string)                 {}
func (m *mockStatusCollector) RecordNotification(string, bool)           {}
func (m *mockStatusCollector) RecordCertification(string, time.Duration) {}
func (m *mockStatusCollector) RecordFallbackRender()                     {}
func (m *mockStatusCollector) RecordHTTPStatus(code int)                 { m.statuses = append(m.statuses, code) }

func decodeLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

// TestLoggingMiddleware_LogsRequestFields はリクエストログに必要なフィールドが含まれることを検証する。
func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	collector := &mockStatusCollector{}

	handler := NewLoggingMiddleware(logger, collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/envelopes", nil))

	entry := decodeLogEntry(t, &buf)
	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "POST" {
		t.Errorf("method = %v, want POST", entry["method"])
	}
	if entry["path"] != "/api/envelopes" {
		t.Errorf("path = %v, want /api/envelopes", entry["path"])
	}
	if entry["status"] != float64(201) {
		t.Errorf("status = %v, want 201", entry["status"])
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Error("expected duration_ms field")
	}
	if len(collector.statuses) != 1 || collector.statuses[0] != 201 {
		t.Errorf("recorded statuses = %v, want [201]", collector.statuses)
	}
}

// TestLoggingMiddleware_IncludesAttrsFromInnerHandlers は後段で追加した属性がログに含まれることを検証する。
func TestLoggingMiddleware_IncludesAttrsFromInnerHandlers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	auth := NewOwnerAuthMiddleware(stubVerifier{ownerID: "owner-42"})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogAttrs(r.Context(), slog.String("signer_id", "signer-7"))
		w.WriteHeader(http.StatusOK)
	})
	handler := NewLoggingMiddleware(logger, nil)(auth(inner))

	req := httptest.NewRequest(http.MethodGet, "/api/envelopes", nil)
	req.Header.Set("Authorization", "Bearer tok")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := decodeLogEntry(t, &buf)
	if entry["owner_id"] != "owner-42" {
		t.Errorf("owner_id = %v, want owner-42", entry["owner_id"])
	}
	if entry["signer_id"] != "signer-7" {
		t.Errorf("signer_id = %v, want signer-7", entry["signer_id"])
	}
}

// TestLoggingMiddleware_LevelByStatus はステータスコードに応じてログレベルが変わることを検証する。
func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusConflict, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		entry := decodeLogEntry(t, &buf)
		if entry["level"] != tt.want {
			t.Errorf("status %d: level = %v, want %s", tt.status, entry["level"], tt.want)
		}
	}
}

// TestLoggingMiddleware_ImplicitOK はWriteHeaderを呼ばない場合に200として記録されることを検証する。
func TestLoggingMiddleware_ImplicitOK(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	entry := decodeLogEntry(t, &buf)
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if _, ok := entry["owner_id"]; ok {
		t.Error("owner_id should be omitted for anonymous requests")
	}
}
