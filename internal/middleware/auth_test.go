package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubVerifier struct {
	ownerID string
	err     error
}

func (s stubVerifier) Verify(token string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.ownerID, nil
}

func TestOwnerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		verifier   stubVerifier
		wantStatus int
		wantOwner  string
	}{
		{"valid bearer", "Bearer good", stubVerifier{ownerID: "owner-1"}, http.StatusOK, "owner-1"},
		{"lowercase scheme", "bearer good", stubVerifier{ownerID: "owner-1"}, http.StatusOK, "owner-1"},
		{"missing header", "", stubVerifier{ownerID: "owner-1"}, http.StatusUnauthorized, ""},
		{"basic scheme", "Basic abc", stubVerifier{ownerID: "owner-1"}, http.StatusUnauthorized, ""},
		{"empty token", "Bearer  ", stubVerifier{ownerID: "owner-1"}, http.StatusUnauthorized, ""},
		{"rejected token", "Bearer bad", stubVerifier{err: errors.New("bad")}, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOwner string
			handler := NewOwnerAuthMiddleware(tt.verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOwner, _ = OwnerIDFromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/envelopes", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotOwner != tt.wantOwner {
				t.Errorf("owner = %q, want %q", gotOwner, tt.wantOwner)
			}
		})
	}
}

func TestOwnerIDFromContext_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := OwnerIDFromContext(req.Context()); !errors.Is(err, ErrNoOwner) {
		t.Errorf("err = %v, want ErrNoOwner", err)
	}
}
