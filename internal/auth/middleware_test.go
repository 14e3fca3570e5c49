package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func protectedHandler(t *testing.T, svc *Service) http.Handler {
	t.Helper()
	return Middleware(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Subject(r.Context())))
	}))
}

func TestMiddlewareValidToken(t *testing.T) {
	svc := newTestService(memCreds{})
	token, err := MintToken(signingSecret, "alice", time.Now())
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	req := httptest.NewRequest("GET", "/offer", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	protectedHandler(t, svc).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "alice" {
		t.Errorf("subject = %q, want alice", rec.Body.String())
	}
}

func TestMiddlewareFailures(t *testing.T) {
	svc := newTestService(memCreds{})

	expired, err := MintToken(signingSecret, "alice", time.Now().Add(-TokenLifetime-time.Minute))
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}
	foreign, err := MintToken([]byte("other-secret"), "alice", time.Now())
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	tests := []struct {
		name    string
		header  string
		wantErr string
	}{
		{"no header", "", "no token provided"},
		{"wrong scheme", "Basic abc", "no token provided"},
		{"expired", "Bearer " + expired, "token expired"},
		{"bad signature", "Bearer " + foreign, "invalid token"},
		{"garbage", "Bearer not.a.jwt", "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/offer", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protectedHandler(t, svc).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("error body is not JSON: %v", err)
			}
			if body["error"] != tt.wantErr {
				t.Errorf("error = %q, want %q", body["error"], tt.wantErr)
			}
		})
	}
}
