// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header and query token extraction, rejection codes and conversation scoping

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// routed mounts the middleware the way the gateway does, so {id} resolves.
func routed(verifier Verifier, got **AuthContext) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/conversations/{id}/participants", HTTPAuthMiddleware(verifier)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*got = FromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}),
	))
	return mux
}

func TestHTTPAuthMiddleware_ValidBearerToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("p-alice", "conv-1", time.Hour)

	var got *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/participants", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	routed(verifier, &got).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.ParticipantID != "p-alice" || got.ConversationID != "conv-1" {
		t.Errorf("unexpected AuthContext %+v", got)
	}
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("p-alice", "conv-1", time.Hour)

	var got *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/api/conversations/conv-1/participants?token="+token, nil)
	rec := httptest.NewRecorder()
	routed(verifier, &got).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil || got.ParticipantID != "p-alice" {
		t.Errorf("unexpected AuthContext %+v", got)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier := newTestVerifier(t)
	valid, _ := verifier.Generate("p-alice", "conv-1", time.Hour)
	expired, _ := verifier.Generate("p-alice", "conv-1", -time.Hour)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "missing header",
			path:       "/api/conversations/conv-1/participants",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "missing authorization header",
		},
		{
			name:       "basic auth",
			path:       "/api/conversations/conv-1/participants",
			header:     "Basic dXNlcjpwYXNz",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "invalid token",
		},
		{
			name:       "garbage token",
			path:       "/api/conversations/conv-1/participants",
			header:     "Bearer nope",
			wantStatus: http.StatusUnauthorized,
			wantBody:   "invalid token",
		},
		{
			name:       "expired token",
			path:       "/api/conversations/conv-1/participants",
			header:     "Bearer " + expired,
			wantStatus: http.StatusUnauthorized,
			wantBody:   "token expired",
		},
		{
			name:       "other conversation",
			path:       "/api/conversations/conv-2/participants",
			header:     "Bearer " + valid,
			wantStatus: http.StatusForbidden,
			wantBody:   "not valid for this conversation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthContext
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			routed(verifier, &got).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
			if got != nil {
				t.Error("handler should not have run")
			}
		})
	}
}

func TestRequestToken_HeaderWinsOverQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws/conversations/c?token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")

	token, err := RequestToken(req)
	if err != nil {
		t.Fatalf("RequestToken() error = %v", err)
	}
	if token != "from-header" {
		t.Errorf("RequestToken() = %q, want from-header", token)
	}
}
