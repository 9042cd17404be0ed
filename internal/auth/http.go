// ABOUTME: HTTP middleware for JWT authentication on API and WebSocket endpoints
// ABOUTME: Reads the token from the Authorization header or ?token= and adds identity to context

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// TokenQueryParam lets browser WebSocket clients, which cannot set headers, pass a token.
const TokenQueryParam = "token"

// ErrNoCredentials means the request carried no bearer token at all.
var ErrNoCredentials = errors.New("missing credentials")

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequestToken returns the participant token carried by r, if any.
func RequestToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, errMsg := extractBearerToken(h)
		if errMsg != "" {
			return "", errors.New(errMsg)
		}
		return token, nil
	}
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token, nil
	}
	return "", ErrNoCredentials
}

// Authenticate verifies the request's participant token.
func Authenticate(r *http.Request, verifier Verifier) (*AuthContext, error) {
	token, err := RequestToken(r)
	if err != nil {
		return nil, err
	}
	id, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	return &AuthContext{ParticipantID: id.ParticipantID, ConversationID: id.ConversationID}, nil
}

// HTTPAuthMiddleware rejects requests without a valid participant token and
// attaches the AuthContext for downstream handlers. When the route has an
// {id} path value, the token must belong to that conversation.
func HTTPAuthMiddleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, err := Authenticate(r, verifier)
			if err != nil {
				msg := "invalid token"
				switch {
				case errors.Is(err, ErrExpiredToken):
					msg = "token expired"
				case errors.Is(err, ErrNoCredentials):
					msg = "missing authorization header"
				}
				http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
				return
			}
			if id := r.PathValue("id"); id != "" && !ac.Allows(id) {
				http.Error(w, `{"error":"token is not valid for this conversation"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), ac)))
		})
	}
}
