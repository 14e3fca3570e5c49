package auth

import (
	"context"
	"errors"
	"net/http"
)

// contextKey is an unexported type for context keys.
type contextKey struct{}

// ContextKey is the key used to store the authenticated subject in context.Context.
var ContextKey = contextKey{}

// Subject returns the authenticated username attached by Middleware, or ""
// for unauthenticated requests.
func Subject(ctx context.Context) string {
	s, _ := ctx.Value(ContextKey).(string)
	return s
}

// Middleware guards an endpoint with a bearer-token check. It extracts
// "Authorization: Bearer <token>", verifies signature and expiry, and
// attaches the subject to the request context. Failures return 401 with a
// JSON error body distinguishing missing, expired, and invalid tokens.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearerToken(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w, ErrNoToken)
				return
			}

			subject, err := svc.Verify(token)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) {
					svc.Log.Warn("expired token used", "path", r.URL.Path)
				} else {
					svc.Log.Warn("invalid token used", "path", r.URL.Path)
				}
				unauthorized(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), ContextKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + err.Error() + `"}`))
}
