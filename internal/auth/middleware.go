package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"stokbro/internal/models"
)

type contextKey string

const sessionKey contextKey = "session"

// WithSession stores s in ctx
func WithSession(ctx context.Context, s models.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext returns the session stored by Middleware
func FromContext(ctx context.Context) (models.Session, bool) {
	s, ok := ctx.Value(sessionKey).(models.Session)
	return s, ok
}

// Middleware verifies the session headers and threads the session
// through the request context. Unverified requests get 401.
func (v *Verifier) Middleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s, err := v.Verify(
				r.Header.Get(HeaderUserID),
				r.Header.Get(HeaderExpires),
				r.Header.Get(HeaderSignature),
			)
			if err != nil {
				if !errors.Is(err, ErrNoSession) {
					logger.Warn("session verification failed",
						zap.String("path", r.URL.Path),
						zap.Error(err),
					)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}
