package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/Hashdive/escra-example/httpx"
)

type ctxKey int

const ctxKeyOperator ctxKey = iota

// WithOperator returns a context carrying the authenticated operator name.
func WithOperator(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKeyOperator, name)
}

// OperatorFromContext returns the operator set by Middleware, if any.
func OperatorFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(ctxKeyOperator).(string)
	return name, ok && name != ""
}

// Middleware rejects requests without a valid bearer token.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token", nil)
			return
		}
		operator, err := s.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized", "invalid token", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), operator)))
	})
}
