package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

type contextKey struct{ name string }

var tenantContextKey = contextKey{"tenant-context"}

// WithTenantContext attaches a verified tenant context to the request
// context.
func WithTenantContext(ctx context.Context, tc models.TenantContext) context.Context {
	return context.WithValue(ctx, tenantContextKey, tc)
}

// FromContext returns the verified tenant context, if any.
func FromContext(ctx context.Context) (models.TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey).(models.TenantContext)
	return tc, ok
}

// Middleware verifies the Authorization header on every request and stores
// the resulting tenant context. Requests without valid credentials are
// rejected before any handler runs; onUnauthenticated writes the response.
func Middleware(verifier *Verifier, logger *observability.Logger, onUnauthenticated func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				onUnauthenticated(w, r, ErrMissingCredentials)
				return
			}
			tc, err := verifier.Verify(token)
			if err != nil {
				logger.Warn(r.Context(), "token verification failed", "error", err.Error())
				onUnauthenticated(w, r, err)
				return
			}
			ctx := WithTenantContext(r.Context(), tc)
			ctx = observability.WithTenant(ctx, tc.TenantID, tc.AppID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(r *http.Request) string {
	value := r.Header.Get("Authorization")
	if value == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return strings.TrimSpace(value[len("bearer "):])
	}
	return ""
}
