package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey struct{}

// Middleware extracts the bearer token from the Authorization header,
// verifies it with the provider, and stores the tenant id on the
// request context. Requests that fail verification get a 401.
func Middleware(provider Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)

			tenantID, err := provider.Verify(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"invalid or missing credentials"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFrom returns the tenant id stored by Middleware. ok is false
// when the request did not pass through it.
func TenantFrom(ctx context.Context) (uuid.UUID, bool) {
	tenantID, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return tenantID, ok
}

func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return ""
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
