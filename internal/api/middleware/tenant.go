package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// TenantIDKey is the context key for the calling tenant's ID.
	TenantIDKey contextKey = "tenant_id"
	// RoleKey is the context key for the caller's role.
	RoleKey contextKey = "role"
)

// TenantExtractor pulls the tenant identity and caller role from request
// headers, falling back to query parameters. Requests with no tenant at all
// land in "default", which admin deployments typically reject at the auth
// layer instead.
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
		if tenant == "" {
			tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
		}
		if tenant == "" {
			tenant = "default"
		}

		role := strings.TrimSpace(r.Header.Get("X-Role"))
		if role == "" {
			role = strings.TrimSpace(r.URL.Query().Get("role"))
		}

		ctx := context.WithValue(r.Context(), TenantIDKey, tenant)
		ctx = context.WithValue(ctx, RoleKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return "default"
}

// GetRole retrieves the caller role from the request context.
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(RoleKey).(string); ok {
		return v
	}
	return ""
}
