package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// TenantContext identifies the caller for the duration of one request.
type TenantContext struct {
	TenantID string
	UserID   string
}

type tenantCtxKey struct{}

// TenantAuth resolves a bearer token to a tenant using a static token
// map. Requests also carry an optional X-User-Id header naming the acting
// user within the tenant.
func TenantAuth(tokens map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token")
				return
			}
			presented := auth[len(prefix):]

			var tenantID string
			for token, tenant := range tokens {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
					tenantID = tenant
				}
			}
			if tenantID == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid bearer token")
				return
			}

			user := r.Header.Get("X-User-Id")
			if user == "" {
				user = "default"
			}

			ctx := context.WithValue(r.Context(), tenantCtxKey{}, TenantContext{TenantID: tenantID, UserID: user})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tenantFrom extracts the TenantContext placed by TenantAuth.
func tenantFrom(r *http.Request) TenantContext {
	tc, _ := r.Context().Value(tenantCtxKey{}).(TenantContext)
	return tc
}
