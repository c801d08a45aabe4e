package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/tokenpay/internal/errors"
)

// AdminKeyHeader carries the operator API key.
const AdminKeyHeader = "X-Admin-Key"

// AdminKey guards operator routes. The key is read from X-Admin-Key or an
// "Authorization: Bearer" header. An empty configured key rejects every request.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "admin routes are disabled")
				return
			}
			provided := adminKeyFromRequest(r)
			if provided == "" {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingCredentials, "admin key required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func adminKeyFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(AdminKeyHeader)); v != "" {
		return v
	}
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) > len(prefix) && strings.EqualFold(authz[:len(prefix)], prefix) {
		return strings.TrimSpace(authz[len(prefix):])
	}
	return ""
}
