package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/georgemunganga/refund-ledger/internal/apperror"
	"github.com/google/uuid"
)

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the authenticated caller, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(svc Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if header == "" || token == header {
				respond(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
				return
			}
			p, err := svc.Parse(token)
			if err != nil {
				respond(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole lets through only callers with one of the given roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				respond(w, http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respond(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		})
	}
}

// AuthorizeSeller fails with ErrForbidden when a seller principal acts on
// another seller's data. Admins and unauthenticated internal calls pass.
func AuthorizeSeller(ctx context.Context, sellerID uuid.UUID) error {
	p, ok := FromContext(ctx)
	if !ok || p.Role == RoleAdmin {
		return nil
	}
	if p.SellerID == nil || *p.SellerID != sellerID {
		return apperror.ErrForbidden
	}
	return nil
}
