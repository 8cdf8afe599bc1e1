package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/wispchat/backend/internal/auth"
	"github.com/wispchat/backend/internal/domain"
	"github.com/wispchat/backend/pkg/response"
)

type contextKey string

const IdentityKey contextKey = "identity"

// AuthMiddleware creates JWT authentication middleware
func AuthMiddleware(jwtManager *auth.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				response.Unauthorized(w, "invalid authorization header format")
				return
			}

			claims, err := jwtManager.ValidateToken(parts[1])
			if err != nil {
				if err == auth.ErrExpiredToken {
					response.Unauthorized(w, "token has expired")
					return
				}
				response.Unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), IdentityKey, claims.Identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetIdentity extracts the caller identity from context
func GetIdentity(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(IdentityKey).(string)
	return identity, ok && identity != ""
}

// ContextIdentityProvider adapts request contexts to the identity provider
// interface the core consumes.
type ContextIdentityProvider struct{}

var _ domain.IdentityProvider = ContextIdentityProvider{}

func (ContextIdentityProvider) CurrentIdentity(ctx context.Context) (string, bool) {
	return GetIdentity(ctx)
}

func (ContextIdentityProvider) IsSignedIn(ctx context.Context) bool {
	_, ok := GetIdentity(ctx)
	return ok
}
