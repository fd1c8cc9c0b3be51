package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/reflectionguide/reflect/internal/api"
)

type contextKey string

const UserClaimsKey contextKey = "user_claims"

func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				api.HandleError(w, api.ErrUnauthorized)
				return
			}

			claims, err := svc.jwt.ValidateAccessToken(token)
			if err != nil {
				api.HandleError(w, api.ErrInvalidToken)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserClaims(r.Context(), claims)))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so upgrade requests may pass ?token= instead.
func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return "", false
		}
		return token, true
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

func WithUserClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, UserClaimsKey, claims)
}

func GetUserClaims(ctx context.Context) *AccessClaims {
	claims, _ := ctx.Value(UserClaimsKey).(*AccessClaims)
	return claims
}

// RequireProfile returns the caller's claims when they carry a profile
// reference, otherwise it writes the error response and returns false.
func RequireProfile(w http.ResponseWriter, r *http.Request) (*AccessClaims, bool) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return nil, false
	}
	if claims.ProfileID == "" {
		api.HandleError(w, api.ErrNoProfile)
		return nil, false
	}
	return claims, true
}
