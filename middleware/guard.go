package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gmpsuite/gmpauth"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by Guard.
func ClaimsFromContext(ctx context.Context) (*gmpauth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*gmpauth.Claims)
	return claims, ok && claims != nil
}

// WithClaims stores claims on ctx the way Guard does.
func WithClaims(ctx context.Context, claims *gmpauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// Guard rejects requests without a valid bearer token. routeMode overrides
// the engine default for the wrapped handler; pass gmpauth.ModeInherit to
// keep it.
func Guard(engine *gmpauth.Engine, routeMode gmpauth.RouteMode) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				unauthorized(w)
				return
			}

			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				unauthorized(w)
				return
			}

			claims, err := engine.Validate(r.Context(), token, routeMode)
			if err != nil {
				unauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireJWTOnly guards with signature checks only. No Redis round trip.
func RequireJWTOnly(engine *gmpauth.Engine) func(http.Handler) http.Handler {
	return Guard(engine, gmpauth.ModeJWTOnly)
}

// RequireStrict guards with the revocation list and a live session.
func RequireStrict(engine *gmpauth.Engine) func(http.Handler) http.Handler {
	return Guard(engine, gmpauth.ModeStrict)
}

// RequirePermission must run after Guard.
func RequirePermission(engine *gmpauth.Engine, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			if !engine.HasPermission(claims, perm) {
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole passes when the token carries any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			for _, role := range roles {
				if claims.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			forbidden(w)
		})
	}
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(value string) (string, bool) {
	const bearer = "bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="gmp"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func forbidden(w http.ResponseWriter) {
	http.Error(w, "forbidden", http.StatusForbidden)
}
