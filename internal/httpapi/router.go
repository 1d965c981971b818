// Package httpapi is the REST surface of the gmp-auth service.
package httpapi

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/gmpsuite/gmpauth"
	"github.com/gmpsuite/gmpauth/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// UserDirectory serves the user summary endpoint.
type UserDirectory interface {
	Summary(ctx context.Context, userID string) (store.UserSummary, error)
}

// Deps wires the handler. Users and Metrics are optional.
type Deps struct {
	Engine  *gmpauth.Engine
	Users   UserDirectory
	Metrics http.Handler
	Logger  *zap.Logger
	// TrustedProxies are the only peers whose X-Forwarded-For is honoured.
	TrustedProxies []netip.Prefix
}

// Handler holds the dependencies shared by every route.
type Handler struct {
	engine  *gmpauth.Engine
	users   UserDirectory
	metrics http.Handler
	log     *zap.Logger
	proxies []netip.Prefix
}

func NewHandler(deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:  deps.Engine,
		users:   deps.Users,
		metrics: deps.Metrics,
		log:     log.With(zap.String("module", "http")),
		proxies: append([]netip.Prefix(nil), deps.TrustedProxies...),
	}
}

// NewRouter registers the gmp-auth routes and middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", h.login)
		r.Post("/auth/refresh", h.refresh)
		r.Post("/auth/validate", h.validate)
		r.Post("/auth/password/check", h.checkPassword)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware)
			r.Post("/auth/logout", h.logout)
			r.Post("/auth/logout-all", h.logoutAll)
			r.Get("/auth/me", h.me)
			r.Post("/auth/password/change", h.changePassword)
			r.With(h.requirePermission("user:manage")).Post("/auth/revoke", h.revoke)
			r.Get("/users/{id}/summary", h.userSummary)
		})
	})

	return r
}
