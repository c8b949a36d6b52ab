package server

import (
	"net/http"

	"github.com/dgellow/oidc-rp/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the relying party routes. m may be nil, in which case
// /metrics is not served.
func NewRouter(h *AuthHandlers, sessions SessionLookup, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(NewLoggerMiddleware("http"))
	r.Use(NewRecoverMiddleware("http"))

	r.Method(http.MethodGet, "/health", NewHealthHandler())
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(NewSecurityHeadersMiddleware())
		r.Get("/login", h.LoginHandler)
		r.Get("/callback", h.CallbackHandler)

		r.Group(func(r chi.Router) {
			r.Use(NewSessionMiddleware(sessions))
			r.Get("/session", h.SessionHandler)
			r.Post("/logout", h.LogoutHandler)
		})
	})

	return r
}
