package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the authentication endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware)
	}

	r.Get("/health", a.handleHealth)
	r.Get("/login", a.handleLogin)
	r.Post("/callback", a.handleCallback)
	r.Get("/status", a.handleStatus)
	r.Get("/status/{sessionID}", a.handleStatus)
	r.Post("/logout", a.handleLogout)
	r.Get("/error", a.handleAuthError)

	return r
}
