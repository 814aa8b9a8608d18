package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
)

const serviceName = "authd"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Auth     *Authenticator
	Sessions *SessionManager
}

// NewApp wires together the application state from configuration. ctx must
// remain valid for the app's lifetime; the provider reuses it for
// signing-key refreshes.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	provider, err := NewOIDCProvider(ctx, cfg.Provider, logger)
	if err != nil {
		return nil, fmt.Errorf("init provider: %w", err)
	}
	return newAppWithProvider(cfg, logger, provider)
}

func newAppWithProvider(cfg Config, logger *slog.Logger, provider ProviderClient) (*App, error) {
	activeKey, keys, err := cfg.CookieKeyring()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		if !cfg.Server.DevMode {
			return nil, fmt.Errorf("no cookie keys configured")
		}
		activeKey, keys, err = newEphemeralCookieKey()
		if err != nil {
			return nil, err
		}
		logger.Warn("using ephemeral cookie key; sessions will not survive a restart")
	}

	codec, err := NewCookieCodec(activeKey, keys)
	if err != nil {
		return nil, err
	}

	sessions := NewSessionStore(time.Duration(cfg.Sessions.TTL))
	nonces := NewNonceStore(time.Duration(cfg.Login.NonceTTL))

	return &App{
		Config:   cfg,
		Logger:   logger,
		Auth:     NewAuthenticator(provider, nonces, sessions, logger),
		Sessions: NewSessionManager(cfg, codec),
	}, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "OK", "service": serviceName})
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	redirectURL, err := a.Auth.BeginLogin(r.Context())
	if err != nil {
		a.Logger.Error("begin login", "request_id", RequestIDFromContext(r.Context()), "error", err)
		http.Error(w, "login unavailable", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.failLogin(w, r, fmt.Errorf("%w: unparseable callback form", ErrMalformedResponse))
		return
	}

	in := CallbackInput{
		Code:             r.PostFormValue("code"),
		IDToken:          r.PostFormValue("id_token"),
		State:            r.PostFormValue("state"),
		Error:            r.PostFormValue("error"),
		ErrorDescription: r.PostFormValue("error_description"),
	}

	sessionID, identity, err := a.Auth.CompleteLogin(r.Context(), in)
	if err != nil {
		a.failLogin(w, r, err)
		return
	}

	if err := a.Sessions.Issue(w, sessionID); err != nil {
		a.Logger.Error("issue session cookie", "request_id", RequestIDFromContext(r.Context()), "error", err)
		a.Auth.Logout(sessionID)
		http.Redirect(w, r, "/error", http.StatusSeeOther)
		return
	}

	a.Logger.Info("login complete",
		"request_id", RequestIDFromContext(r.Context()),
		"subject", identity.Subject,
	)
	http.Redirect(w, r, successRedirectURL(a.Config.App.ExternalURL, sessionID), http.StatusFound)
}

// failLogin terminates the attempt: log server-side with full context,
// surface nothing but a generic error redirect to the client.
func (a *App) failLogin(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())
	switch {
	case isTokenError(err):
		a.Logger.Error("id token rejected", "request_id", reqID, "error", err)
	case isNonceError(err):
		a.Logger.Warn("login attempt rejected", "request_id", reqID, "error", err)
	default:
		a.Logger.Error("login failed", "request_id", reqID, "error", err)
	}
	http.Redirect(w, r, "/error", http.StatusSeeOther)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		sessionID, _ = a.Sessions.Read(r)
	}
	writeJSON(w, a.Auth.Status(sessionID))
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sessionID, ok := a.Sessions.Read(r); ok {
		a.Auth.Logout(sessionID)
	}
	a.Sessions.Clear(w)
	writeJSON(w, map[string]string{"message": "Logged out successfully"})
}

func (a *App) handleAuthError(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Authentication failed"})
}

// successRedirectURL sends the user back to the downstream application with
// the session identifier in the query, its cross-process contract for
// polling /status.
func successRedirectURL(externalURL, sessionID string) string {
	u, err := url.Parse(externalURL)
	if err != nil {
		return externalURL
	}
	q := u.Query()
	q.Set("auth", "success")
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
