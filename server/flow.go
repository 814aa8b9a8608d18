package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Authenticator drives each login attempt through its lifecycle: anonymous,
// login initiated, authenticated, and back to anonymous via logout or
// session expiry. It owns no state of its own; everything lives in the
// injected stores.
type Authenticator struct {
	provider ProviderClient
	nonces   *NonceStore
	sessions *SessionStore
	logger   *slog.Logger
	timeout  time.Duration
}

// CallbackInput is the provider's form_post response to a login attempt.
type CallbackInput struct {
	Code             string
	IDToken          string
	State            string
	Error            string
	ErrorDescription string
}

// NewAuthenticator wires the state machine to its collaborators.
func NewAuthenticator(provider ProviderClient, nonces *NonceStore, sessions *SessionStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		provider: provider,
		nonces:   nonces,
		sessions: sessions,
		logger:   logger,
		timeout:  DefaultProviderTimeout,
	}
}

// BeginLogin starts a fresh attempt: issue a nonce/state pair and build the
// provider redirect. No session exists yet.
func (a *Authenticator) BeginLogin(ctx context.Context) (string, error) {
	nonce, state, err := a.nonces.Issue()
	if err != nil {
		return "", fmt.Errorf("begin login: %w", err)
	}
	return a.provider.AuthCodeURL(state, nonce), nil
}

// CompleteLogin consumes the callback and, on success, creates a session.
//
// The nonce is consumed before any network call, so a timeout or failure
// during the exchange can never re-arm the attempt: a consumed nonce whose
// later steps fail is gone for good and the user starts over at /login.
// When the callback carries an id_token (the code id_token hybrid response
// we request) it is validated directly; only a code-only callback goes
// through the token endpoint.
func (a *Authenticator) CompleteLogin(ctx context.Context, in CallbackInput) (string, Identity, error) {
	if in.Error != "" {
		return "", Identity{}, fmt.Errorf("provider error %s: %s", in.Error, in.ErrorDescription)
	}
	if in.State == "" {
		return "", Identity{}, ErrStateMismatch
	}

	var nonce string
	switch {
	case in.IDToken != "":
		n, err := peekNonce(in.IDToken)
		if err != nil {
			return "", Identity{}, err
		}
		nonce = n
	case in.Code != "":
		n, ok := a.nonces.NonceForState(in.State)
		if !ok {
			return "", Identity{}, ErrNonceNotFound
		}
		nonce = n
	default:
		return "", Identity{}, fmt.Errorf("%w: callback carried neither code nor id_token", ErrMalformedResponse)
	}

	if err := a.nonces.Consume(nonce, in.State); err != nil {
		return "", Identity{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	rawIDToken := in.IDToken
	if rawIDToken == "" {
		raw, err := a.provider.Exchange(ctx, in.Code)
		if err != nil {
			return "", Identity{}, err
		}
		rawIDToken = raw
	}

	identity, err := a.provider.VerifyIDToken(ctx, rawIDToken, nonce)
	if err != nil {
		return "", Identity{}, err
	}

	sessionID, err := a.sessions.Create(identity.Subject, identity.DisplayName, identity.Email)
	if err != nil {
		return "", Identity{}, err
	}
	return sessionID, identity, nil
}

// Status reports authentication state for a session identifier. It is
// total: missing, malformed, and expired identifiers all read as
// unauthenticated, never as an error.
func (a *Authenticator) Status(sessionID string) StatusResponse {
	if sessionID == "" {
		return StatusResponse{}
	}
	sess, ok := a.sessions.Get(sessionID)
	if !ok {
		return StatusResponse{}
	}
	return StatusResponse{
		Authenticated: true,
		User: &StatusUser{
			ID:    sess.Subject,
			Name:  sess.DisplayName,
			Email: sess.Email,
		},
	}
}

// Logout destroys the session. Idempotent.
func (a *Authenticator) Logout(sessionID string) {
	if sessionID == "" {
		return
	}
	a.sessions.Destroy(sessionID)
}
