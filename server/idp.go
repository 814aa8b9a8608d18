package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// fallbackEmail is the deterministic placeholder used when a token carries
// no usable email claim.
const fallbackEmail = "unknown@example.com"

// clockSkew is the tolerance applied to exp/iat checks.
const clockSkew = 5 * time.Minute

// discoveryTimeout bounds the startup metadata fetch so a hung provider
// cannot stall the process. Variable so tests can shorten it.
var discoveryTimeout = DefaultProviderTimeout

// ProviderClient is the relying-party half of the Authorization Code +
// ID Token flow against a single upstream provider.
type ProviderClient interface {
	// AuthCodeURL composes the provider authorization URL for one login
	// attempt. Pure function of configuration and inputs.
	AuthCodeURL(state, nonce string) string
	// Exchange redeems an authorization code and returns the raw ID token
	// from the token response.
	Exchange(ctx context.Context, code string) (string, error)
	// VerifyIDToken validates signature, issuer, audience, lifetime, and
	// nonce, and returns the identity asserted by the token.
	VerifyIDToken(ctx context.Context, rawIDToken, expectedNonce string) (Identity, error)
}

// OIDCProvider implements ProviderClient via OIDC discovery. Signing keys
// are cached by the remote key set and refreshed once when a token arrives
// with an unknown key ID, which covers provider key rotation.
type OIDCProvider struct {
	issuer      string
	clientID    string
	oauthConfig *oauth2.Config
	keys        oidc.KeySet
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery. ctx must remain
// valid for the provider's lifetime; it is reused for key-set refreshes.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*OIDCProvider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer required")
	}

	issuer := cfg.Issuer
	if cfg.TenantID != "" {
		if resolved, ok := resolveAzureTenantIssuer(cfg.Issuer, cfg.TenantID); ok {
			issuer = resolved
		}
	}

	// The discovery fetch is bounded separately; ctx itself lives as long
	// as the app and must not carry a deadline.
	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	op, err := oidc.NewProvider(discoverCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil || meta.JWKSURI == "" {
		return nil, fmt.Errorf("provider metadata missing jwks_uri")
	}
	keys := oidc.NewRemoteKeySet(ctx, meta.JWKSURI)

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &OIDCProvider{
		issuer:   issuer,
		clientID: cfg.ClientID,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		keys:   keys,
		logger: logger,
	}, nil
}

// AuthCodeURL requests the hybrid code id_token response delivered via
// form_post, so the callback receives the ID token directly.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauthConfig.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_type", "code id_token"),
		oauth2.SetAuthURLParam("response_mode", "form_post"),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
}

// Exchange redeems the authorization code at the token endpoint.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("%w: token response missing id_token", ErrMalformedResponse)
	}
	return raw, nil
}

// idTokenClaims is the subset of ID-token claims the service interprets.
type idTokenClaims struct {
	Issuer            string   `json:"iss"`
	Subject           string   `json:"sub"`
	Audience          audience `json:"aud"`
	Expiry            int64    `json:"exp"`
	IssuedAt          int64    `json:"iat"`
	Nonce             string   `json:"nonce"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	UPN               string   `json:"upn"`
	ObjectID          string   `json:"oid"`
}

// VerifyIDToken checks the token signature against the provider's published
// keys, then validates iss, aud, exp, iat, and nonce in that order so each
// failure surfaces its specific error.
func (p *OIDCProvider) VerifyIDToken(ctx context.Context, rawIDToken, expectedNonce string) (Identity, error) {
	payload, err := p.keys.VerifySignature(ctx, rawIDToken)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var claims idTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: undecodable id token payload", ErrMalformedResponse)
	}

	if err := validateClaims(claims, p.issuer, p.clientID, expectedNonce, time.Now()); err != nil {
		return Identity{}, err
	}

	return identityFromClaims(claims), nil
}

func validateClaims(claims idTokenClaims, issuer, clientID, expectedNonce string, now time.Time) error {
	if claims.Issuer != issuer {
		return fmt.Errorf("%w: got %q", ErrIssuerMismatch, claims.Issuer)
	}
	if !claims.Audience.contains(clientID) {
		return ErrAudienceMismatch
	}
	// exp is mandatory in ID tokens; a token without one never expires and
	// must not be accepted.
	if claims.Expiry <= 0 {
		return fmt.Errorf("%w: missing exp claim", ErrTokenExpired)
	}
	if now.After(time.Unix(claims.Expiry, 0).Add(clockSkew)) {
		return ErrTokenExpired
	}
	if claims.IssuedAt > 0 && time.Unix(claims.IssuedAt, 0).After(now.Add(clockSkew)) {
		return ErrTokenNotYetValid
	}
	if claims.Nonce != expectedNonce {
		return ErrNonceMismatch
	}
	return nil
}

func identityFromClaims(claims idTokenClaims) Identity {
	subject := claims.ObjectID
	if subject == "" {
		subject = claims.Subject
	}

	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}

	email := claims.Email
	if email == "" {
		email = claims.UPN
	}
	if email == "" {
		email = fallbackEmail
	}

	return Identity{Subject: subject, DisplayName: name, Email: email}
}

// audience tolerates the aud claim arriving as a string or a string array.
type audience []string

func (a *audience) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*a = audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*a = audience(many)
	return nil
}

func (a audience) contains(clientID string) bool {
	for _, aud := range a {
		if aud == clientID {
			return true
		}
	}
	return false
}

// peekNonce extracts the nonce claim without verifying the token. It only
// tells the state machine which pending login the callback belongs to; the
// token is fully validated afterwards.
func peekNonce(rawIDToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return "", fmt.Errorf("%w: undecodable id token", ErrMalformedResponse)
	}
	nonce, _ := claims["nonce"].(string)
	return nonce, nil
}

// resolveAzureTenantIssuer rewrites the shared Microsoft login issuer to a
// tenant-specific one so issuer validation can stay strict.
func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}
	if strings.Contains(trimmed, "/common") {
		return strings.Replace(trimmed, "/common", "/"+tenant, 1), true
	}
	if strings.Contains(trimmed, "/organizations") {
		return strings.Replace(trimmed, "/organizations", "/"+tenant, 1), true
	}
	if strings.Contains(trimmed, "/consumers") {
		return strings.Replace(trimmed, "/consumers", "/"+tenant, 1), true
	}
	return base, false
}
