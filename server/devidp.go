package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// devIdentity is the user every dev-mode login authenticates as.
var devIdentity = struct {
	Subject, ObjectID, Name, Email string
}{
	Subject:  "dev-user",
	ObjectID: "00000000-0000-0000-0000-000000000dev",
	Name:     "Dev User",
	Email:    "dev@example.com",
}

// DevIdentityProvider is a self-contained OpenID provider for development
// and tests: it publishes discovery metadata and a JWKS, and completes the
// code id_token form_post flow against the configured callback without any
// external dependency.
type DevIdentityProvider struct {
	clientID string
	key      *rsa.PrivateKey
	kid      string
	tokenTTL time.Duration

	mu     sync.Mutex
	issuer string
	codes  map[string]string
}

// NewDevIdentityProvider generates a fresh RS256 signing key.
func NewDevIdentityProvider(clientID string) (*DevIdentityProvider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate dev signing key: %w", err)
	}
	kidBytes := make([]byte, 8)
	if _, err := rand.Read(kidBytes); err != nil {
		return nil, err
	}
	return &DevIdentityProvider{
		clientID: clientID,
		key:      key,
		kid:      hex.EncodeToString(kidBytes),
		tokenTTL: 5 * time.Minute,
		codes:    make(map[string]string),
	}, nil
}

// SetIssuer pins the issuer once the listener address is known. Must be
// called before the first login.
func (p *DevIdentityProvider) SetIssuer(issuer string) {
	p.mu.Lock()
	p.issuer = issuer
	p.mu.Unlock()
}

// Issuer returns the pinned issuer URL.
func (p *DevIdentityProvider) Issuer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issuer
}

// Routes serves the provider surface: discovery, JWKS, authorize, token.
func (p *DevIdentityProvider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/jwks.json", p.handleJWKS)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/token", p.handleToken)
	return r
}

func (p *DevIdentityProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	issuer := p.Issuer()
	writeJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"jwks_uri":                              issuer + "/jwks.json",
		"response_types_supported":              []string{"code", "id_token", "code id_token"},
		"response_modes_supported":              []string{"query", "form_post"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
	})
}

func (p *DevIdentityProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &p.key.PublicKey,
			KeyID:     p.kid,
			Use:       "sig",
			Algorithm: "RS256",
		}},
	})
}

// callbackForm auto-submits the hybrid response the way Entra's form_post
// response mode does.
var callbackForm = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.RedirectURI}}">
<input type="hidden" name="code" value="{{.Code}}">
<input type="hidden" name="id_token" value="{{.IDToken}}">
<input type="hidden" name="state" value="{{.State}}">
<noscript><button type="submit">Continue</button></noscript>
</form>
</body>
</html>
`))

func (p *DevIdentityProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.clientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri required", http.StatusBadRequest)
		return
	}

	idToken, err := p.SignIDToken(p.IdentityClaims(q.Get("nonce")))
	if err != nil {
		http.Error(w, "signing failed", http.StatusInternalServerError)
		return
	}

	code, err := randomToken()
	if err != nil {
		http.Error(w, "code generation failed", http.StatusInternalServerError)
		return
	}
	p.mu.Lock()
	p.codes[code] = idToken
	p.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = callbackForm.Execute(w, map[string]string{
		"RedirectURI": redirectURI,
		"Code":        code,
		"IDToken":     idToken,
		"State":       q.Get("state"),
	})
}

func (p *DevIdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if r.PostFormValue("grant_type") != "authorization_code" {
		http.Error(w, "unsupported_grant_type", http.StatusBadRequest)
		return
	}

	code := r.PostFormValue("code")
	p.mu.Lock()
	idToken, ok := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !ok {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"access_token": "dev-access-token",
		"token_type":   "Bearer",
		"expires_in":   int(p.tokenTTL.Seconds()),
		"id_token":     idToken,
	})
}

// IdentityClaims builds the standard claim set for the dev identity.
func (p *DevIdentityProvider) IdentityClaims(nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                p.Issuer(),
		"sub":                devIdentity.Subject,
		"oid":                devIdentity.ObjectID,
		"aud":                p.clientID,
		"exp":                now.Add(p.tokenTTL).Unix(),
		"iat":                now.Unix(),
		"nonce":              nonce,
		"name":               devIdentity.Name,
		"preferred_username": devIdentity.Email,
		"email":              devIdentity.Email,
	}
}

// SignIDToken signs an arbitrary claim set with the provider key. Tests use
// it to mint both well-formed and deliberately broken tokens.
func (p *DevIdentityProvider) SignIDToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	return token.SignedString(p.key)
}
