package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// newTestApp boots the full application against an in-process identity
// provider, the same wiring dev mode uses.
func newTestApp(t *testing.T) (*App, *DevIdentityProvider, *httptest.Server) {
	t.Helper()

	idp := newTestIdP(t)

	cfg := DefaultConfig()
	cfg.Provider.Issuer = idp.Issuer()
	cfg.Provider.ClientID = "test-client"
	cfg.Provider.RedirectURL = "http://127.0.0.1:3001/callback"

	app, err := NewApp(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)
	return app, idp, srv
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// beginLogin hits /login and pulls nonce and state out of the provider
// redirect.
func beginLogin(t *testing.T, client *http.Client, base string) (nonce, state string) {
	t.Helper()

	resp, err := client.Get(base + "/login")
	if err != nil {
		t.Fatalf("GET /login: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("GET /login: got status %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("unparseable login redirect: %v", err)
	}
	nonce = loc.Query().Get("nonce")
	state = loc.Query().Get("state")
	if nonce == "" || state == "" {
		t.Fatalf("login redirect missing nonce/state: %q", loc)
	}
	return nonce, state
}

func postCallback(t *testing.T, client *http.Client, base string, form url.Values) *http.Response {
	t.Helper()
	resp, err := client.PostForm(base+"/callback", form)
	if err != nil {
		t.Fatalf("POST /callback: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeStatus(t *testing.T, resp *http.Response) StatusResponse {
	t.Helper()
	defer resp.Body.Close()
	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return status
}

func TestLoginFlowEndToEnd(t *testing.T) {
	_, idp, srv := newTestApp(t)
	client := noRedirectClient()

	nonce, state := beginLogin(t, client, srv.URL)

	idToken, err := idp.SignIDToken(idp.IdentityClaims(nonce))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	resp := postCallback(t, client, srv.URL, url.Values{
		"id_token": {idToken},
		"state":    {state},
	})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback: got status %d, want 302", resp.StatusCode)
	}

	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("unparseable success redirect: %v", err)
	}
	if loc.Query().Get("auth") != "success" {
		t.Fatalf("success redirect missing auth=success: %q", loc)
	}
	sessionID := loc.Query().Get("session")
	if sessionID == "" {
		t.Fatalf("success redirect missing session identifier: %q", loc)
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "authd_session" {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("callback did not set the session cookie")
	}
	if !cookie.HttpOnly {
		t.Fatalf("session cookie must be HttpOnly")
	}
	if strings.Contains(cookie.Value, sessionID) {
		t.Fatalf("cookie must not carry the raw session id")
	}

	// Out-of-band polling by identifier.
	statusResp, err := client.Get(srv.URL + "/status/" + sessionID)
	if err != nil {
		t.Fatalf("GET /status/{id}: %v", err)
	}
	status := decodeStatus(t, statusResp)
	if !status.Authenticated || status.User == nil {
		t.Fatalf("expected authenticated status, got %+v", status)
	}
	if status.User.ID != devIdentity.ObjectID || status.User.Email != devIdentity.Email {
		t.Fatalf("unexpected user payload: %+v", status.User)
	}

	// Same answer through the cookie.
	req, _ := http.NewRequest("GET", srv.URL+"/status", nil)
	req.AddCookie(cookie)
	statusResp, err = client.Do(req)
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	if status := decodeStatus(t, statusResp); !status.Authenticated {
		t.Fatalf("cookie status must be authenticated")
	}

	// Logout invalidates both views.
	req, _ = http.NewRequest("POST", srv.URL+"/logout", nil)
	req.AddCookie(cookie)
	logoutResp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	logoutResp.Body.Close()
	if logoutResp.StatusCode != http.StatusOK {
		t.Fatalf("logout: got status %d, want 200", logoutResp.StatusCode)
	}

	statusResp, err = client.Get(srv.URL + "/status/" + sessionID)
	if err != nil {
		t.Fatalf("GET /status/{id} after logout: %v", err)
	}
	if status := decodeStatus(t, statusResp); status.Authenticated {
		t.Fatalf("status must be unauthenticated after logout")
	}
}

func TestCallbackReplayRejected(t *testing.T) {
	_, idp, srv := newTestApp(t)
	client := noRedirectClient()

	nonce, state := beginLogin(t, client, srv.URL)
	idToken, err := idp.SignIDToken(idp.IdentityClaims(nonce))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	form := url.Values{"id_token": {idToken}, "state": {state}}

	first := postCallback(t, client, srv.URL, form)
	if first.StatusCode != http.StatusFound {
		t.Fatalf("first callback: got status %d, want 302", first.StatusCode)
	}

	// The identical POST a second time must not mint another session.
	second := postCallback(t, client, srv.URL, form)
	if second.StatusCode != http.StatusSeeOther {
		t.Fatalf("replayed callback: got status %d, want 303", second.StatusCode)
	}
	if loc := second.Header.Get("Location"); loc != "/error" {
		t.Fatalf("replayed callback redirects to %q, want /error", loc)
	}
	if len(second.Cookies()) != 0 {
		t.Fatalf("replayed callback must not set a cookie")
	}
}

func TestCallbackCodeOnlyPath(t *testing.T) {
	_, idp, srv := newTestApp(t)
	client := noRedirectClient()

	nonce, state := beginLogin(t, client, srv.URL)
	idToken, err := idp.SignIDToken(idp.IdentityClaims(nonce))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	idp.mu.Lock()
	idp.codes["e2e-code"] = idToken
	idp.mu.Unlock()

	resp := postCallback(t, client, srv.URL, url.Values{
		"code":  {"e2e-code"},
		"state": {state},
	})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("code-only callback: got status %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("unparseable success redirect: %v", err)
	}
	if loc.Query().Get("session") == "" {
		t.Fatalf("success redirect missing session identifier: %q", loc)
	}
}

func TestCallbackProviderError(t *testing.T) {
	_, _, srv := newTestApp(t)
	client := noRedirectClient()

	_, state := beginLogin(t, client, srv.URL)

	resp := postCallback(t, client, srv.URL, url.Values{
		"error":             {"access_denied"},
		"error_description": {"user cancelled"},
		"state":             {state},
	})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("got status %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/error" {
		t.Fatalf("redirects to %q, want /error", loc)
	}
}

func TestCallbackTamperedToken(t *testing.T) {
	_, idp, srv := newTestApp(t)
	client := noRedirectClient()

	nonce, state := beginLogin(t, client, srv.URL)
	idToken, err := idp.SignIDToken(idp.IdentityClaims(nonce))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	parts := strings.Split(idToken, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	resp := postCallback(t, client, srv.URL, url.Values{
		"id_token": {tampered},
		"state":    {state},
	})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("got status %d, want 303", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/error" {
		t.Fatalf("redirects to %q, want /error", loc)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "OK" || body["service"] != serviceName {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestStatusEndpointIsTotal(t *testing.T) {
	_, _, srv := newTestApp(t)

	for _, path := range []string{"/status", "/status/not-a-session"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: got status %d, want 200", path, resp.StatusCode)
		}
		if status := decodeStatus(t, resp); status.Authenticated || status.User != nil {
			t.Fatalf("GET %s must read unauthenticated", path)
		}
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	_, _, srv := newTestApp(t)

	resp, err := http.Post(srv.URL+"/logout", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST /logout: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
}

func TestAuthErrorEndpoint(t *testing.T) {
	_, _, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/error")
	if err != nil {
		t.Fatalf("GET /error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "Authentication failed" {
		t.Fatalf("unexpected error body: %v", body)
	}
}
