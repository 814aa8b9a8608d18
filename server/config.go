package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded lifecycle defaults.
const (
	DefaultSessionTTL = 24 * time.Hour
	DefaultNonceTTL   = 10 * time.Minute

	// DefaultProviderTimeout bounds every network call to the identity
	// provider (token exchange, signing-key fetch).
	DefaultProviderTimeout = 10 * time.Second
)

// Hardcoded CORS defaults.
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// Config captures the full application configuration loaded from YAML and
// environment variables. It is immutable after startup.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Sessions SessionConfig  `yaml:"sessions"`
	Login    LoginConfig    `yaml:"login"`
	App      AppConfig      `yaml:"app"`
}

// ServerConfig controls listener and HTTP concerns.
type ServerConfig struct {
	PublicURL    string     `yaml:"public_url"`
	ListenAddr   string     `yaml:"listen_addr"`
	DevMode      bool       `yaml:"dev_mode"`
	CookieDomain string     `yaml:"cookie_domain"`
	CORS         CORSConfig `yaml:"cors"`
}

// CORSConfig lists the origins allowed to call the status API with
// credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProviderConfig encapsulates issuer and credentials for the identity
// provider.
type ProviderConfig struct {
	Issuer       string   `yaml:"issuer"`
	TenantID     string   `yaml:"tenant_id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// SessionConfig controls session lifetime and the sealed cookie key ring.
// Cookie keys are base64-encoded 32-byte values indexed by key ID.
type SessionConfig struct {
	TTL        Duration          `yaml:"ttl"`
	CookieName string            `yaml:"cookie_name"`
	ActiveKey  string            `yaml:"active_key"`
	CookieKeys map[string]string `yaml:"cookie_keys"`
}

// LoginConfig controls in-flight login attempts.
type LoginConfig struct {
	NonceTTL Duration `yaml:"nonce_ttl"`
}

// Duration wraps time.Duration so YAML values like "24h" decode cleanly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// AppConfig points at the downstream application that users are returned to
// after login and that polls /status out-of-band.
type AppConfig struct {
	ExternalURL string `yaml:"external_url"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.RedirectURL == "" && cfg.Server.PublicURL != "" {
		cfg.Provider.RedirectURL = strings.TrimSuffix(cfg.Server.PublicURL, "/") + "/callback"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:  "http://127.0.0.1:3001",
			ListenAddr: "127.0.0.1:3001",
			DevMode:    true,
		},
		Provider: ProviderConfig{
			Scopes: []string{"openid", "profile", "email"},
		},
		Sessions: SessionConfig{
			TTL:        Duration(DefaultSessionTTL),
			CookieName: "authd_session",
		},
		Login: LoginConfig{
			NonceTTL: Duration(DefaultNonceTTL),
		},
		App: AppConfig{
			ExternalURL: "http://127.0.0.1:8080",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHD_SERVER_PUBLIC_URL":       func(v string) { cfg.Server.PublicURL = v },
		"AUTHD_SERVER_LISTEN_ADDR":      func(v string) { cfg.Server.ListenAddr = v },
		"AUTHD_SERVER_DEV_MODE":         func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"AUTHD_SERVER_COOKIE_DOMAIN":    func(v string) { cfg.Server.CookieDomain = v },
		"AUTHD_CORS_ALLOWED_ORIGINS":    func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"AUTHD_PROVIDER_ISSUER":         func(v string) { cfg.Provider.Issuer = v },
		"AUTHD_PROVIDER_TENANT_ID":      func(v string) { cfg.Provider.TenantID = v },
		"AUTHD_PROVIDER_CLIENT_ID":      func(v string) { cfg.Provider.ClientID = v },
		"AUTHD_PROVIDER_CLIENT_SECRET":  func(v string) { cfg.Provider.ClientSecret = v },
		"AUTHD_PROVIDER_REDIRECT_URL":   func(v string) { cfg.Provider.RedirectURL = v },
		"AUTHD_PROVIDER_SCOPES":         func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
		"AUTHD_SESSION_TTL":             func(v string) { cfg.Sessions.TTL = Duration(parseDuration(v, time.Duration(cfg.Sessions.TTL))) },
		"AUTHD_SESSION_COOKIE_NAME":     func(v string) { cfg.Sessions.CookieName = v },
		"AUTHD_SESSION_COOKIE_KEY":      func(v string) { setEnvCookieKey(cfg, v) },
		"AUTHD_LOGIN_NONCE_TTL":         func(v string) { cfg.Login.NonceTTL = Duration(parseDuration(v, time.Duration(cfg.Login.NonceTTL))) },
		"AUTHD_APP_EXTERNAL_URL":        func(v string) { cfg.App.ExternalURL = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func setEnvCookieKey(cfg *Config, v string) {
	if cfg.Sessions.CookieKeys == nil {
		cfg.Sessions.CookieKeys = make(map[string]string)
	}
	cfg.Sessions.CookieKeys["env"] = v
	cfg.Sessions.ActiveKey = "env"
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs the startup-fatal sanity checks. A missing required
// value must never surface later as a runtime error.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}

	if c.Provider.Issuer == "" && !c.Server.DevMode {
		return errors.New("provider.issuer is required")
	}
	if c.Provider.ClientID == "" && !c.Server.DevMode {
		return errors.New("provider.client_id is required")
	}
	if c.Provider.RedirectURL == "" {
		return errors.New("provider.redirect_url is required")
	}
	if !strings.HasPrefix(c.Provider.RedirectURL, "http://") && !strings.HasPrefix(c.Provider.RedirectURL, "https://") {
		return fmt.Errorf("provider.redirect_url must start with http:// or https://, got: %s", c.Provider.RedirectURL)
	}

	if c.App.ExternalURL == "" {
		return errors.New("app.external_url is required")
	}
	if !strings.HasPrefix(c.App.ExternalURL, "http://") && !strings.HasPrefix(c.App.ExternalURL, "https://") {
		return fmt.Errorf("app.external_url must start with http:// or https://, got: %s", c.App.ExternalURL)
	}

	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}
	if c.Login.NonceTTL <= 0 {
		return errors.New("login.nonce_ttl must be positive")
	}
	if c.Sessions.CookieName == "" {
		return errors.New("sessions.cookie_name is required")
	}

	if !c.Server.DevMode {
		if len(c.Sessions.CookieKeys) == 0 {
			return errors.New("sessions.cookie_keys must be provided in production")
		}
	}
	if len(c.Sessions.CookieKeys) > 0 {
		if c.Sessions.ActiveKey == "" {
			return errors.New("sessions.active_key is required when cookie_keys are set")
		}
		if _, ok := c.Sessions.CookieKeys[c.Sessions.ActiveKey]; !ok {
			return fmt.Errorf("sessions.active_key %q not present in cookie_keys", c.Sessions.ActiveKey)
		}
		if _, _, err := c.CookieKeyring(); err != nil {
			return err
		}
	}

	if c.Server.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		domain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, domain) {
			return fmt.Errorf("server.cookie_domain %q does not match server.public_url host %q", c.Server.CookieDomain, host)
		}
	}

	return nil
}

// CookieKeyring decodes the configured cookie keys into raw key material.
func (c Config) CookieKeyring() (string, map[string][]byte, error) {
	keys := make(map[string][]byte, len(c.Sessions.CookieKeys))
	for id, encoded := range c.Sessions.CookieKeys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", nil, fmt.Errorf("sessions.cookie_keys[%s]: %w", id, err)
		}
		if len(raw) != cookieKeySize {
			return "", nil, fmt.Errorf("sessions.cookie_keys[%s]: key must be %d bytes, got %d", id, cookieKeySize, len(raw))
		}
		keys[id] = raw
	}
	return c.Sessions.ActiveKey, keys, nil
}

func hostOf(rawURL string) string {
	host := strings.TrimPrefix(rawURL, "http://")
	host = strings.TrimPrefix(host, "https://")
	if idx := strings.IndexAny(host, ":/"); idx != -1 {
		host = host[:idx]
	}
	return host
}
