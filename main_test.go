package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"authd/server"
)

func TestRunConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := runConfigInit(path); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}

	// The generated template must load back cleanly.
	cfg, err := server.LoadConfig(path)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.Server.ListenAddr == "" {
		t.Fatalf("generated config missing listen address")
	}

	// An existing file is never overwritten.
	if err := runConfigInit(path); err == nil {
		t.Fatalf("expected error when config already exists")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range tests {
		got, err := parseLogLevel(tc.in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := parseLogLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestStartDevIdentityProvider(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Provider.RedirectURL = "http://127.0.0.1:3001/callback"

	issuer, shutdown, err := startDevIdentityProvider(&cfg, discardLogger())
	if err != nil {
		t.Fatalf("startDevIdentityProvider returned error: %v", err)
	}
	defer shutdown()

	if issuer == "" || cfg.Provider.Issuer != issuer {
		t.Fatalf("issuer not wired into config: %q vs %q", issuer, cfg.Provider.Issuer)
	}
	if cfg.Provider.ClientID != "authd-dev" {
		t.Fatalf("default dev client id not applied: %q", cfg.Provider.ClientID)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
