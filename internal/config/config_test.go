package config

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("JWT_SECRET_KEY", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":10000" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":10000")
	}
	if cfg.AgentName != "toothfairy-dental-agent" {
		t.Fatalf("AgentName = %q, want default agent", cfg.AgentName)
	}
	if cfg.AppTokenTTL != 24*time.Hour {
		t.Fatalf("AppTokenTTL = %v, want 24h", cfg.AppTokenTTL)
	}
	if cfg.RoomSettleDelay != 2*time.Second || cfg.ReadinessTimeout != 8*time.Second {
		t.Fatalf("waits = %v/%v, want 2s/8s", cfg.RoomSettleDelay, cfg.ReadinessTimeout)
	}
	if cfg.DatabaseMaxConns != 5 {
		t.Fatalf("DatabaseMaxConns = %d, want 5", cfg.DatabaseMaxConns)
	}
	if cfg.ProviderConfigured() {
		t.Fatalf("ProviderConfigured() = true with no LiveKit settings")
	}
	if got := strings.Join(cfg.MissingProviderSettings(), ","); got != "LIVEKIT_URL,LIVEKIT_API_KEY,LIVEKIT_API_SECRET" {
		t.Fatalf("MissingProviderSettings() = %q", got)
	}
	if cfg.StoreConfigured() {
		t.Fatalf("StoreConfigured() = true with no DATABASE_URL")
	}
}

func TestLoadPortOverridesBindAddr(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("PORT", "7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":7070")
	}
}

func TestLoadRejectsMissingOrWeakSecret(t *testing.T) {
	cases := []struct {
		name   string
		secret string
	}{
		{"missing", ""},
		{"short", "too-short-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("JWT_SECRET_KEY", tc.secret)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want failure for %s secret", tc.name)
			}
		})
	}
}

func TestLoadRejectsSharedSigningSecret(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("LIVEKIT_API_SECRET", testSecret)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want failure when signing secrets are shared")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("JWT_SECRET_KEY", testSecret)
	t.Setenv("PROVIDER_MODE", "MOCK")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AGENT_READINESS_TIMEOUT", "3s")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "5")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProviderMode != "mock" || !cfg.ProviderConfigured() {
		t.Fatalf("ProviderMode = %q, configured = %v", cfg.ProviderMode, cfg.ProviderConfigured())
	}
	if !cfg.StoreConfigured() {
		t.Fatalf("StoreConfigured() = false with memory driver")
	}
	if cfg.ReadinessTimeout != 3*time.Second {
		t.Fatalf("ReadinessTimeout = %v, want 3s", cfg.ReadinessTimeout)
	}
	if cfg.DispatchAttempts != 5 {
		t.Fatalf("DispatchAttempts = %d, want 5", cfg.DispatchAttempts)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = true, want false")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PROVIDER_MODE":              "twilio",
		"STORE_DRIVER":               "mysql",
		"AGENT_POLL_INTERVAL":        "soon",
		"SESSION_INACTIVITY_TIMEOUT": "1s",
		"DATABASE_MAX_CONNS":         "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("JWT_SECRET_KEY", testSecret)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want failure for %s=%q", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"PORT",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_SERVICE_NAME",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"JWT_SECRET_KEY",
		"APP_TOKEN_TTL",
		"PROVIDER_MODE",
		"LIVEKIT_URL",
		"LIVEKIT_API_KEY",
		"LIVEKIT_API_SECRET",
		"LIVEKIT_AGENT_NAME",
		"MEDIA_TOKEN_TTL",
		"ROOM_SETTLE_DELAY",
		"AGENT_READINESS_TIMEOUT",
		"AGENT_POLL_INTERVAL",
		"DISPATCH_MAX_ATTEMPTS",
		"MOCK_AGENT_DELAY",
		"DATABASE_URL",
		"STORE_DRIVER",
		"DATABASE_MAX_CONNS",
		"SESSION_INACTIVITY_TIMEOUT",
		"SESSION_MAX_DURATION",
		"APP_SEED_USER_EMAIL",
		"APP_SEED_USER_PASSWORD",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
