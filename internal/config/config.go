package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinSigningSecretLen is the shortest application signing secret accepted at startup.
const MinSigningSecretLen = 32

// Config contains all runtime settings for the session broker.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	ServiceName      string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	JWTSecret   string
	AppTokenTTL time.Duration

	ProviderMode      string
	LiveKitURL        string
	LiveKitAPIKey     string
	LiveKitAPISecret  string
	AgentName         string
	MediaTokenTTL     time.Duration
	RoomSettleDelay   time.Duration
	ReadinessTimeout  time.Duration
	AgentPollInterval time.Duration
	DispatchAttempts  int
	MockAgentDelay    time.Duration

	DatabaseURL      string
	StoreDriver      string
	DatabaseMaxConns int

	SessionInactivityTimeout time.Duration
	SessionMaxDuration       time.Duration

	SeedUserEmail    string
	SeedUserPassword string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":10000"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "toothfairy"),
		ServiceName:       envOrDefault("APP_SERVICE_NAME", "Dental Clinic Agent API"),
		AllowAnyOrigin:    true,
		LogLevel:          strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		JWTSecret:         stringsTrimSpace("JWT_SECRET_KEY"),
		ProviderMode:      strings.ToLower(envOrDefault("PROVIDER_MODE", "livekit")),
		LiveKitURL:        stringsTrimSpace("LIVEKIT_URL"),
		LiveKitAPIKey:     stringsTrimSpace("LIVEKIT_API_KEY"),
		LiveKitAPISecret:  stringsTrimSpace("LIVEKIT_API_SECRET"),
		AgentName:         envOrDefault("LIVEKIT_AGENT_NAME", "toothfairy-dental-agent"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		StoreDriver:       strings.ToLower(stringsTrimSpace("STORE_DRIVER")),
		SeedUserEmail:     stringsTrimSpace("APP_SEED_USER_EMAIL"),
		SeedUserPassword:  os.Getenv("APP_SEED_USER_PASSWORD"),
		ShutdownTimeout:   15 * time.Second,
		AppTokenTTL:       24 * time.Hour,
		MediaTokenTTL:     24 * time.Hour,
		RoomSettleDelay:   2 * time.Second,
		ReadinessTimeout:  8 * time.Second,
		AgentPollInterval: 250 * time.Millisecond,
		DispatchAttempts:  3,
		MockAgentDelay:    500 * time.Millisecond,
		DatabaseMaxConns:  5,
		// The presence channel heartbeats every 30s on the client.
		SessionInactivityTimeout: 2 * time.Minute,
		SessionMaxDuration:       2 * time.Hour,
	}
	// Hosting platforms hand out PORT; it wins over the bind address port.
	if port := stringsTrimSpace("PORT"); port != "" {
		cfg.BindAddr = ":" + strings.TrimPrefix(port, ":")
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_TOKEN_TTL", &cfg.AppTokenTTL},
		{"MEDIA_TOKEN_TTL", &cfg.MediaTokenTTL},
		{"ROOM_SETTLE_DELAY", &cfg.RoomSettleDelay},
		{"AGENT_READINESS_TIMEOUT", &cfg.ReadinessTimeout},
		{"AGENT_POLL_INTERVAL", &cfg.AgentPollInterval},
		{"MOCK_AGENT_DELAY", &cfg.MockAgentDelay},
		{"SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"SESSION_MAX_DURATION", &cfg.SessionMaxDuration},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DispatchAttempts, err = intFromEnv("DISPATCH_MAX_ATTEMPTS", cfg.DispatchAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.DatabaseMaxConns, err = intFromEnv("DATABASE_MAX_CONNS", cfg.DatabaseMaxConns)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces settings the process cannot start without. Provider and
// store settings are checked per request instead, see ProviderConfigured and
// StoreConfigured.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY is required")
	}
	if len(c.JWTSecret) < MinSigningSecretLen {
		return fmt.Errorf("JWT_SECRET_KEY must be at least %d characters, got %d", MinSigningSecretLen, len(c.JWTSecret))
	}
	if c.LiveKitAPISecret != "" && c.LiveKitAPISecret == c.JWTSecret {
		return fmt.Errorf("JWT_SECRET_KEY must differ from LIVEKIT_API_SECRET")
	}
	if c.AppTokenTTL <= 0 {
		return fmt.Errorf("APP_TOKEN_TTL must be positive")
	}
	if c.MediaTokenTTL <= 0 {
		return fmt.Errorf("MEDIA_TOKEN_TTL must be positive")
	}
	if c.RoomSettleDelay < 0 || c.ReadinessTimeout < 0 {
		return fmt.Errorf("ROOM_SETTLE_DELAY and AGENT_READINESS_TIMEOUT must be >= 0")
	}
	if c.AgentPollInterval <= 0 {
		return fmt.Errorf("AGENT_POLL_INTERVAL must be positive")
	}
	if c.DispatchAttempts <= 0 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive")
	}
	if c.DatabaseMaxConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_CONNS must be positive")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch c.ProviderMode {
	case "livekit", "mock":
	default:
		return fmt.Errorf("invalid PROVIDER_MODE: %q (expected livekit|mock)", c.ProviderMode)
	}
	switch c.StoreDriver {
	case "", "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER: %q (expected postgres|sqlite|memory)", c.StoreDriver)
	}
	return nil
}

// ProviderConfigured reports whether the media provider can be reached.
func (c Config) ProviderConfigured() bool {
	if c.ProviderMode == "mock" {
		return true
	}
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// MissingProviderSettings names the unset provider variables.
func (c Config) MissingProviderSettings() []string {
	if c.ProviderMode == "mock" {
		return nil
	}
	var missing []string
	if c.LiveKitURL == "" {
		missing = append(missing, "LIVEKIT_URL")
	}
	if c.LiveKitAPIKey == "" {
		missing = append(missing, "LIVEKIT_API_KEY")
	}
	if c.LiveKitAPISecret == "" {
		missing = append(missing, "LIVEKIT_API_SECRET")
	}
	return missing
}

// StoreConfigured reports whether a persistence target was given.
func (c Config) StoreConfigured() bool {
	return c.StoreDriver == "memory" || c.DatabaseURL != ""
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
