package provider

import (
	"fmt"
	"strings"
	"time"
)

// Config selects and configures a provider.
type Config struct {
	Mode           string
	URL            string
	APIKey         string
	APISecret      string
	MockAgentDelay time.Duration
}

// New builds a provider for the given mode (livekit|mock).
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "livekit":
		return NewLiveKitProvider(cfg.URL, cfg.APIKey, cfg.APISecret)
	case "mock":
		return NewMockProvider(MockConfig{URL: cfg.URL, AgentJoinDelay: cfg.MockAgentDelay}), nil
	default:
		return nil, fmt.Errorf("invalid provider mode: %q (expected livekit|mock)", cfg.Mode)
	}
}
