package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ent0n29/toothfairy/internal/config"
	"github.com/ent0n29/toothfairy/internal/httpapi"
	"github.com/ent0n29/toothfairy/internal/observability"
	"github.com/ent0n29/toothfairy/internal/provider"
	"github.com/ent0n29/toothfairy/internal/token"
)

const mockAPIKey = "devkey"

type mediaSetup struct {
	provider provider.Provider
	issuer   *token.MediaIssuer
	webhooks httpapi.WebhookReceiver
	detail   string
	cleanup  func()
}

// resolveMediaProvider builds the provider adapter and the media token
// issuer. Mock mode signs with a throwaway key pair when none is set.
func resolveMediaProvider(cfg config.Config, metrics *observability.Metrics) (mediaSetup, error) {
	p, err := provider.New(provider.Config{
		Mode:           cfg.ProviderMode,
		URL:            cfg.LiveKitURL,
		APIKey:         cfg.LiveKitAPIKey,
		APISecret:      cfg.LiveKitAPISecret,
		MockAgentDelay: cfg.MockAgentDelay,
	})
	if err != nil {
		return mediaSetup{}, err
	}

	key, secret := cfg.LiveKitAPIKey, cfg.LiveKitAPISecret
	setup := mediaSetup{detail: fmt.Sprintf("livekit %s", p.URL())}
	if cfg.ProviderMode == "mock" {
		setup.detail = "mock (in-process agent)"
		if m, ok := p.(*provider.MockProvider); ok {
			setup.cleanup = m.Close
		}
		if key == "" || secret == "" {
			key = mockAPIKey
			if secret, err = randomSecret(); err != nil {
				return mediaSetup{}, err
			}
		}
	} else {
		setup.webhooks = provider.WebhookVerifier{APIKey: key, APISecret: secret}
	}

	issuer, err := token.NewMediaIssuer(key, secret, cfg.MediaTokenTTL, cfg.JWTSecret)
	if err != nil {
		return mediaSetup{}, fmt.Errorf("media token issuer: %w", err)
	}
	setup.issuer = issuer
	setup.provider = provider.WithErrorHook(p, func(name, op string, err error) {
		metrics.ProviderErrors.WithLabelValues(name, op, provider.ErrorCode(err)).Inc()
	})
	return setup, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate mock signing secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
