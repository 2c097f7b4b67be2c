package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/auth"
	"github.com/ent0n29/toothfairy/internal/config"
	"github.com/ent0n29/toothfairy/internal/dispatch"
	"github.com/ent0n29/toothfairy/internal/httpapi"
	"github.com/ent0n29/toothfairy/internal/logging"
	"github.com/ent0n29/toothfairy/internal/observability"
	"github.com/ent0n29/toothfairy/internal/room"
	"github.com/ent0n29/toothfairy/internal/session"
	"github.com/ent0n29/toothfairy/internal/store"
	"github.com/ent0n29/toothfairy/internal/token"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Orchestrator
	Metrics  *observability.Metrics
	Store    store.Store
	Media    string
	Missing  []string

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

// Build wires the service from cfg. A missing store or provider does not
// fail the build; session creation reports it per request instead.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...BuildOption) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, o.registerer)
	stages := observability.NewStageWindow(256)

	appTokens, err := token.NewAppIssuer(cfg.JWTSecret, cfg.AppTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("app token issuer: %w", err)
	}

	var (
		missing []string
		st      store.Store
	)
	if cfg.StoreConfigured() {
		st, err = store.NewStore(ctx, store.Options{
			DatabaseURL: cfg.DatabaseURL,
			Driver:      cfg.StoreDriver,
			MaxConns:    cfg.DatabaseMaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("store init failed: %w", err)
		}
		logger.Info("store ready", zap.String("mode", st.Mode()))
		if err := seedUser(ctx, cfg, st, logger); err != nil {
			_ = st.Close()
			return nil, err
		}
	} else {
		missing = append(missing, "DATABASE_URL")
		logger.Warn("no store configured; logins and sessions will fail until DATABASE_URL is set")
	}

	var (
		media      mediaSetup
		dispatcher *dispatch.Dispatcher
		rooms      *room.Manager
	)
	if cfg.ProviderConfigured() {
		media, err = resolveMediaProvider(cfg, metrics)
		if err != nil {
			if st != nil {
				_ = st.Close()
			}
			return nil, fmt.Errorf("media provider init failed: %w", err)
		}
		logger.Info("media provider ready", zap.String("provider", media.detail))
		rooms = room.NewManager(media.provider, cfg.RoomSettleDelay, logger.Named("room"))
		rooms.SetOutcomeHook(func(out room.Outcome) {
			metrics.RoomCleanups.WithLabelValues(string(out)).Inc()
		})
		dispatcher = dispatch.NewDispatcher(media.provider, media.issuer, dispatch.Config{
			MaxAttempts:      cfg.DispatchAttempts,
			ReadinessTimeout: cfg.ReadinessTimeout,
			PollInterval:     cfg.AgentPollInterval,
			TokenTTL:         cfg.MediaTokenTTL,
		}, logger.Named("dispatch"))
	} else {
		missing = append(missing, cfg.MissingProviderSettings()...)
		logger.Warn("media provider not configured", zap.Strings("missing", cfg.MissingProviderSettings()))
	}

	deps := session.Deps{
		Tracker:   session.NewTracker(cfg.SessionInactivityTimeout, cfg.SessionMaxDuration),
		Metrics:   metrics,
		Stages:    stages,
		Logger:    logger.Named("session"),
		AgentName: cfg.AgentName,
		Missing:   missing,
	}
	// Typed nils must not leak into the interfaces.
	if st != nil {
		deps.Store = st
	}
	if rooms != nil {
		deps.Rooms = rooms
		deps.Remover = media.provider
		deps.Dispatcher = dispatcher
	}
	sessions := session.NewOrchestrator(deps)

	var (
		creds     auth.CredentialStore
		analytics httpapi.AnalyticsReader
	)
	if st != nil {
		creds = st
		analytics = st
	}
	api := httpapi.New(cfg, httpapi.Deps{
		Logins:    auth.NewService(creds, appTokens, logger.Named("auth")),
		Verifier:  auth.NewVerifier(appTokens),
		Sessions:  sessions,
		Metrics:   metrics,
		Stages:    stages,
		Webhooks:  media.webhooks,
		Analytics: analytics,
		Logger:    logger.Named("http"),
	})

	cleanup := func() error {
		var errs []string
		if media.cleanup != nil {
			media.cleanup()
		}
		if st != nil {
			if err := st.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Metrics:  metrics,
		Store:    st,
		Media:    media.detail,
		Missing:  missing,
		Cleanup:  cleanup,
	}, nil
}

func seedUser(ctx context.Context, cfg config.Config, st store.Store, logger *zap.Logger) error {
	if cfg.SeedUserEmail == "" || cfg.SeedUserPassword == "" {
		return nil
	}
	hash, err := auth.HashPassword(cfg.SeedUserPassword)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	id, err := st.SeedUser(ctx, cfg.SeedUserEmail, hash)
	if err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	logger.Info("seed user ready", zap.Int64("user_id", id), logging.Redacted("email", cfg.SeedUserEmail))
	return nil
}
