package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/auth"
	"github.com/ent0n29/toothfairy/internal/config"
	"github.com/ent0n29/toothfairy/internal/observability"
	"github.com/ent0n29/toothfairy/internal/provider"
	"github.com/ent0n29/toothfairy/internal/session"
)

// WebhookReceiver authenticates and decodes provider webhooks.
type WebhookReceiver interface {
	Receive(r *http.Request) (provider.WebhookEvent, error)
}

// Deps are the collaborators behind the HTTP surface. Webhooks and
// Analytics may be nil.
type Deps struct {
	Logins    *auth.Service
	Verifier  *auth.Verifier
	Sessions  *session.Orchestrator
	Metrics   *observability.Metrics
	Stages    *observability.StageWindow
	Webhooks  WebhookReceiver
	Analytics AnalyticsReader
	Logger    *zap.Logger
}

type Server struct {
	cfg          config.Config
	logins       *auth.Service
	verifier     *auth.Verifier
	sessions     *session.Orchestrator
	metrics      *observability.Metrics
	stages       *observability.StageWindow
	webhooks     WebhookReceiver
	analytics    AnalyticsReader
	logger       *zap.Logger
	upgrader     websocket.Upgrader
	presencePoll time.Duration
}

func New(cfg config.Config, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		logins:       d.Logins,
		verifier:     d.Verifier,
		sessions:     d.Sessions,
		metrics:      d.Metrics,
		stages:       d.Stages,
		webhooks:     d.Webhooks,
		analytics:    d.Analytics,
		logger:       d.Logger,
		presencePoll: time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           600,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/provisioning", s.handlePerfProvisioning)
	r.Get("/v1/analytics/daily", s.handleDailyAnalytics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Get("/session/ws", s.handleSessionWS)
		r.Post("/webhooks/livekit", s.handleLiveKitWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware)
			r.Post("/token", s.handleCreateSession)
			r.Post("/session/{id}/end", s.handleEndSession)
		})
	})
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "Welcome to the Dental Clinic Agent API. See /docs for usage.",
		"status":  "ok",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   s.cfg.ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// apiResponse is the envelope for session endpoints.
type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message, detail string) {
	respondJSON(w, status, apiResponse{Message: message, Error: detail})
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr),
			)
		})
	}
}
