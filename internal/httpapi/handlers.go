package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/auth"
	"github.com/ent0n29/toothfairy/internal/provider"
	"github.com/ent0n29/toothfairy/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin always answers 200; failures are reported in the body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusOK, auth.LoginResult{Message: auth.MsgMissingCredentials})
		return
	}
	respondJSON(w, http.StatusOK, s.logins.Login(r.Context(), req.Email, req.Password))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.IdentityFrom(r.Context())
	if !ok {
		auth.WriteUnauthorized(w)
		return
	}
	res, err := s.sessions.CreateSession(r.Context(), caller)
	switch {
	case errors.Is(err, session.ErrNotConfigured):
		s.logger.Error("session create rejected", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "Voice sessions are not configured", "required server settings are missing")
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Failed to create session", "session provisioning failed")
	default:
		respondJSON(w, http.StatusOK, apiResponse{
			Success: true,
			Message: "Session created successfully with agent dispatch",
			Data:    res,
		})
	}
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.IdentityFrom(r.Context())
	if !ok {
		auth.WriteUnauthorized(w)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "Missing session id", "")
		return
	}
	err := s.sessions.EndOwnedSession(r.Context(), caller, id, session.ReasonUserEnded)
	switch {
	case errors.Is(err, session.ErrForbidden):
		respondError(w, http.StatusForbidden, "Session belongs to another user", "")
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "Session not found", "")
	case err != nil:
		s.logger.Error("session end failed", zap.String("session_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to end session", "")
	default:
		respondJSON(w, http.StatusOK, apiResponse{
			Success: true,
			Message: "Session ended",
			Data:    map[string]string{"session_id": id},
		})
	}
}

func (s *Server) handleLiveKitWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		respondError(w, http.StatusNotImplemented, "Webhooks are not configured", "")
		return
	}
	ev, err := s.webhooks.Receive(r)
	if err != nil {
		s.logger.Warn("rejected provider webhook", zap.Error(err))
		respondError(w, http.StatusUnauthorized, "Invalid webhook signature", "")
		return
	}
	log := s.logger.With(zap.String("event", ev.Event), zap.String("room", ev.Room))
	ctx := r.Context()
	switch ev.Event {
	case provider.EventRoomFinished:
		err = s.sessions.EndByRoom(ctx, ev.Room, session.ReasonRoomFinished)
	case provider.EventParticipantJoined:
		if !ev.ParticipantIsAgent {
			err = s.sessions.ParticipantJoined(ev.Room, ev.ParticipantIdentity)
		}
	case provider.EventParticipantLeft:
		if !ev.ParticipantIsAgent {
			err = s.sessions.ParticipantLeft(ctx, ev.Room, ev.ParticipantIdentity)
		}
	}
	switch {
	case errors.Is(err, session.ErrNotFound):
		log.Debug("webhook for a room without an open caller session", zap.String("participant", ev.ParticipantIdentity))
	case err != nil:
		log.Error("handling provider webhook", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to process webhook", "")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}
