package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/protocol"
	"github.com/ent0n29/toothfairy/internal/session"
)

const heartbeatInterval = 30 * time.Second

// handleSessionWS is the client's presence channel for an open session.
// Browsers cannot set headers on websocket upgrades, so the app token comes
// in the query string.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "Missing session id", "query parameter session_id is required")
		return
	}
	caller, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid or expired token", "")
		return
	}
	tracker := s.sessions.Tracker()
	live, ok := tracker.Get(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "Session not found", "")
		return
	}
	if live.UserID != caller.UserID {
		respondError(w, http.StatusForbidden, "Session belongs to another user", "")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With(zap.String("session_id", sessionID))
	s.sessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
				t := messageTypeOf(msg)
				s.presenceMessage("outbound", string(t))
				if t == protocol.TypeSessionEnded {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
						time.Now().Add(time.Second))
					cancel()
					_ = conn.Close()
					return
				}
			}
		}
	}()
	send := func(msg any) {
		select {
		case <-ctx.Done():
		case outbound <- msg:
		}
	}

	// Ended elsewhere: janitor, webhook or the REST end call.
	go func() {
		ticker := time.NewTicker(s.presencePoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, ok := tracker.Get(sessionID); !ok {
					send(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: sessionID, Reason: "ended"})
					return
				}
			}
		}
	}()

	ttl := tracker.InactivityTimeout()
	send(protocol.SessionReady{
		Type:                protocol.TypeSessionReady,
		SessionID:           sessionID,
		RoomName:            live.RoomName,
		HeartbeatIntervalMS: heartbeatInterval.Milliseconds(),
		InactivityTTLMS:     ttl.Milliseconds(),
	})
	_ = tracker.AttachPresence(sessionID)

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(ttl))
	endedByClient := false

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data, sessionID)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		switch msg := parsed.(type) {
		case protocol.Heartbeat:
			s.presenceMessage("inbound", string(msg.Type))
			_ = conn.SetReadDeadline(time.Now().Add(ttl))
			if err := tracker.Touch(sessionID); err != nil {
				continue
			}
			send(protocol.HeartbeatAck{Type: protocol.TypeHeartbeatAck, SessionID: sessionID, TSMs: time.Now().UnixMilli()})
		case protocol.End:
			s.presenceMessage("inbound", string(msg.Type))
			endedByClient = true
			if err := s.sessions.EndOwnedSession(context.WithoutCancel(ctx), caller, sessionID, session.ReasonUserEnded); err != nil && !errors.Is(err, session.ErrNotFound) {
				log.Error("ending session from presence channel", zap.Error(err))
			}
			send(protocol.SessionEnded{Type: protocol.TypeSessionEnded, SessionID: sessionID, Reason: session.ReasonUserEnded})
			break readLoop
		}
	}

	if endedByClient {
		// Let the writer flush session_ended before tearing down.
		<-writerDone
	}
	cancel()
	<-writerDone
	if !endedByClient {
		if _, ok := tracker.Get(sessionID); ok {
			endCtx, endCancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
			if err := s.sessions.EndSession(endCtx, sessionID, session.ReasonClientGone); err != nil && !errors.Is(err, session.ErrNotFound) {
				log.Warn("ending session after client disconnect", zap.Error(err))
			}
			endCancel()
		}
	}
	s.sessionEvent("ws_disconnected")
}

func (s *Server) sessionEvent(name string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

func (s *Server) presenceMessage(direction, msgType string) {
	if s.metrics != nil {
		s.metrics.PresenceMessages.WithLabelValues(direction, msgType).Inc()
	}
}

func messageTypeOf(v any) protocol.MessageType {
	switch m := v.(type) {
	case protocol.SessionReady:
		return m.Type
	case protocol.HeartbeatAck:
		return m.Type
	case protocol.SessionEnded:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	default:
		return ""
	}
}
