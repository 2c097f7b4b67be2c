// Package protocol defines the presence-channel messages exchanged with a
// client while its voice session is open.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeHeartbeat    MessageType = "heartbeat"
	TypeEnd          MessageType = "end"
	TypeSessionReady MessageType = "session_ready"
	TypeHeartbeatAck MessageType = "heartbeat_ack"
	TypeSessionEnded MessageType = "session_ended"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Heartbeat keeps the session from expiring for inactivity.
type Heartbeat struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

// End asks the server to close the session.
type End struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

type SessionReady struct {
	Type                MessageType `json:"type"`
	SessionID           string      `json:"session_id"`
	RoomName            string      `json:"room_name"`
	HeartbeatIntervalMS int64       `json:"heartbeat_interval_ms"`
	InactivityTTLMS     int64       `json:"inactivity_ttl_ms"`
}

type HeartbeatAck struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes a client frame. The session id in the frame
// must match the channel's session.
func ParseClientMessage(raw []byte, sessionID string) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID != sessionID {
			return nil, errors.New("invalid heartbeat: session mismatch")
		}
		return msg, nil
	case TypeEnd:
		var msg End
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID != sessionID {
			return nil, errors.New("invalid end: session mismatch")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
