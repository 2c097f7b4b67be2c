// Package provider is the port to the remote media-routing service: room
// listing and deletion, agent dispatch, and participant presence.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Operation names used in errors and metrics.
const (
	OpListRooms        = "list_rooms"
	OpDeleteRoom       = "delete_room"
	OpCreateDispatch   = "create_dispatch"
	OpListParticipants = "list_participants"
)

// ParticipantKind mirrors the provider's participant classification.
type ParticipantKind string

const (
	KindStandard ParticipantKind = "standard"
	KindAgent    ParticipantKind = "agent"
	KindIngress  ParticipantKind = "ingress"
	KindEgress   ParticipantKind = "egress"
	KindSIP      ParticipantKind = "sip"
)

// AgentIdentityPrefix marks agent participants on providers without kinds.
const AgentIdentityPrefix = "agent-"

type Room struct {
	Name            string
	SID             string
	NumParticipants int
	CreatedAt       time.Time
}

type Participant struct {
	Identity string
	Name     string
	Kind     ParticipantKind
	JoinedAt time.Time
}

// IsAgent reports whether the participant is an automated worker.
func (p Participant) IsAgent() bool {
	return p.Kind == KindAgent || strings.HasPrefix(p.Identity, AgentIdentityPrefix)
}

// DispatchSpec asks the provider to start AgentName in Room. Metadata is
// passed through opaque to the worker.
type DispatchSpec struct {
	AgentName string
	Room      string
	Metadata  string
}

// Dispatch is the provider's acknowledgement. ID may be empty.
type Dispatch struct {
	ID        string
	AgentName string
	Room      string
}

// Provider is the media-routing surface the broker consumes.
type Provider interface {
	ListRooms(ctx context.Context, names ...string) ([]Room, error)
	DeleteRoom(ctx context.Context, name string) error
	CreateDispatch(ctx context.Context, spec DispatchSpec) (Dispatch, error)
	ListParticipants(ctx context.Context, room string) ([]Participant, error)
	URL() string
	Name() string
}

// Error wraps a failed provider call.
type Error struct {
	Provider  string
	Op        string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a provider error marked transient.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// ErrorCode extracts the provider error code, or "unknown".
func ErrorCode(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code
	}
	return "unknown"
}
