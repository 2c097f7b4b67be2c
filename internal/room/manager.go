// Package room prepares provider rooms for a new session.
package room

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/toothfairy/internal/provider"
)

// Rooms is the slice of the provider the manager needs.
type Rooms interface {
	ListRooms(ctx context.Context, names ...string) ([]provider.Room, error)
	DeleteRoom(ctx context.Context, name string) error
}

// prepareTimeout bounds the provider calls of one preparation.
const prepareTimeout = 15 * time.Second

// Outcome describes what EnsureClean did.
type Outcome string

const (
	OutcomeAbsent   Outcome = "absent"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeDegraded Outcome = "degraded"
)

// Manager ensures a room name is free before a session uses it. Provider
// failures are logged and treated as non-fatal.
type Manager struct {
	rooms       Rooms
	settleDelay time.Duration
	logger      *zap.Logger
	group       singleflight.Group
	prepared    atomic.Int64
	onOutcome   func(Outcome)
}

func NewManager(rooms Rooms, settleDelay time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{rooms: rooms, settleDelay: settleDelay, logger: logger}
}

// SetOutcomeHook registers a callback invoked once per preparation.
func (m *Manager) SetOutcomeHook(hook func(Outcome)) {
	m.onOutcome = hook
}

// Prepared returns the number of completed preparations.
func (m *Manager) Prepared() int64 { return m.prepared.Load() }

// EnsureClean deletes a pre-existing room with this name and waits for the
// provider to settle. Concurrent calls for the same name share one
// preparation. Only ctx cancellation is returned as an error.
func (m *Manager) EnsureClean(ctx context.Context, name string) error {
	ch := m.group.DoChan(name, func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.settleDelay+prepareTimeout)
		defer cancel()
		return m.prepare(pctx, name), nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return ctx.Err()
	}
}

func (m *Manager) prepare(ctx context.Context, name string) Outcome {
	outcome := m.clean(ctx, name)
	m.prepared.Add(1)
	if m.onOutcome != nil {
		m.onOutcome(outcome)
	}
	return outcome
}

func (m *Manager) clean(ctx context.Context, name string) Outcome {
	log := m.logger.With(zap.String("room", name))

	rooms, err := m.rooms.ListRooms(ctx, name)
	if err != nil {
		log.Warn("room lookup failed, proceeding", zap.Error(err))
		return OutcomeDegraded
	}
	found := false
	for _, r := range rooms {
		if r.Name == name {
			found = true
			break
		}
	}
	if !found {
		return OutcomeAbsent
	}

	log.Info("stale room found, deleting")
	if err := m.rooms.DeleteRoom(ctx, name); err != nil {
		log.Warn("stale room delete failed, proceeding", zap.Error(err))
		return OutcomeDegraded
	}
	if m.settleDelay > 0 {
		timer := time.NewTimer(m.settleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
	return OutcomeDeleted
}
