// Package session provisions voice sessions and tracks them until they end.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/auth"
	"github.com/ent0n29/toothfairy/internal/dispatch"
	"github.com/ent0n29/toothfairy/internal/logging"
	"github.com/ent0n29/toothfairy/internal/observability"
	"github.com/ent0n29/toothfairy/internal/provider"
	"github.com/ent0n29/toothfairy/internal/store"
)

var (
	ErrNotConfigured = errors.New("session: service not configured")
	ErrCreateFailed  = errors.New("session: create failed")
	ErrForbidden     = errors.New("session: not owned by caller")
	ErrNotFound      = errors.New("session: not found")
)

const (
	RoomPrefix        = "clinic_session_"
	IdentityPrefix    = "participant_"
	defaultCompensate = 10 * time.Second
)

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateSession(ctx context.Context, roomName string) (store.Session, error)
	EndSession(ctx context.Context, sessionID string, duration time.Duration, reason string) error
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	GetActiveSessionByRoom(ctx context.Context, roomName string) (store.Session, error)
	RefreshDailyAnalytics(ctx context.Context, day time.Time) error
}

type RoomPreparer interface {
	EnsureClean(ctx context.Context, name string) error
}

type RoomRemover interface {
	DeleteRoom(ctx context.Context, name string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

// Deps wires an Orchestrator. Missing names unset settings; when non-empty
// every CreateSession fails with ErrNotConfigured.
type Deps struct {
	Store      Store
	Rooms      RoomPreparer
	Remover    RoomRemover
	Dispatcher Dispatcher
	Tracker    *Tracker
	Metrics    *observability.Metrics
	Stages     *observability.StageWindow
	Logger     *zap.Logger
	AgentName  string
	Missing    []string

	CompensationTimeout time.Duration
}

// Result is handed to the client once; only the media-join token is secret.
type Result struct {
	SessionID           string `json:"session_id"`
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
	ParticipantName     string `json:"participant_name"`
	ProviderURL         string `json:"provider_url"`
	AgentName           string `json:"agent_name"`
	DispatchID          string `json:"dispatch_id"`
	MediaJoinToken      string `json:"media_join_token"`
	UserID              int64  `json:"user_id"`
	UserEmail           string `json:"user_email"`
	AgentVerified       bool   `json:"agent_verified"`
}

type Orchestrator struct {
	store      Store
	rooms      RoomPreparer
	remover    RoomRemover
	dispatcher Dispatcher
	tracker    *Tracker
	metrics    *observability.Metrics
	stages     *observability.StageWindow
	logger     *zap.Logger
	agentName  string
	missing    []string
	compensate time.Duration
}

func NewOrchestrator(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Tracker == nil {
		d.Tracker = NewTracker(0, 0)
	}
	if d.CompensationTimeout <= 0 {
		d.CompensationTimeout = defaultCompensate
	}
	missing := append([]string(nil), d.Missing...)
	if d.Store == nil || d.Rooms == nil || d.Dispatcher == nil {
		if len(missing) == 0 {
			missing = append(missing, "provisioning dependencies")
		}
	}
	o := &Orchestrator{
		store:      d.Store,
		rooms:      d.Rooms,
		remover:    d.Remover,
		dispatcher: d.Dispatcher,
		tracker:    d.Tracker,
		metrics:    d.Metrics,
		stages:     d.Stages,
		logger:     d.Logger,
		agentName:  d.AgentName,
		missing:    missing,
		compensate: d.CompensationTimeout,
	}
	o.tracker.SetExpireHook(o.expired)
	return o
}

func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// Configured reports whether sessions can be provisioned.
func (o *Orchestrator) Configured() bool { return len(o.missing) == 0 }

// CreateSession records a session, prepares its room and dispatches the
// agent. Any failure after the record exists closes it again, so no active
// session is left without a dispatch.
func (o *Orchestrator) CreateSession(ctx context.Context, caller auth.Identity) (Result, error) {
	if len(o.missing) > 0 {
		return Result{}, fmt.Errorf("%w: missing %s", ErrNotConfigured, strings.Join(o.missing, ", "))
	}
	start := time.Now()
	roomName := RoomPrefix + randomHex()
	identity := IdentityPrefix + randomHex()
	log := o.logger.With(
		zap.String("room", roomName),
		zap.Int64("user_id", caller.UserID),
		logging.Redacted("user_email", caller.Email),
	)

	stageStart := time.Now()
	sess, err := o.store.CreateSession(ctx, roomName)
	o.stages.ObserveDuration(observability.StageStore, time.Since(stageStart))
	if err != nil {
		o.event("failed")
		o.stages.ObserveOutcome(observability.OutcomeFailed)
		log.Error("session record create failed", zap.Error(err))
		return Result{}, fmt.Errorf("%w: record session: %w", ErrCreateFailed, err)
	}
	log = log.With(zap.String("session_id", sess.ID))
	log.Info("session record created")

	res, err := o.provision(ctx, sess, identity, caller, log)
	if err != nil {
		o.event("failed")
		o.stages.ObserveOutcome(observability.OutcomeFailed)
		log.Error("session provisioning failed", zap.Error(err))
		o.rollback(ctx, sess, log)
		return Result{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	o.tracker.Add(Live{
		ID:                  sess.ID,
		RoomName:            roomName,
		ParticipantIdentity: identity,
		UserID:              caller.UserID,
		UserEmail:           caller.Email,
		DispatchID:          res.DispatchID,
		StartedAt:           sess.StartedAt,
	})
	o.syncActive()
	o.event("created")
	total := time.Since(start)
	o.stages.ObserveDuration(observability.StageTotal, total)
	if o.metrics != nil {
		o.metrics.ObserveProvisioning(total)
	}
	log.Info("session created", zap.String("dispatch_id", res.DispatchID), zap.Duration("elapsed", total))
	return res, nil
}

func (o *Orchestrator) provision(ctx context.Context, sess store.Session, identity string, caller auth.Identity, log *zap.Logger) (Result, error) {
	stageStart := time.Now()
	if err := o.rooms.EnsureClean(ctx, sess.RoomName); err != nil {
		return Result{}, fmt.Errorf("prepare room: %w", err)
	}
	o.stages.ObserveDuration(observability.StageRoom, time.Since(stageStart))

	out, err := o.dispatcher.Dispatch(ctx, dispatch.Request{
		Room:        sess.RoomName,
		Identity:    identity,
		DisplayName: caller.Email,
		AgentName:   o.agentName,
		Metadata: map[string]any{
			"session_id": sess.ID,
			"user_id":    caller.UserID,
			"user_email": caller.Email,
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrDispatchFailed) {
			o.dispatchOutcome(observability.OutcomeFailed)
		}
		return Result{}, err
	}
	o.stages.ObserveDuration(observability.StageDispatch, out.SubmitDuration)
	o.stages.ObserveDuration(observability.StageReadiness, out.ReadinessDuration)
	if out.AgentVerified {
		o.dispatchOutcome(observability.OutcomeVerified)
		o.stages.ObserveOutcome(observability.OutcomeVerified)
	} else {
		o.dispatchOutcome(observability.OutcomeUnverified)
		o.stages.ObserveOutcome(observability.OutcomeUnverified)
	}

	return Result{
		SessionID:           sess.ID,
		RoomName:            sess.RoomName,
		ParticipantIdentity: identity,
		ParticipantName:     caller.Email,
		ProviderURL:         out.ProviderURL,
		AgentName:           out.AgentName,
		DispatchID:          out.DispatchID,
		MediaJoinToken:      out.Token,
		UserID:              caller.UserID,
		UserEmail:           caller.Email,
		AgentVerified:       out.AgentVerified,
	}, nil
}

// rollback closes a half-provisioned session on a context the caller cannot
// cancel.
func (o *Orchestrator) rollback(ctx context.Context, sess store.Session, log *zap.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensate)
	defer cancel()

	if err := o.store.EndSession(cctx, sess.ID, 0, ReasonProvisionFailed); err != nil && !errors.Is(err, store.ErrAlreadyEnded) {
		log.Error("closing failed session", zap.Error(err))
	}
	if o.remover == nil {
		return
	}
	if err := o.remover.DeleteRoom(cctx, sess.RoomName); err != nil && provider.ErrorCode(err) != "not_found" {
		log.Warn("room delete after failed provisioning", zap.Error(err))
	}
}

// EndSession closes a session once. Ending an already closed session is a
// no-op.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID, reason string) error {
	live, tracked := o.tracker.Remove(sessionID)
	return o.close(ctx, sessionID, live, tracked, reason)
}

// EndOwnedSession ends sessionID on behalf of caller. Tracked sessions
// owned by another user are refused.
func (o *Orchestrator) EndOwnedSession(ctx context.Context, caller auth.Identity, sessionID, reason string) error {
	if live, ok := o.tracker.Get(sessionID); ok && live.UserID != caller.UserID {
		return ErrForbidden
	}
	return o.EndSession(ctx, sessionID, reason)
}

// EndByRoom ends whatever session owns room, if any.
func (o *Orchestrator) EndByRoom(ctx context.Context, room, reason string) error {
	if live, ok := o.tracker.LookupByRoom(room); ok {
		return o.EndSession(ctx, live.ID, reason)
	}
	if o.store == nil {
		return ErrNotFound
	}
	sess, err := o.store.GetActiveSessionByRoom(ctx, room)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return o.EndSession(ctx, sess.ID, reason)
}

// ParticipantJoined records the caller's media connection as activity on
// the room's session.
func (o *Orchestrator) ParticipantJoined(room, identity string) error {
	live, ok := o.callerSession(room, identity)
	if !ok {
		return ErrNotFound
	}
	if err := o.tracker.Touch(live.ID); err != nil {
		return ErrNotFound
	}
	return nil
}

// ParticipantLeft ends the room's session when the caller leaves it. Other
// participants, the agent included, do not end the session.
func (o *Orchestrator) ParticipantLeft(ctx context.Context, room, identity string) error {
	live, ok := o.callerSession(room, identity)
	if !ok {
		return ErrNotFound
	}
	return o.EndSession(ctx, live.ID, ReasonClientGone)
}

func (o *Orchestrator) callerSession(room, identity string) (Live, bool) {
	live, ok := o.tracker.LookupByRoom(room)
	if !ok || identity == "" || live.ParticipantIdentity != identity {
		return Live{}, false
	}
	return live, true
}

func (o *Orchestrator) expired(l Live, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.compensate)
	defer cancel()
	o.event("expired")
	if err := o.close(ctx, l.ID, l, true, reason); err != nil {
		o.logger.Warn("closing expired session", zap.String("session_id", l.ID), zap.Error(err))
	}
}

func (o *Orchestrator) close(ctx context.Context, id string, live Live, tracked bool, reason string) error {
	if o.store == nil {
		return ErrNotFound
	}
	started := live.StartedAt
	if !tracked {
		sess, err := o.store.GetSession(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if sess.Status != store.StatusActive {
			return nil
		}
		started = sess.StartedAt
	}
	o.syncActive()

	duration := time.Since(started)
	err := o.store.EndSession(ctx, id, duration, reason)
	switch {
	case errors.Is(err, store.ErrAlreadyEnded):
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("end session %s: %w", id, err)
	}
	o.event("ended")
	o.logger.Info("session ended",
		zap.String("session_id", id),
		zap.String("reason", reason),
		zap.Duration("duration", duration),
	)
	if err := o.store.RefreshDailyAnalytics(ctx, started); err != nil {
		o.logger.Warn("daily analytics refresh failed", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) event(name string) {
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues(name).Inc()
	}
}

func (o *Orchestrator) dispatchOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.DispatchOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) syncActive() {
	if o.metrics != nil {
		o.metrics.ActiveSessions.Set(float64(o.tracker.ActiveCount()))
	}
}

func randomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
