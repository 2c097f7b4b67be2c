// Package dispatch submits an agent to a room, waits for it to show up, and
// only then mints the caller's media-join token.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/provider"
	"github.com/ent0n29/toothfairy/internal/reliability"
	"github.com/ent0n29/toothfairy/internal/token"
)

// State is a dispatch lifecycle state.
type State string

const (
	StateRequested         State = "requested"
	StateSubmitted         State = "submitted"
	StateAwaitingReadiness State = "awaiting_readiness"
	StateVerified          State = "verified"
	StateFailed            State = "failed"
)

var ErrDispatchFailed = errors.New("dispatch: agent dispatch failed")

// Error reports a dispatch that reached StateFailed.
type Error struct {
	State      State
	DispatchID string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent dispatch %s failed after %d attempt(s): %v", e.DispatchID, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrDispatchFailed, e.Err} }

// Provider is the slice of the media provider the dispatcher drives.
type Provider interface {
	CreateDispatch(ctx context.Context, spec provider.DispatchSpec) (provider.Dispatch, error)
	ListParticipants(ctx context.Context, room string) ([]provider.Participant, error)
	URL() string
}

// TokenMinter issues media-join tokens.
type TokenMinter interface {
	Issue(g token.MediaGrant) (string, error)
}

type Config struct {
	MaxAttempts      int
	RetryBase        time.Duration
	RetryCap         time.Duration
	ReadinessTimeout time.Duration
	PollInterval     time.Duration
	PollCap          time.Duration
	TokenTTL         time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 2 * time.Second
	}
	if c.ReadinessTimeout < 0 {
		c.ReadinessTimeout = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.PollCap <= 0 {
		c.PollCap = 2 * time.Second
	}
	return c
}

type Request struct {
	Room        string
	Identity    string
	DisplayName string
	AgentName   string
	Metadata    map[string]any
}

type Result struct {
	DispatchID    string
	Room          string
	Identity      string
	DisplayName   string
	Token         string
	ProviderURL   string
	AgentName     string
	Metadata      map[string]any
	AgentVerified bool
	State         State

	SubmitDuration    time.Duration
	ReadinessDuration time.Duration
}

type Dispatcher struct {
	provider Provider
	tokens   TokenMinter
	cfg      Config
	logger   *zap.Logger
}

func NewDispatcher(p Provider, tokens TokenMinter, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{provider: p, tokens: tokens, cfg: cfg.withDefaults(), logger: logger}
}

// Dispatch runs requested -> submitted -> awaiting_readiness -> verified.
// A missing agent after the readiness timeout is logged, not failed.
// Cancelling ctx aborts any wait with ctx.Err() and no token.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.Room == "" || req.Identity == "" || req.AgentName == "" {
		return Result{}, fmt.Errorf("dispatch: room, identity and agent name are required")
	}
	id := uuid.NewString()
	log := d.logger.With(zap.String("room", req.Room), zap.String("agent", req.AgentName))
	log.Debug("dispatch state", zap.String("state", string(StateRequested)), zap.String("dispatch_id", id))

	meta := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["agent_name"] = req.AgentName
	meta["dispatch_id"] = id
	payload, err := json.Marshal(meta)
	if err != nil {
		return Result{}, &Error{State: StateFailed, DispatchID: id, Err: fmt.Errorf("encode metadata: %w", err)}
	}

	submitStart := time.Now()
	ack, attempts, err := d.submit(ctx, provider.DispatchSpec{
		AgentName: req.AgentName,
		Room:      req.Room,
		Metadata:  string(payload),
	}, log)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		log.Error("agent dispatch failed", zap.String("dispatch_id", id), zap.Int("attempts", attempts), zap.Error(err))
		return Result{}, &Error{State: StateFailed, DispatchID: id, Attempts: attempts, Err: err}
	}
	if ack.ID != "" {
		id = ack.ID
	}
	log = log.With(zap.String("dispatch_id", id))
	log.Info("agent dispatch submitted", zap.String("state", string(StateSubmitted)), zap.Int("attempts", attempts))

	res := Result{
		DispatchID:     id,
		Room:           req.Room,
		Identity:       req.Identity,
		DisplayName:    req.DisplayName,
		ProviderURL:    d.provider.URL(),
		AgentName:      req.AgentName,
		Metadata:       meta,
		SubmitDuration: time.Since(submitStart),
	}

	log.Debug("dispatch state", zap.String("state", string(StateAwaitingReadiness)))
	readyStart := time.Now()
	verified, err := d.awaitAgent(ctx, req.Room, log)
	if err != nil {
		return Result{}, err
	}
	res.ReadinessDuration = time.Since(readyStart)
	res.AgentVerified = verified
	if verified {
		log.Info("agent presence verified", zap.Duration("readiness", res.ReadinessDuration))
	} else {
		log.Warn("agent not observed before readiness timeout, continuing", zap.Duration("timeout", d.cfg.ReadinessTimeout))
	}

	signed, err := d.tokens.Issue(token.MediaGrant{
		Room:        req.Room,
		Identity:    req.Identity,
		Name:        req.DisplayName,
		Permissions: token.ParticipantPermissions(),
		TTL:         d.cfg.TokenTTL,
	})
	if err != nil {
		log.Error("media token mint failed", zap.Error(err))
		return Result{}, &Error{State: StateFailed, DispatchID: id, Attempts: attempts, Err: err}
	}
	res.Token = signed
	res.State = StateVerified
	return res, nil
}

func (d *Dispatcher) submit(ctx context.Context, spec provider.DispatchSpec, log *zap.Logger) (provider.Dispatch, int, error) {
	var lastErr error
	attempt := 0
	for attempt < d.cfg.MaxAttempts {
		if attempt > 0 {
			if err := sleep(ctx, reliability.ExponentialBackoff(attempt-1, d.cfg.RetryBase, d.cfg.RetryCap)); err != nil {
				return provider.Dispatch{}, attempt, err
			}
		}
		attempt++
		ack, err := d.provider.CreateDispatch(ctx, spec)
		if err == nil {
			return ack, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || !provider.IsRetryable(err) {
			break
		}
		log.Warn("agent dispatch attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return provider.Dispatch{}, attempt, lastErr
}

// awaitAgent polls room participants with capped exponential backoff until
// an agent is present or the readiness timeout passes.
func (d *Dispatcher) awaitAgent(ctx context.Context, room string, log *zap.Logger) (bool, error) {
	deadline := time.Now().Add(d.cfg.ReadinessTimeout)
	for attempt := 0; ; attempt++ {
		participants, err := d.provider.ListParticipants(ctx, room)
		switch {
		case ctx.Err() != nil:
			return false, ctx.Err()
		case err != nil:
			log.Warn("presence check failed", zap.Int("attempt", attempt), zap.Error(err))
		default:
			for _, p := range participants {
				if p.IsAgent() {
					return true, nil
				}
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		wait := reliability.ExponentialBackoff(attempt, d.cfg.PollInterval, d.cfg.PollCap)
		if wait > remaining {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
