package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// End reasons recorded on the session row.
const (
	ReasonUserEnded       = "user_ended"
	ReasonClientGone      = "client_disconnected"
	ReasonRoomFinished    = "room_finished"
	ReasonInactive        = "inactive"
	ReasonMaxDuration     = "max_duration"
	ReasonProvisionFailed = "provision_failed"
)

var ErrNotTracked = errors.New("session not tracked")

// Live is a provisioned session the broker still considers open.
// PresenceAttached is set once the client opens a presence channel; only
// then do missed heartbeats expire the session.
type Live struct {
	ID                  string    `json:"session_id"`
	RoomName            string    `json:"room_name"`
	ParticipantIdentity string    `json:"participant_identity"`
	UserID              int64     `json:"user_id"`
	UserEmail           string    `json:"-"`
	DispatchID          string    `json:"dispatch_id"`
	PresenceAttached    bool      `json:"presence_attached"`
	StartedAt           time.Time `json:"started_at"`
	LastSeenAt          time.Time `json:"last_seen_at"`
}

// Tracker holds live sessions in memory. Every session expires at the
// maximum duration; sessions with a presence channel also expire when
// their heartbeats stop.
type Tracker struct {
	mu                sync.RWMutex
	sessions          map[string]*Live
	sessionByRoom     map[string]string
	inactivityTimeout time.Duration
	maxDuration       time.Duration
	onExpire          func(Live, string)
}

func NewTracker(inactivityTimeout, maxDuration time.Duration) *Tracker {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if maxDuration <= 0 {
		maxDuration = 2 * time.Hour
	}
	return &Tracker{
		sessions:          make(map[string]*Live),
		sessionByRoom:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		maxDuration:       maxDuration,
	}
}

// SetExpireHook registers fn to run, outside the lock, for each expired
// session with the expiry reason.
func (t *Tracker) SetExpireHook(fn func(Live, string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = fn
}

func (t *Tracker) InactivityTimeout() time.Duration { return t.inactivityTimeout }

func (t *Tracker) Add(l Live) {
	now := time.Now().UTC()
	if l.StartedAt.IsZero() {
		l.StartedAt = now
	}
	l.LastSeenAt = now
	l.PresenceAttached = false

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[l.ID] = &l
	if l.RoomName != "" {
		t.sessionByRoom[l.RoomName] = l.ID
	}
}

func (t *Tracker) Get(id string) (Live, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.sessions[id]
	if !ok {
		return Live{}, false
	}
	return *l, true
}

func (t *Tracker) LookupByRoom(room string) (Live, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.sessionByRoom[room]
	if !ok {
		return Live{}, false
	}
	return *t.sessions[id], true
}

// Touch records a client heartbeat.
func (t *Tracker) Touch(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.sessions[id]
	if !ok {
		return ErrNotTracked
	}
	l.LastSeenAt = time.Now().UTC()
	return nil
}

// AttachPresence marks the session as heartbeating over a presence channel.
func (t *Tracker) AttachPresence(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.sessions[id]
	if !ok {
		return ErrNotTracked
	}
	l.PresenceAttached = true
	l.LastSeenAt = time.Now().UTC()
	return nil
}

// Remove drops the session and reports whether it was tracked. Only the
// first caller for an id sees true.
func (t *Tracker) Remove(id string) (Live, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.sessions[id]
	if !ok {
		return Live{}, false
	}
	t.drop(l)
	return *l, true
}

func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Tracker) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.expire(time.Now().UTC())
			}
		}
	}()
}

type expiry struct {
	live   Live
	reason string
}

func (t *Tracker) expire(now time.Time) {
	var expired []expiry

	t.mu.Lock()
	for _, l := range t.sessions {
		switch {
		case now.Sub(l.StartedAt) >= t.maxDuration:
			expired = append(expired, expiry{*l, ReasonMaxDuration})
		case l.PresenceAttached && now.Sub(l.LastSeenAt) >= t.inactivityTimeout:
			expired = append(expired, expiry{*l, ReasonInactive})
		default:
			continue
		}
		t.drop(l)
	}
	hook := t.onExpire
	t.mu.Unlock()

	if hook != nil {
		for _, e := range expired {
			hook(e.live, e.reason)
		}
	}
}

func (t *Tracker) drop(l *Live) {
	delete(t.sessions, l.ID)
	if t.sessionByRoom[l.RoomName] == l.ID {
		delete(t.sessionByRoom, l.RoomName)
	}
}
