package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockConfig tunes MockProvider.
type MockConfig struct {
	URL string
	// AgentJoinDelay is how long after CreateDispatch the agent appears.
	AgentJoinDelay time.Duration
	// NoAgentJoin keeps dispatched agents from ever joining.
	NoAgentJoin bool
}

type mockRoom struct {
	room         Room
	participants []Participant
}

type mockFailure struct {
	err       error
	remaining int
}

// MockProvider is an in-process provider for PROVIDER_MODE=mock and tests.
// Dispatched agents join as "agent-<name>" after AgentJoinDelay.
type MockProvider struct {
	cfg MockConfig

	mu       sync.Mutex
	rooms    map[string]*mockRoom
	calls    map[string]int
	failures map[string]*mockFailure
	timers   []*time.Timer
}

func NewMockProvider(cfg MockConfig) *MockProvider {
	if cfg.URL == "" {
		cfg.URL = "ws://localhost:7880"
	}
	return &MockProvider{
		cfg:      cfg,
		rooms:    make(map[string]*mockRoom),
		calls:    make(map[string]int),
		failures: make(map[string]*mockFailure),
	}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) URL() string { return m.cfg.URL }

// AddRoom creates a room, as if left over from an earlier session.
func (m *MockProvider) AddRoom(name string, participants ...Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[name] = &mockRoom{
		room:         Room{Name: name, SID: "RM_" + uuid.NewString()[:8], CreatedAt: time.Now().UTC()},
		participants: participants,
	}
}

// FailNext makes the next n calls of op return err. A retryable
// *Error is produced when err is nil.
func (m *MockProvider) FailNext(op string, n int, err error) {
	if err == nil {
		err = &Error{Provider: "mock", Op: op, Code: "unavailable", Retryable: true, Err: fmt.Errorf("injected failure")}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &mockFailure{err: err, remaining: n}
}

// Calls returns how many times op was invoked.
func (m *MockProvider) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// HasRoom reports whether the room currently exists.
func (m *MockProvider) HasRoom(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[name]
	return ok
}

// Close stops pending agent joins.
func (m *MockProvider) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = nil
}

func (m *MockProvider) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.calls[op]++
	if f, ok := m.failures[op]; ok && f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return nil
}

func (m *MockProvider) ListRooms(ctx context.Context, names ...string) ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpListRooms); err != nil {
		return nil, err
	}
	var out []Room
	if len(names) == 0 {
		for _, r := range m.rooms {
			out = append(out, r.room)
		}
		return out, nil
	}
	for _, name := range names {
		if r, ok := m.rooms[name]; ok {
			room := r.room
			room.NumParticipants = len(r.participants)
			out = append(out, room)
		}
	}
	return out, nil
}

func (m *MockProvider) DeleteRoom(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpDeleteRoom); err != nil {
		return err
	}
	if _, ok := m.rooms[name]; !ok {
		return &Error{Provider: "mock", Op: OpDeleteRoom, Code: "not_found", Err: fmt.Errorf("room %q not found", name)}
	}
	delete(m.rooms, name)
	return nil
}

func (m *MockProvider) CreateDispatch(ctx context.Context, spec DispatchSpec) (Dispatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpCreateDispatch); err != nil {
		return Dispatch{}, err
	}
	if _, ok := m.rooms[spec.Room]; !ok {
		m.rooms[spec.Room] = &mockRoom{room: Room{Name: spec.Room, SID: "RM_" + uuid.NewString()[:8], CreatedAt: time.Now().UTC()}}
	}
	d := Dispatch{ID: "AD_" + uuid.NewString()[:12], AgentName: spec.AgentName, Room: spec.Room}
	if !m.cfg.NoAgentJoin {
		agent := Participant{Identity: AgentIdentityPrefix + spec.AgentName, Name: spec.AgentName, Kind: KindAgent}
		m.timers = append(m.timers, time.AfterFunc(m.cfg.AgentJoinDelay, func() {
			m.join(spec.Room, agent)
		}))
	}
	return d, nil
}

func (m *MockProvider) join(room string, p Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[room]
	if !ok {
		return
	}
	p.JoinedAt = time.Now().UTC()
	r.participants = append(r.participants, p)
}

func (m *MockProvider) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, OpListParticipants); err != nil {
		return nil, err
	}
	r, ok := m.rooms[room]
	if !ok {
		return nil, nil
	}
	out := make([]Participant, len(r.participants))
	copy(out, r.participants)
	return out, nil
}
