package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/toothfairy/internal/provider"
	"github.com/ent0n29/toothfairy/internal/token"
)

type fakeMinter struct {
	mu      sync.Mutex
	grants  []token.MediaGrant
	onIssue func()
}

func (m *fakeMinter) Issue(g token.MediaGrant) (string, error) {
	if m.onIssue != nil {
		m.onIssue()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, g)
	return "signed-token", nil
}

func (m *fakeMinter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants)
}

type anonymousProvider struct {
	agentPresent bool
}

func (p *anonymousProvider) CreateDispatch(context.Context, provider.DispatchSpec) (provider.Dispatch, error) {
	return provider.Dispatch{}, nil
}

func (p *anonymousProvider) ListParticipants(context.Context, string) ([]provider.Participant, error) {
	if !p.agentPresent {
		return nil, nil
	}
	return []provider.Participant{{Identity: "agent-x", Kind: provider.KindAgent}}, nil
}

func (p *anonymousProvider) URL() string { return "wss://media.example.test" }

func fastConfig() Config {
	return Config{
		MaxAttempts:      3,
		RetryBase:        time.Millisecond,
		RetryCap:         2 * time.Millisecond,
		ReadinessTimeout: 2 * time.Second,
		PollInterval:     5 * time.Millisecond,
		PollCap:          10 * time.Millisecond,
		TokenTTL:         time.Hour,
	}
}

func testRequest() Request {
	return Request{
		Room:        "clinic_session_0a1b2c3d",
		Identity:    "participant_4e5f6a7b",
		DisplayName: "doc@example.com",
		AgentName:   "toothfairy-dental-agent",
		Metadata:    map[string]any{"session_id": "sess_abc", "user_id": int64(7)},
	}
}

func TestDispatchMintsTokenOnlyAfterAgentJoins(t *testing.T) {
	p := provider.NewMockProvider(provider.MockConfig{AgentJoinDelay: 40 * time.Millisecond})
	defer p.Close()

	req := testRequest()
	agentSeenAtMint := false
	minter := &fakeMinter{onIssue: func() {
		ps, _ := p.ListParticipants(context.Background(), req.Room)
		for _, participant := range ps {
			if participant.IsAgent() {
				agentSeenAtMint = true
			}
		}
	}}
	d := NewDispatcher(p, minter, fastConfig(), nil)

	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !res.AgentVerified || res.State != StateVerified {
		t.Fatalf("result = verified %v state %q, want verified", res.AgentVerified, res.State)
	}
	if !agentSeenAtMint {
		t.Fatalf("token minted before agent joined the room")
	}
	if res.Token != "signed-token" {
		t.Fatalf("Token = %q, want signed-token", res.Token)
	}
	if !strings.HasPrefix(res.DispatchID, "AD_") {
		t.Fatalf("DispatchID = %q, want provider-assigned id", res.DispatchID)
	}
	if res.ProviderURL != "ws://localhost:7880" {
		t.Fatalf("ProviderURL = %q", res.ProviderURL)
	}
	if res.Metadata["agent_name"] != req.AgentName || res.Metadata["session_id"] != "sess_abc" {
		t.Fatalf("Metadata = %#v, want request metadata plus agent_name", res.Metadata)
	}
	if _, ok := res.Metadata["dispatch_id"].(string); !ok {
		t.Fatalf("Metadata missing dispatch_id: %#v", res.Metadata)
	}
	if _, ok := req.Metadata["agent_name"]; ok {
		t.Fatalf("request metadata was mutated")
	}

	g := minter.grants[0]
	if g.Room != req.Room || g.Identity != req.Identity || g.Name != req.DisplayName {
		t.Fatalf("grant = %+v, want request room/identity/name", g)
	}
	if g.Permissions != token.ParticipantPermissions() {
		t.Fatalf("grant permissions = %+v", g.Permissions)
	}
}

func TestDispatchContinuesUnverifiedAfterReadinessTimeout(t *testing.T) {
	p := provider.NewMockProvider(provider.MockConfig{NoAgentJoin: true})
	defer p.Close()
	cfg := fastConfig()
	cfg.ReadinessTimeout = 30 * time.Millisecond
	minter := &fakeMinter{}
	d := NewDispatcher(p, minter, cfg, nil)

	start := time.Now()
	res, err := d.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.AgentVerified {
		t.Fatalf("AgentVerified = true, want false when agent never joins")
	}
	if res.Token == "" || minter.count() != 1 {
		t.Fatalf("token not minted after readiness timeout")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("Dispatch returned after %v, before readiness timeout", elapsed)
	}
	if p.Calls(provider.OpListParticipants) < 2 {
		t.Fatalf("ListParticipants calls = %d, want polling", p.Calls(provider.OpListParticipants))
	}
}

func TestDispatchRetriesTransientSubmitFailures(t *testing.T) {
	p := provider.NewMockProvider(provider.MockConfig{})
	defer p.Close()
	p.FailNext(provider.OpCreateDispatch, 2, nil)
	d := NewDispatcher(p, &fakeMinter{}, fastConfig(), nil)

	if _, err := d.Dispatch(context.Background(), testRequest()); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := p.Calls(provider.OpCreateDispatch); got != 3 {
		t.Fatalf("CreateDispatch calls = %d, want 3", got)
	}
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	p := provider.NewMockProvider(provider.MockConfig{})
	defer p.Close()
	p.FailNext(provider.OpCreateDispatch, 10, nil)
	minter := &fakeMinter{}
	d := NewDispatcher(p, minter, fastConfig(), nil)

	_, err := d.Dispatch(context.Background(), testRequest())
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("Dispatch() error = %v, want *Error", err)
	}
	if de.State != StateFailed || de.Attempts != 3 {
		t.Fatalf("error = state %q attempts %d, want failed after 3", de.State, de.Attempts)
	}
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("errors.Is(err, ErrDispatchFailed) = false")
	}
	if minter.count() != 0 {
		t.Fatalf("token minted for failed dispatch")
	}
}

func TestDispatchDoesNotRetryPermanentFailures(t *testing.T) {
	p := provider.NewMockProvider(provider.MockConfig{})
	defer p.Close()
	p.FailNext(provider.OpCreateDispatch, 1, &provider.Error{
		Provider: "mock", Op: provider.OpCreateDispatch, Code: "permission_denied", Err: fmt.Errorf("denied"),
	})
	d := NewDispatcher(p, &fakeMinter{}, fastConfig(), nil)

	_, err := d.Dispatch(context.Background(), testRequest())
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("Dispatch() error = %v, want ErrDispatchFailed", err)
	}
	if provider.ErrorCode(err) != "permission_denied" {
		t.Fatalf("ErrorCode = %q, want permission_denied", provider.ErrorCode(err))
	}
	if got := p.Calls(provider.OpCreateDispatch); got != 1 {
		t.Fatalf("CreateDispatch calls = %d, want 1", got)
	}
}

func TestDispatchHonorsCancellationDuringReadiness(t *testing.T) {
	p := provider.NewMockProvider(provider.MockConfig{NoAgentJoin: true})
	defer p.Close()
	cfg := fastConfig()
	cfg.ReadinessTimeout = time.Hour
	minter := &fakeMinter{}
	d := NewDispatcher(p, minter, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := d.Dispatch(ctx, testRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dispatch() error = %v, want context.DeadlineExceeded", err)
	}
	if minter.count() != 0 {
		t.Fatalf("token minted after cancellation")
	}
}

func TestDispatchKeepsLocalIDWhenProviderOmitsOne(t *testing.T) {
	d := NewDispatcher(&anonymousProvider{agentPresent: true}, &fakeMinter{}, fastConfig(), nil)

	res, err := d.Dispatch(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.DispatchID == "" || res.DispatchID != res.Metadata["dispatch_id"] {
		t.Fatalf("DispatchID = %q, metadata id = %v", res.DispatchID, res.Metadata["dispatch_id"])
	}
	if !res.AgentVerified {
		t.Fatalf("AgentVerified = false with agent already present")
	}
}

func TestDispatchRejectsIncompleteRequest(t *testing.T) {
	d := NewDispatcher(&anonymousProvider{}, &fakeMinter{}, fastConfig(), nil)
	if _, err := d.Dispatch(context.Background(), Request{Room: "r"}); err == nil {
		t.Fatalf("Dispatch() error = nil, want validation failure")
	}
}
