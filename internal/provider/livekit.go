package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"

	"github.com/ent0n29/toothfairy/internal/reliability"
)

// LiveKitProvider talks to a LiveKit server over its Twirp API.
type LiveKitProvider struct {
	url      string
	rooms    *lksdk.RoomServiceClient
	dispatch *lksdk.AgentDispatchClient
}

func NewLiveKitProvider(url, apiKey, apiSecret string) (*LiveKitProvider, error) {
	if url == "" || apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("livekit: url, api key and api secret are required")
	}
	return &LiveKitProvider{
		url:      url,
		rooms:    lksdk.NewRoomServiceClient(url, apiKey, apiSecret),
		dispatch: lksdk.NewAgentDispatchServiceClient(url, apiKey, apiSecret),
	}, nil
}

func (p *LiveKitProvider) Name() string { return "livekit" }

func (p *LiveKitProvider) URL() string { return p.url }

func (p *LiveKitProvider) ListRooms(ctx context.Context, names ...string) ([]Room, error) {
	res, err := p.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: names})
	if err != nil {
		return nil, p.wrap(OpListRooms, err)
	}
	out := make([]Room, 0, len(res.GetRooms()))
	for _, r := range res.GetRooms() {
		out = append(out, Room{
			Name:            r.GetName(),
			SID:             r.GetSid(),
			NumParticipants: int(r.GetNumParticipants()),
			CreatedAt:       time.Unix(r.GetCreationTime(), 0).UTC(),
		})
	}
	return out, nil
}

func (p *LiveKitProvider) DeleteRoom(ctx context.Context, name string) error {
	if _, err := p.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name}); err != nil {
		return p.wrap(OpDeleteRoom, err)
	}
	return nil
}

func (p *LiveKitProvider) CreateDispatch(ctx context.Context, spec DispatchSpec) (Dispatch, error) {
	res, err := p.dispatch.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: spec.AgentName,
		Room:      spec.Room,
		Metadata:  spec.Metadata,
	})
	if err != nil {
		return Dispatch{}, p.wrap(OpCreateDispatch, err)
	}
	return Dispatch{
		ID:        res.GetId(),
		AgentName: res.GetAgentName(),
		Room:      res.GetRoom(),
	}, nil
}

func (p *LiveKitProvider) ListParticipants(ctx context.Context, room string) ([]Participant, error) {
	res, err := p.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, p.wrap(OpListParticipants, err)
	}
	out := make([]Participant, 0, len(res.GetParticipants()))
	for _, pi := range res.GetParticipants() {
		out = append(out, Participant{
			Identity: pi.GetIdentity(),
			Name:     pi.GetName(),
			Kind:     kindOf(pi.GetKind()),
			JoinedAt: time.Unix(pi.GetJoinedAt(), 0).UTC(),
		})
	}
	return out, nil
}

func kindOf(k livekit.ParticipantInfo_Kind) ParticipantKind {
	switch k {
	case livekit.ParticipantInfo_AGENT:
		return KindAgent
	case livekit.ParticipantInfo_INGRESS:
		return KindIngress
	case livekit.ParticipantInfo_EGRESS:
		return KindEgress
	case livekit.ParticipantInfo_SIP:
		return KindSIP
	default:
		return KindStandard
	}
}

// wrap classifies err. Twirp errors carry a code; anything else is a
// transport failure and treated as transient.
func (p *LiveKitProvider) wrap(op string, err error) error {
	pe := &Error{Provider: p.Name(), Op: op, Err: err, Retryable: true}
	var terr twirp.Error
	if errors.As(err, &terr) {
		pe.Code = string(terr.Code())
		pe.Retryable = reliability.IsRetryableRPCCode(pe.Code)
		// Proxies in front of the provider answer with plain HTTP errors.
		if status, convErr := strconv.Atoi(terr.Meta("status_code")); convErr == nil {
			pe.Retryable = reliability.IsRetryableHTTPStatus(status)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		pe.Retryable = false
	}
	return pe
}
