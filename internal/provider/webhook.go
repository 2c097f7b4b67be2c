package provider

import (
	"fmt"
	"net/http"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/webhook"
)

// Webhook event names the broker reacts to.
const (
	EventRoomFinished      = "room_finished"
	EventParticipantLeft   = "participant_left"
	EventParticipantJoined = "participant_joined"
)

// WebhookEvent is the subset of a provider webhook the broker consumes.
type WebhookEvent struct {
	ID                  string
	Event               string
	Room                string
	ParticipantIdentity string
	ParticipantIsAgent  bool
}

// ReceiveWebhook verifies the signed body of a LiveKit webhook request.
func ReceiveWebhook(r *http.Request, apiKey, apiSecret string) (WebhookEvent, error) {
	ev, err := webhook.ReceiveWebhookEvent(r, auth.NewSimpleKeyProvider(apiKey, apiSecret))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("receive webhook: %w", err)
	}
	out := WebhookEvent{
		ID:    ev.GetId(),
		Event: ev.GetEvent(),
		Room:  ev.GetRoom().GetName(),
	}
	if p := ev.GetParticipant(); p != nil {
		out.ParticipantIdentity = p.GetIdentity()
		out.ParticipantIsAgent = Participant{Identity: p.GetIdentity(), Kind: kindOf(p.GetKind())}.IsAgent()
	}
	return out, nil
}

// WebhookVerifier binds ReceiveWebhook to one API key pair.
type WebhookVerifier struct {
	APIKey    string
	APISecret string
}

func (v WebhookVerifier) Receive(r *http.Request) (WebhookEvent, error) {
	return ReceiveWebhook(r, v.APIKey, v.APISecret)
}
