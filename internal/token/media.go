package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"
)

// Permissions are the only capabilities a media-join token may carry.
type Permissions struct {
	RoomJoin       bool
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
}

// ParticipantPermissions is the fixed grant handed to session participants.
func ParticipantPermissions() Permissions {
	return Permissions{RoomJoin: true, CanPublish: true, CanSubscribe: true, CanPublishData: true}
}

// MediaGrant describes a join capability for one participant in one room.
type MediaGrant struct {
	Room        string
	Identity    string
	Name        string
	Permissions Permissions
	TTL         time.Duration
}

// VerifiedMedia is a decoded media-join token.
type VerifiedMedia struct {
	MediaGrant
	APIKey    string
	NotBefore time.Time
	ExpiresAt time.Time
}

// MediaIssuer signs LiveKit access tokens with the provider API key pair.
type MediaIssuer struct {
	apiKey    string
	apiSecret string
	ttl       time.Duration
}

// NewMediaIssuer returns an issuer for the provider key pair. appSecret is
// the application token secret; the two signing domains may not share a key.
func NewMediaIssuer(apiKey, apiSecret string, ttl time.Duration, appSecret string) (*MediaIssuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("media issuer: api key and secret are required")
	}
	if apiSecret == appSecret {
		return nil, ErrSharedSecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MediaIssuer{apiKey: apiKey, apiSecret: apiSecret, ttl: ttl}, nil
}

// Issue mints a join token valid from now for g.TTL (issuer default when zero).
func (m *MediaIssuer) Issue(g MediaGrant) (string, error) {
	if g.Room == "" || g.Identity == "" {
		return "", fmt.Errorf("media token: room and identity are required")
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	p := g.Permissions
	grant := &auth.VideoGrant{
		RoomJoin:       p.RoomJoin,
		Room:           g.Room,
		CanPublish:     &p.CanPublish,
		CanSubscribe:   &p.CanSubscribe,
		CanPublishData: &p.CanPublishData,
	}
	at := auth.NewAccessToken(m.apiKey, m.apiSecret).
		SetVideoGrant(grant).
		SetIdentity(g.Identity).
		SetName(g.Name).
		SetValidFor(ttl)
	signed, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign media token: %w", err)
	}
	return signed, nil
}

type videoClaim struct {
	RoomCreate     bool   `json:"roomCreate,omitempty"`
	RoomList       bool   `json:"roomList,omitempty"`
	RoomRecord     bool   `json:"roomRecord,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	Room           string `json:"room,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
}

type mediaClaims struct {
	Name  string      `json:"name,omitempty"`
	Video *videoClaim `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// VerifyMedia decodes a media-join token signed with apiSecret and rejects it
// when expired, not yet valid, or carrying admin-level grants.
func VerifyMedia(raw, apiSecret string, now time.Time) (VerifiedMedia, error) {
	var claims mediaClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(apiSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return VerifiedMedia{}, classify(err)
	}
	v := claims.Video
	if v == nil {
		return VerifiedMedia{}, fmt.Errorf("%w: missing video grant", ErrInvalid)
	}
	if v.RoomAdmin || v.RoomCreate || v.RoomList || v.RoomRecord {
		return VerifiedMedia{}, ErrOverbroad
	}

	out := VerifiedMedia{
		MediaGrant: MediaGrant{
			Room:     v.Room,
			Identity: claims.Subject,
			Name:     claims.Name,
			Permissions: Permissions{
				RoomJoin:       v.RoomJoin,
				CanPublish:     deref(v.CanPublish),
				CanSubscribe:   deref(v.CanSubscribe),
				CanPublishData: deref(v.CanPublishData),
			},
		},
		APIKey: claims.Issuer,
	}
	if claims.NotBefore != nil {
		out.NotBefore = claims.NotBefore.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
		out.TTL = out.ExpiresAt.Sub(out.NotBefore)
	}
	return out, nil
}

func deref(b *bool) bool {
	return b != nil && *b
}
