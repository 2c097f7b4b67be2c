package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	appSecret   = "app-secret-0123456789abcdef0123456789"
	mediaKey    = "APIkey123"
	mediaSecret = "media-secret-0123456789abcdef012345"
)

func TestNewAppIssuerRejectsWeakSecret(t *testing.T) {
	for _, secret := range []string{"", "short"} {
		if _, err := NewAppIssuer(secret, time.Hour); !errors.Is(err, ErrWeakSecret) {
			t.Fatalf("NewAppIssuer(%q) error = %v, want ErrWeakSecret", secret, err)
		}
	}
}

func TestAppTokenRoundTripAndExpiry(t *testing.T) {
	issuer, err := NewAppIssuer(appSecret, 0)
	if err != nil {
		t.Fatalf("NewAppIssuer() error = %v", err)
	}
	before := time.Now()
	raw, err := issuer.Issue(Claims{UserID: 7, Email: "doc@example.com"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims, err := issuer.Verify(raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != 7 || claims.Email != "doc@example.com" {
		t.Fatalf("claims = %+v, want id 7 doc@example.com", claims)
	}
	want := before.Add(24 * time.Hour)
	if d := claims.ExpiresAt.Sub(want); d < -time.Second || d > time.Second {
		t.Fatalf("ExpiresAt = %v, want %v +/- 1s", claims.ExpiresAt, want)
	}
}

func TestAppTokenRejections(t *testing.T) {
	issuer, _ := NewAppIssuer(appSecret, time.Hour)
	other, _ := NewAppIssuer(strings.Repeat("z", MinSecretLen), time.Hour)
	issuedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := issuer.IssueAt(Claims{UserID: 1, Email: "a@b.co"}, issuedAt)
	if err != nil {
		t.Fatalf("IssueAt() error = %v", err)
	}

	if _, err := issuer.VerifyAt(raw, issuedAt.Add(2*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("VerifyAt(expired) error = %v, want ErrExpired", err)
	}
	if _, err := other.VerifyAt(raw, issuedAt); !errors.Is(err, ErrInvalid) {
		t.Fatalf("VerifyAt(wrong secret) error = %v, want ErrInvalid", err)
	}
	if _, err := issuer.VerifyAt("not.a.jwt", issuedAt); !errors.Is(err, ErrMalformed) {
		t.Fatalf("VerifyAt(garbage) error = %v, want ErrMalformed", err)
	}
	if _, err := issuer.VerifyAt("", issuedAt); !errors.Is(err, ErrMalformed) {
		t.Fatalf("VerifyAt(empty) error = %v, want ErrMalformed", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"id": 1, "email": "a@b.co", "exp": issuedAt.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := issuer.VerifyAt(none, issuedAt); err == nil {
		t.Fatalf("VerifyAt(alg=none) error = nil, want rejection")
	}
}

func TestNewMediaIssuerRejectsSharedSecret(t *testing.T) {
	if _, err := NewMediaIssuer(mediaKey, appSecret, time.Hour, appSecret); !errors.Is(err, ErrSharedSecret) {
		t.Fatalf("NewMediaIssuer() error = %v, want ErrSharedSecret", err)
	}
	if _, err := NewMediaIssuer("", mediaSecret, time.Hour, appSecret); err == nil {
		t.Fatalf("NewMediaIssuer(no key) error = nil, want failure")
	}
}

func TestMediaTokenRoundTrip(t *testing.T) {
	issuer, err := NewMediaIssuer(mediaKey, mediaSecret, 24*time.Hour, appSecret)
	if err != nil {
		t.Fatalf("NewMediaIssuer() error = %v", err)
	}
	grant := MediaGrant{
		Room:        "clinic_session_0a1b2c3d",
		Identity:    "participant_deadbeef",
		Name:        "Patient",
		Permissions: ParticipantPermissions(),
	}
	raw, err := issuer.Issue(grant)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	got, err := VerifyMedia(raw, mediaSecret, time.Now())
	if err != nil {
		t.Fatalf("VerifyMedia() error = %v", err)
	}
	if got.Room != grant.Room || got.Identity != grant.Identity || got.Name != grant.Name {
		t.Fatalf("decoded grant = %+v, want %+v", got.MediaGrant, grant)
	}
	if got.Permissions != ParticipantPermissions() {
		t.Fatalf("Permissions = %+v, want %+v", got.Permissions, ParticipantPermissions())
	}
	if got.APIKey != mediaKey {
		t.Fatalf("APIKey = %q, want %q", got.APIKey, mediaKey)
	}
	if d := got.TTL - 24*time.Hour; d < -time.Second || d > time.Second {
		t.Fatalf("TTL = %v, want 24h", got.TTL)
	}

	if _, err := VerifyMedia(raw, mediaSecret, time.Now().Add(25*time.Hour)); !errors.Is(err, ErrExpired) {
		t.Fatalf("VerifyMedia(after expiry) error = %v, want ErrExpired", err)
	}
	if _, err := VerifyMedia(raw, appSecret, time.Now()); !errors.Is(err, ErrInvalid) {
		t.Fatalf("VerifyMedia(wrong secret) error = %v, want ErrInvalid", err)
	}
}

func TestMediaTokenCarriesOnlyRequestedFlags(t *testing.T) {
	issuer, _ := NewMediaIssuer(mediaKey, mediaSecret, time.Hour, appSecret)
	raw, err := issuer.Issue(MediaGrant{
		Room:        "r1",
		Identity:    "listener",
		Permissions: Permissions{RoomJoin: true, CanSubscribe: true},
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	got, err := VerifyMedia(raw, mediaSecret, time.Now())
	if err != nil {
		t.Fatalf("VerifyMedia() error = %v", err)
	}
	want := Permissions{RoomJoin: true, CanSubscribe: true}
	if got.Permissions != want {
		t.Fatalf("Permissions = %+v, want %+v", got.Permissions, want)
	}
}

func TestVerifyMediaRejectsAdminGrant(t *testing.T) {
	now := time.Now()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   mediaKey,
		"sub":   "participant_x",
		"nbf":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"video": map[string]any{"roomJoin": true, "room": "r1", "roomAdmin": true},
	}).SignedString([]byte(mediaSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := VerifyMedia(raw, mediaSecret, now); !errors.Is(err, ErrOverbroad) {
		t.Fatalf("VerifyMedia(admin) error = %v, want ErrOverbroad", err)
	}
}
