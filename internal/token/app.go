package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest HMAC secret accepted for application tokens.
const MinSecretLen = 32

// Claims identifies the caller an application token was issued to.
type Claims struct {
	UserID    int64
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type appClaims struct {
	Email string `json:"email"`
	ID    int64  `json:"id"`
	jwt.RegisteredClaims
}

// AppIssuer mints and verifies HS256 application tokens.
type AppIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAppIssuer validates the secret and returns an issuer whose tokens live
// for ttl (24h when ttl <= 0).
func NewAppIssuer(secret string, ttl time.Duration) (*AppIssuer, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLen, len(secret))
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AppIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued tokens.
func (i *AppIssuer) TTL() time.Duration { return i.ttl }

// Issue signs a token for the given caller. IssuedAt and ExpiresAt on the
// input are ignored.
func (i *AppIssuer) Issue(c Claims) (string, error) {
	return i.IssueAt(c, i.now())
}

// IssueAt is Issue with an explicit issuance time.
func (i *AppIssuer) IssueAt(c Claims, now time.Time) (string, error) {
	now = now.UTC().Truncate(time.Second)
	claims := appClaims{
		Email: c.Email,
		ID:    c.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(c.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign app token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry against the current time.
func (i *AppIssuer) Verify(raw string) (Claims, error) {
	return i.VerifyAt(raw, i.now())
}

// VerifyAt checks signature and expiry against now. Only HS256 is accepted.
func (i *AppIssuer) VerifyAt(raw string, now time.Time) (Claims, error) {
	if raw == "" {
		return Claims{}, ErrMalformed
	}
	var claims appClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Claims{}, classify(err)
	}
	out := Claims{UserID: claims.ID, Email: claims.Email}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}
