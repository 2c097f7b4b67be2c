// Package auth verifies application bearer tokens and handles staff login.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/toothfairy/internal/token"
)

var ErrUnauthenticated = errors.New("auth: invalid or expired token")

// Identity is the authenticated caller behind an application token.
type Identity struct {
	UserID    int64
	Email     string
	ExpiresAt time.Time
}

// AppTokens decodes application tokens.
type AppTokens interface {
	Verify(raw string) (token.Claims, error)
}

type Verifier struct {
	tokens AppTokens
}

func NewVerifier(tokens AppTokens) *Verifier {
	return &Verifier{tokens: tokens}
}

// Verify decodes bearer into an Identity. Every failure wraps
// ErrUnauthenticated.
func (v *Verifier) Verify(bearer string) (Identity, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Identity{}, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	claims, err := v.tokens.Verify(bearer)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	return Identity{UserID: claims.UserID, Email: claims.Email, ExpiresAt: claims.ExpiresAt}, nil
}

// BearerFromHeader returns the token from an "Authorization: Bearer <t>"
// header value, or "" when the scheme is missing.
func BearerFromHeader(h string) string {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(rest)
}

type identityKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Middleware rejects requests without a valid bearer token before any
// downstream handler runs.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.Verify(BearerFromHeader(r.Header.Get("Authorization")))
		if err != nil {
			WriteUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WriteUnauthorized writes the 401 body shared by every protected route.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"message": "Invalid or expired token",
	})
}
