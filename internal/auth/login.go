package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/toothfairy/internal/logging"
	"github.com/ent0n29/toothfairy/internal/store"
	"github.com/ent0n29/toothfairy/internal/token"
)

const (
	MinPasswordLen = 6
	MaxPasswordLen = 128
)

// Login response messages.
const (
	MsgMissingCredentials = "Email and password are required"
	MsgInvalidEmail       = "Please provide a valid email address"
	MsgPasswordLength     = "Password must be between 6 and 128 characters"
	MsgPasswordBlank      = "Password cannot be empty"
	MsgLoginSuccess       = "Login successful"
	MsgInvalidCredentials = "Invalid email or password"
	MsgTokenFailed        = "Token generation failed. Please try again."
	MsgAuthError          = "Authentication error. Please try again."
)

// CredentialStore looks up staff credentials by email.
type CredentialStore interface {
	Authenticate(ctx context.Context, email string) (store.Credential, error)
}

// TokenIssuer mints application tokens.
type TokenIssuer interface {
	Issue(c token.Claims) (string, error)
}

type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// LoginResult is returned for every login attempt; failures set Success
// false and a human-readable Message.
type LoginResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Token   string `json:"token,omitempty"`
	User    *User  `json:"user,omitempty"`
}

type Service struct {
	store  CredentialStore
	tokens TokenIssuer
	logger *zap.Logger
}

// NewService builds the login service. creds may be nil when no store is
// configured; logins then fail with MsgAuthError.
func NewService(creds CredentialStore, tokens TokenIssuer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: creds, tokens: tokens, logger: logger}
}

// ValidateLogin returns the failure message for malformed input, or "".
func ValidateLogin(email, password string) string {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return MsgMissingCredentials
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return MsgInvalidEmail
	}
	if n := utf8.RuneCountInString(password); n < MinPasswordLen || n > MaxPasswordLen {
		return MsgPasswordLength
	}
	if strings.TrimSpace(password) == "" {
		return MsgPasswordBlank
	}
	return ""
}

// Login checks credentials and issues an application token.
func (s *Service) Login(ctx context.Context, email, password string) LoginResult {
	email = strings.TrimSpace(email)
	log := s.logger.With(logging.Redacted("email", email))
	if msg := ValidateLogin(email, password); msg != "" {
		log.Warn("login rejected", zap.String("reason", msg))
		return LoginResult{Message: msg}
	}
	if s.store == nil {
		log.Error("login attempted without a configured store")
		return LoginResult{Message: MsgAuthError}
	}

	cred, err := s.store.Authenticate(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		burnCompare(password)
		log.Warn("failed login: invalid credentials")
		return LoginResult{Message: MsgInvalidCredentials}
	case err != nil:
		log.Error("login lookup failed", zap.Error(err))
		return LoginResult{Message: MsgAuthError}
	}
	if !CheckPassword(cred.PasswordHash, password) {
		log.Warn("failed login: invalid credentials")
		return LoginResult{Message: MsgInvalidCredentials}
	}

	signed, err := s.tokens.Issue(token.Claims{UserID: cred.UserID, Email: cred.Email})
	if err != nil {
		log.Error("token creation failed", zap.Error(err))
		return LoginResult{Message: MsgTokenFailed}
	}
	log.Info("successful login", zap.Int64("user_id", cred.UserID))
	return LoginResult{
		Success: true,
		Message: MsgLoginSuccess,
		Token:   signed,
		User:    &User{ID: cred.UserID, Email: cred.Email},
	}
}
