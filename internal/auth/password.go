package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash for new credentials.
func HashPassword(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("auth: empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword compares plain against a bcrypt hash or a legacy unsalted
// SHA-256 hex digest.
func CheckPassword(hash, plain string) bool {
	switch {
	case strings.HasPrefix(hash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
	case len(hash) == sha256.Size*2:
		want, err := hex.DecodeString(strings.ToLower(hash))
		if err != nil {
			return false
		}
		got := sha256.Sum256([]byte(plain))
		return subtle.ConstantTimeCompare(want, got[:]) == 1
	default:
		return false
	}
}

var dummyHash = sync.OnceValue(func() []byte {
	b, _ := bcrypt.GenerateFromPassword([]byte("toothfairy-unknown-user"), bcrypt.DefaultCost)
	return b
})

// burnCompare spends a bcrypt comparison so unknown emails take as long as
// wrong passwords.
func burnCompare(plain string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(plain))
}
