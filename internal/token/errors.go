package token

import "errors"

// Errors returned by the issuers and verifiers in this package.
var (
	ErrWeakSecret   = errors.New("token: signing secret too short")
	ErrSharedSecret = errors.New("token: media and app signing secrets must differ")
	ErrMalformed    = errors.New("token: malformed token")
	ErrInvalid      = errors.New("token: invalid signature or claims")
	ErrExpired      = errors.New("token: token has expired")
	ErrOverbroad    = errors.New("token: media grant exceeds participant permissions")
)
