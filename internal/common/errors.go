// Package common defines shared constants and sentinel errors used across
// the sshkeeper server, its crypto core and the admin client. Callers should
// use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrRateLimited    = errors.New("too many attempts")
	ErrInvalidInput   = errors.New("invalid input")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// ErrAuthenticationFailed is an expected outcome: wrong password, OTP or
	// backup code. It is never logged as an error.
	ErrAuthenticationFailed = errors.New("invalid credentials")

	// ErrSessionExpired means the user's key is no longer unlocked or the
	// session token has lapsed; the caller must re-prompt for the password.
	ErrSessionExpired = errors.New("re-authenticate")

	// ErrTOTPRequired is returned when a pending second-factor token is used
	// where a full session is needed.
	ErrTOTPRequired = errors.New("second factor required")

	// Crypto core errors.
	ErrIntegrity          = errors.New("integrity check failed")
	ErrContextMismatch    = errors.New("envelope bound to a different record")
	ErrSetupConflict      = errors.New("encryption already set up for user")
	ErrUnsupportedVersion = errors.New("unsupported vault file version")
	ErrKeyDerivation      = errors.New("key derivation failed")
)
