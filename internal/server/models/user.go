// Package models defines server-side data models persisted in the database.
package models

import "time"

// User is an account row. KEKSalt and WrappedDEK hold the password-wrapped
// data key; the TOTP and OIDC client secret columns hold field envelopes
// encrypted under that data key.
type User struct {
	ID               string
	Username         string
	PasswordHash     string
	IsAdmin          bool
	IsOIDC           bool
	OIDCIdentifier   string
	KEKSalt          string
	WrappedDEK       string
	TOTPEnabled      bool
	TOTPSecret       string
	TOTPBackupCodes  string
	OIDCClientSecret string
	SchemaVersion    int
	CreatedAt        time.Time
}

// HasKeyMaterial reports whether the user's data key has been provisioned.
func (u *User) HasKeyMaterial() bool {
	return u.WrappedDEK != ""
}
