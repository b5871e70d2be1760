package models

import "time"

// Host is a saved SSH connection (table ssh_data). Password, Key and
// KeyPassword are stored as field envelopes.
type Host struct {
	ID          string
	UserID      string
	Name        string
	IP          string
	Port        int
	Username    string
	AuthType    string
	Password    string
	Key         string
	KeyPassword string
	KeyType     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credential is a reusable SSH credential (table ssh_credentials).
// Password, PrivateKey and KeyPassword are stored as field envelopes; the
// public key is not secret.
type Credential struct {
	ID          string
	UserID      string
	Name        string
	Username    string
	AuthType    string
	Password    string
	PrivateKey  string
	PublicKey   string
	KeyPassword string
	KeyType     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
