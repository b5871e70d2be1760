// Package records applies field encryption across whole rows using a typed
// descriptor per entity kind, and runs the bulk migration that upgrades a
// user's stored secrets to the current scheme.
package records

import "github.com/dmitrijs2005/sshkeeper/internal/server/models"

// Kind names an entity kind; it matches the table name.
type Kind string

const (
	KindUsers       Kind = "users"
	KindHosts       Kind = "ssh_data"
	KindCredentials Kind = "ssh_credentials"
)

// SchemaVersion is bumped every time a sensitive field is added to any
// descriptor. Users whose stored version is behind get a migration pass
// after their next unlock.
//
// 1: host and credential secrets
// 2: TOTP material and OIDC client secret on users
const SchemaVersion = 2

// Field is one sensitive column of T. Name is the canonical field name bound
// into the envelope; Column is where it lives in the table.
type Field[T any] struct {
	Name   string
	Column string
	Value  func(*T) *string
}

// Descriptor lists, in order, every sensitive field of an entity kind.
type Descriptor[T any] struct {
	Kind      Kind
	ID        func(*T) string
	Sensitive []Field[T]
}

func (d Descriptor[T]) FieldNames() []string {
	names := make([]string, len(d.Sensitive))
	for i, f := range d.Sensitive {
		names[i] = f.Name
	}
	return names
}

var UserSchema = Descriptor[models.User]{
	Kind: KindUsers,
	ID:   func(u *models.User) string { return u.ID },
	Sensitive: []Field[models.User]{
		{Name: "totpSecret", Column: "totp_secret", Value: func(u *models.User) *string { return &u.TOTPSecret }},
		{Name: "totpBackupCodes", Column: "totp_backup_codes", Value: func(u *models.User) *string { return &u.TOTPBackupCodes }},
		{Name: "oidcClientSecret", Column: "oidc_client_secret", Value: func(u *models.User) *string { return &u.OIDCClientSecret }},
	},
}

var HostSchema = Descriptor[models.Host]{
	Kind: KindHosts,
	ID:   func(h *models.Host) string { return h.ID },
	Sensitive: []Field[models.Host]{
		{Name: "password", Column: "password", Value: func(h *models.Host) *string { return &h.Password }},
		{Name: "key", Column: "ssh_key", Value: func(h *models.Host) *string { return &h.Key }},
		{Name: "keyPassword", Column: "key_password", Value: func(h *models.Host) *string { return &h.KeyPassword }},
	},
}

var CredentialSchema = Descriptor[models.Credential]{
	Kind: KindCredentials,
	ID:   func(c *models.Credential) string { return c.ID },
	Sensitive: []Field[models.Credential]{
		{Name: "password", Column: "password", Value: func(c *models.Credential) *string { return &c.Password }},
		{Name: "privateKey", Column: "private_key", Value: func(c *models.Credential) *string { return &c.PrivateKey }},
		{Name: "keyPassword", Column: "key_password", Value: func(c *models.Credential) *string { return &c.KeyPassword }},
	},
}

// SensitiveFieldSchema is the untyped view of all descriptors: entity kind
// to its ordered sensitive field names.
func SensitiveFieldSchema() map[Kind][]string {
	return map[Kind][]string{
		KindUsers:       UserSchema.FieldNames(),
		KindHosts:       HostSchema.FieldNames(),
		KindCredentials: CredentialSchema.FieldNames(),
	}
}
