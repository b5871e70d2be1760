package fieldcrypt

// AliasTable maps a canonical field name to the names older releases used
// for the same value, tried in order when the canonical name fails.
type AliasTable map[string][]string

// DefaultAliases lists every rename the stored data has been through.
var DefaultAliases = AliasTable{
	"keyPassword":      {"key_password"},
	"privateKey":       {"private_key", "key"},
	"totpSecret":       {"totp_secret"},
	"totpBackupCodes":  {"totp_backup_codes"},
	"oidcClientSecret": {"client_secret"},
}

// Lookup returns the legacy names for canonical, or nil.
func (t AliasTable) Lookup(canonical string) []string {
	return t[canonical]
}
