package fieldcrypt

import (
	"fmt"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
)

const (
	fieldSaltSize = 16
	contextLabel  = "sshkeeper/field/v1"
)

// fieldContext is both the HKDF info of the per-field sub-key and the AAD
// of the seal, so a ciphertext only opens under its own record and field.
func fieldContext(recordID, fieldName string) []byte {
	return []byte(contextLabel + "\x00" + recordID + "\x00" + fieldName)
}

// EncryptField seals plaintext under a sub-key of dek derived from a fresh
// salt and the (recordID, fieldName) context.
func EncryptField(plaintext string, dek []byte, recordID, fieldName string) (*Envelope, error) {
	if recordID == "" || fieldName == "" {
		return nil, fmt.Errorf("encrypt field: empty context")
	}

	salt := common.GenerateRandByteArray(fieldSaltSize)
	info := fieldContext(recordID, fieldName)

	subKey, err := cryptox.DeriveSubKey(dek, salt, info)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(subKey)

	s, err := cryptox.Seal(subKey, []byte(plaintext), info)
	if err != nil {
		return nil, fmt.Errorf("encrypt field %s: %w", fieldName, err)
	}
	return newEnvelope(s, salt, recordID), nil
}

// DecryptField opens env for the given context. An envelope that names a
// different record fails with common.ErrContextMismatch before any key
// material is derived; a bad tag, wrong field name or wrong key fails with
// common.ErrIntegrity.
func DecryptField(env *Envelope, dek []byte, recordID, fieldName string) (string, error) {
	if env.RecordID != recordID {
		return "", fmt.Errorf("%w: envelope for %q read as %q", common.ErrContextMismatch, env.RecordID, recordID)
	}

	s, salt, err := env.sealed()
	if err != nil {
		return "", err
	}

	info := fieldContext(recordID, fieldName)
	subKey, err := cryptox.DeriveSubKey(dek, salt, info)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(subKey)

	plaintext, err := cryptox.Open(subKey, s, info)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Encrypt is EncryptField rendered to the stored string form.
func Encrypt(plaintext string, dek []byte, recordID, fieldName string) (string, error) {
	env, err := EncryptField(plaintext, dek, recordID, fieldName)
	if err != nil {
		return "", err
	}
	return env.String(), nil
}
