package cryptox

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// SaltSize is the length of KEK salts and vault file salts.
const SaltSize = 32

// KDFParams tunes the argon2id KEK derivation.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams matches the master-key derivation used for password
// wrapped keys: one pass over 64 MiB with four lanes.
var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// DeriveKEK stretches a password into a key-encryption key. A salt of the
// wrong size means the stored key material is corrupt; that is reported as
// common.ErrKeyDerivation so callers can tell it apart from a wrong password.
func DeriveKEK(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt is %d bytes", common.ErrKeyDerivation, len(salt))
	}
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("%w: invalid parameters", common.ErrKeyDerivation)
	}
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, common.KeySize), nil
}

// Info labels for sub-keys of the machine key. Every use of the machine
// key derives its own sub-key; the raw key never keys a primitive.
const (
	InfoVaultFile  = "sshkeeper/machine-key/vault-file"
	InfoOIDCUnlock = "sshkeeper/machine-key/oidc-unlock"
)

// DeriveSubKey expands key into a 256-bit sub-key bound to salt and info.
func DeriveSubKey(key, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, key, salt, info)
	out := make([]byte, common.KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}
	return out, nil
}

// LegacyIterations is the PBKDF2 round count of v1 vault files.
const LegacyIterations = 100000

// DeriveLegacyKey reproduces the v1 vault key: PBKDF2-SHA256 over a fixed
// application seed and the stored salt.
func DeriveLegacyKey(seed, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: missing salt", common.ErrKeyDerivation)
	}
	return pbkdf2.Key(seed, salt, LegacyIterations, common.KeySize, sha256.New), nil
}

// MakeVerifier returns a fingerprint of a key that is safe to log or store.
func MakeVerifier(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}
