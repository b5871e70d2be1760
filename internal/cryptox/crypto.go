// Package cryptox holds the low-level primitives of the sshkeeper crypto core:
// AES-256-GCM sealing with detached nonce and tag, the memory-hard KEK
// derivation, HKDF sub-keys, the legacy PBKDF2 path and a bounded worker pool
// for CPU-heavy work.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
)

const (
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// Sealed is the output of Seal with nonce and tag kept apart from the
// ciphertext, the way they are stored in field envelopes and vault metadata.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != common.KeySize {
		return nil, fmt.Errorf("invalid key size %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under a 256-bit key with a fresh random nonce,
// authenticating aad alongside it.
func Seal(key, plaintext, aad []byte) (*Sealed, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	out := aesgcm.Seal(nil, nonce, plaintext, aad)
	split := len(out) - TagSize

	return &Sealed{
		Nonce:      nonce,
		Ciphertext: out[:split],
		Tag:        out[split:],
	}, nil
}

// Open verifies the tag and decrypts. Any authentication failure, including
// malformed nonce or tag lengths, is reported as common.ErrIntegrity and no
// plaintext is returned.
func Open(key []byte, s *Sealed, aad []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(s.Nonce) != NonceSize || len(s.Tag) != TagSize {
		return nil, common.ErrIntegrity
	}

	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plaintext, err := aesgcm.Open(nil, s.Nonce, buf, aad)
	if err != nil {
		return nil, common.ErrIntegrity
	}
	return plaintext, nil
}

// NewKey returns a fresh random 256-bit key.
func NewKey() []byte {
	return common.GenerateRandByteArray(common.KeySize)
}
