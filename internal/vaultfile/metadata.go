// Package vaultfile encrypts the whole datastore file for backup and
// restore. The encrypted blob and a JSON side-car holding nonce, tag and
// key provenance are written next to each other.
package vaultfile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
)

const (
	// VersionLegacy files use a key derived from a fixed application seed.
	// It is kept only so old backups can still be restored.
	VersionLegacy = "v1"
	// VersionCurrent files use the machine key or a passphrase.
	VersionCurrent = "v2"

	Algorithm = "aes-256-gcm"

	KeySourceLegacySeed = "legacy-seed"
	KeySourceMachine    = "machine"
	KeySourcePassphrase = "passphrase"

	// MetaSuffix is appended to the blob path to name the side-car.
	MetaSuffix = ".meta"
)

// Metadata is the side-car of an encrypted vault file.
type Metadata struct {
	IV          string    `json:"iv"`
	Tag         string    `json:"tag"`
	Version     string    `json:"version"`
	Fingerprint string    `json:"fingerprint"`
	Algorithm   string    `json:"algorithm"`
	KeySource   string    `json:"keySource"`
	Salt        string    `json:"salt,omitempty"`
	KDF         *KDFInfo  `json:"kdf,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitzero"`
}

// KDFInfo records the argon2id parameters of a passphrase-protected file.
type KDFInfo struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
}

// ParseMetadata decodes a side-car. An unknown version or algorithm is
// common.ErrUnsupportedVersion.
func ParseMetadata(b []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", common.ErrUnsupportedVersion, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metadata) validate() error {
	switch m.Version {
	case VersionLegacy, VersionCurrent:
	default:
		return fmt.Errorf("%w: vault version %q", common.ErrUnsupportedVersion, m.Version)
	}
	if m.Algorithm != "" && m.Algorithm != Algorithm {
		return fmt.Errorf("%w: algorithm %q", common.ErrUnsupportedVersion, m.Algorithm)
	}
	return nil
}

func (m *Metadata) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
