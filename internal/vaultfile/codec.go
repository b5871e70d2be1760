package vaultfile

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
)

// ErrPassphraseRequired is returned when a passphrase-protected file is
// opened without one.
var ErrPassphraseRequired = errors.New("vault file is protected by a passphrase")

// legacySeed is the application-wide seed of v1 files.
var legacySeed = []byte("sshkeeper-vault-file-encryption-v1")

// KeySource supplies the machine-bound key for v2 files.
type KeySource interface {
	MachineKey() ([]byte, error)
}

type Codec struct {
	keys   KeySource
	params cryptox.KDFParams
	now    func() time.Time
}

type CodecOption func(*Codec)

// WithKDFParams sets the argon2id parameters for passphrase-protected files.
func WithKDFParams(p cryptox.KDFParams) CodecOption {
	return func(c *Codec) { c.params = p }
}

func NewCodec(keys KeySource, opts ...CodecOption) *Codec {
	c := &Codec{keys: keys, params: cryptox.DefaultKDFParams, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func aad(version string) []byte {
	if version == VersionLegacy {
		return nil
	}
	return []byte("sshkeeper/vault/" + version)
}

// machineFileKey derives the vault file key from the machine key.
func (c *Codec) machineFileKey() ([]byte, error) {
	key, err := c.keys.MachineKey()
	if err != nil {
		return nil, fmt.Errorf("machine key: %w", err)
	}
	return cryptox.DeriveSubKey(key, nil, []byte(cryptox.InfoVaultFile))
}

// EncryptFile seals src under the machine file key with a fresh nonce.
func (c *Codec) EncryptFile(src []byte) ([]byte, *Metadata, error) {
	key, err := c.machineFileKey()
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(key)
	return c.seal(src, key, &Metadata{KeySource: KeySourceMachine})
}

// EncryptFileWithPassphrase seals src under a key stretched from
// passphrase, so the file can be restored on another machine.
func (c *Codec) EncryptFileWithPassphrase(src []byte, passphrase string) ([]byte, *Metadata, error) {
	salt := common.GenerateRandByteArray(cryptox.SaltSize)
	key, err := cryptox.DeriveKEK([]byte(passphrase), salt, c.params)
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(key)

	return c.seal(src, key, &Metadata{
		KeySource: KeySourcePassphrase,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		KDF:       &KDFInfo{Time: c.params.Time, Memory: c.params.Memory, Threads: c.params.Threads},
	})
}

func (c *Codec) seal(src, key []byte, meta *Metadata) ([]byte, *Metadata, error) {
	meta.Version = VersionCurrent
	meta.Algorithm = Algorithm
	meta.Fingerprint = fingerprint(src)
	meta.CreatedAt = c.now().UTC()

	s, err := cryptox.Seal(key, src, aad(meta.Version))
	if err != nil {
		return nil, nil, err
	}
	meta.IV = base64.StdEncoding.EncodeToString(s.Nonce)
	meta.Tag = base64.StdEncoding.EncodeToString(s.Tag)
	return s.Ciphertext, meta, nil
}

// DecryptFile opens a machine-key or legacy file.
func (c *Codec) DecryptFile(enc []byte, meta *Metadata) ([]byte, error) {
	return c.DecryptFileWithPassphrase(enc, meta, "")
}

// DecryptFileWithPassphrase opens any supported file; passphrase is only
// used when the metadata says the file was sealed with one. A failed tag or
// fingerprint check is common.ErrIntegrity.
func (c *Codec) DecryptFileWithPassphrase(enc []byte, meta *Metadata, passphrase string) ([]byte, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}

	key, err := c.keyFor(meta, passphrase)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	s := &cryptox.Sealed{Ciphertext: enc}
	if s.Nonce, err = base64.StdEncoding.DecodeString(meta.IV); err != nil {
		return nil, fmt.Errorf("%w: iv", common.ErrIntegrity)
	}
	if s.Tag, err = base64.StdEncoding.DecodeString(meta.Tag); err != nil {
		return nil, fmt.Errorf("%w: tag", common.ErrIntegrity)
	}

	plain, err := cryptox.Open(key, s, aad(meta.Version))
	if err != nil {
		return nil, err
	}
	if meta.Fingerprint != "" &&
		subtle.ConstantTimeCompare([]byte(fingerprint(plain)), []byte(meta.Fingerprint)) != 1 {
		return nil, fmt.Errorf("%w: fingerprint mismatch", common.ErrIntegrity)
	}
	return plain, nil
}

func (c *Codec) keyFor(meta *Metadata, passphrase string) ([]byte, error) {
	if meta.Version == VersionLegacy {
		salt, err := base64.StdEncoding.DecodeString(meta.Salt)
		if err != nil {
			return nil, fmt.Errorf("%w: salt: %v", common.ErrKeyDerivation, err)
		}
		return cryptox.DeriveLegacyKey(legacySeed, salt)
	}

	switch meta.KeySource {
	case KeySourceMachine, "":
		return c.machineFileKey()
	case KeySourcePassphrase:
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		salt, err := base64.StdEncoding.DecodeString(meta.Salt)
		if err != nil {
			return nil, fmt.Errorf("%w: salt: %v", common.ErrKeyDerivation, err)
		}
		p := c.params
		if meta.KDF != nil {
			p = cryptox.KDFParams{Time: meta.KDF.Time, Memory: meta.KDF.Memory, Threads: meta.KDF.Threads}
		}
		return cryptox.DeriveKEK([]byte(passphrase), salt, p)
	default:
		return nil, fmt.Errorf("%w: key source %q", common.ErrUnsupportedVersion, meta.KeySource)
	}
}
