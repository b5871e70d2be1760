package keys

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/cryptox"
)

const (
	wrapVersion = 1
	wrapAlg     = "argon2id+aes-256-gcm"
)

// wrappedKey is the stored form of a data key sealed under a KEK. The KDF
// parameters travel with it so they can be raised without breaking old rows.
type wrappedKey struct {
	Version int    `json:"v"`
	Alg     string `json:"alg"`
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"`
	Threads uint8  `json:"p"`
	Nonce   string `json:"iv"`
	Data    string `json:"data"`
	Tag     string `json:"tag"`
}

func wrapAAD(userID string) []byte {
	return []byte("sshkeeper/dek/v1\x00" + userID)
}

func wrapDEK(kek, dek []byte, userID string, p cryptox.KDFParams) (string, error) {
	s, err := cryptox.Seal(kek, dek, wrapAAD(userID))
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(wrappedKey{
		Version: wrapVersion,
		Alg:     wrapAlg,
		Time:    p.Time,
		Memory:  p.Memory,
		Threads: p.Threads,
		Nonce:   base64.StdEncoding.EncodeToString(s.Nonce),
		Data:    base64.StdEncoding.EncodeToString(s.Ciphertext),
		Tag:     base64.StdEncoding.EncodeToString(s.Tag),
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// parseWrapped decodes the stored form. Anything unreadable is reported as
// a key derivation failure: the row is corrupt, not the password wrong.
func parseWrapped(stored string) (*wrappedKey, *cryptox.Sealed, error) {
	var w wrappedKey
	if err := json.Unmarshal([]byte(stored), &w); err != nil {
		return nil, nil, fmt.Errorf("%w: wrapped key: %v", common.ErrKeyDerivation, err)
	}
	if w.Version != wrapVersion {
		return nil, nil, fmt.Errorf("%w: wrapped key version %d", common.ErrKeyDerivation, w.Version)
	}

	var s cryptox.Sealed
	var err error
	if s.Nonce, err = base64.StdEncoding.DecodeString(w.Nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: wrapped key iv", common.ErrKeyDerivation)
	}
	if s.Ciphertext, err = base64.StdEncoding.DecodeString(w.Data); err != nil {
		return nil, nil, fmt.Errorf("%w: wrapped key data", common.ErrKeyDerivation)
	}
	if s.Tag, err = base64.StdEncoding.DecodeString(w.Tag); err != nil {
		return nil, nil, fmt.Errorf("%w: wrapped key tag", common.ErrKeyDerivation)
	}
	return &w, &s, nil
}

func (w *wrappedKey) params() cryptox.KDFParams {
	return cryptox.KDFParams{Time: w.Time, Memory: w.Memory, Threads: w.Threads}
}

func encodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}

func decodeSalt(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: kek salt: %v", common.ErrKeyDerivation, err)
	}
	return b, nil
}
