package vaultfile

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/filex"
	"github.com/joho/godotenv"
)

// DefaultKeyEnv is the variable checked first for the machine key.
const DefaultKeyEnv = "SSHKEEPER_MACHINE_KEY"

// MachineKeySource resolves the machine key, in order, from the
// environment variable EnvVar, from the same variable in the dotenv file
// EnvFile, and from KeyFile. When none is set and KeyFile is given, a new
// random key is generated and written there with owner-only permissions.
//
// Keys are 32 bytes, hex or base64 encoded.
type MachineKeySource struct {
	EnvVar  string
	EnvFile string
	KeyFile string

	once sync.Once
	key  []byte
	err  error
}

func (s *MachineKeySource) MachineKey() ([]byte, error) {
	s.once.Do(func() {
		s.key, s.err = s.resolve()
	})
	return s.key, s.err
}

func (s *MachineKeySource) envVar() string {
	if s.EnvVar == "" {
		return DefaultKeyEnv
	}
	return s.EnvVar
}

func (s *MachineKeySource) resolve() ([]byte, error) {
	if v := os.Getenv(s.envVar()); v != "" {
		return decodeKey(v)
	}

	if s.EnvFile != "" {
		vars, err := godotenv.Read(s.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read env file: %w", err)
		}
		if v := vars[s.envVar()]; v != "" {
			return decodeKey(v)
		}
	}

	if s.KeyFile == "" {
		return nil, fmt.Errorf("no machine key: set %s or configure a key file", s.envVar())
	}

	b, err := os.ReadFile(s.KeyFile)
	if err == nil {
		return decodeKey(string(b))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := common.GenerateRandByteArray(common.KeySize)
	if _, err := filex.EnsureDir(filepath.Dir(s.KeyFile)); err != nil {
		return nil, err
	}
	if err := filex.WriteFileAtomic(s.KeyFile, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

func decodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == common.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == common.KeySize {
		return b, nil
	}
	return nil, fmt.Errorf("%w: machine key must be %d bytes, hex or base64", common.ErrKeyDerivation, common.KeySize)
}

// StaticKey is a fixed machine key, for tests and tooling.
type StaticKey []byte

func (k StaticKey) MachineKey() ([]byte, error) {
	if len(k) != common.KeySize {
		return nil, fmt.Errorf("%w: machine key must be %d bytes", common.ErrKeyDerivation, common.KeySize)
	}
	return k, nil
}
