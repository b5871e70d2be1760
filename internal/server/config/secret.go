package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/dmitrijs2005/sshkeeper/internal/filex"
)

// InsecureSecretKey is the placeholder found in old sample configs. It is
// refused at startup.
const InsecureSecretKey = "secretKey"

const minSecretKeyLength = 16

var ErrInsecureSecretKey = errors.New("session signing secret is missing, too short or a known placeholder")

// ResolveSecretKey makes sure SecretKey holds a usable token signing
// secret. A configured value is only checked. Otherwise the secret is read
// from SecretKeyFile, or generated there with owner-only permissions on
// first start; generated reports that case.
func (c *Config) ResolveSecretKey() (generated bool, err error) {
	if c.SecretKey != "" {
		return false, checkSecretKey(c.SecretKey)
	}
	if c.SecretKeyFile == "" {
		return false, fmt.Errorf("%w: set %s or a secret key file", ErrInsecureSecretKey, EnvSecretKey)
	}

	b, err := os.ReadFile(c.SecretKeyFile)
	if err == nil {
		secret := strings.TrimSpace(string(b))
		if err := checkSecretKey(secret); err != nil {
			return false, fmt.Errorf("%s: %w", c.SecretKeyFile, err)
		}
		c.SecretKey = secret
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("read secret key file: %w", err)
	}

	secret, err := common.MakeRandHexString(common.KeySize)
	if err != nil {
		return false, err
	}
	if _, err := filex.EnsureDir(filepath.Dir(c.SecretKeyFile)); err != nil {
		return false, err
	}
	if err := filex.WriteFileAtomic(c.SecretKeyFile, []byte(secret+"\n"), 0o600); err != nil {
		return false, fmt.Errorf("write secret key file: %w", err)
	}
	c.SecretKey = secret
	return true, nil
}

func checkSecretKey(s string) error {
	if s == InsecureSecretKey || len(s) < minSecretKeyLength {
		return ErrInsecureSecretKey
	}
	return nil
}
