package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// BackupCodeCount is how many single-use codes enabling TOTP hands out.
	BackupCodeCount = 8
	// TOTPSkew is the number of 30 s steps accepted either side of now.
	TOTPSkew = 2
)

var validateOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      TOTPSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// NewTOTPSecret returns a fresh base32 secret and its otpauth:// URL.
func NewTOTPSecret(issuer, account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: account})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ValidateTOTP checks a six digit code at time at.
func ValidateTOTP(code, secret string, at time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != 6 || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, validateOpts)
	return err == nil && ok
}

// TOTPCode returns the code for secret at time at.
func TOTPCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, validateOpts)
}

// NewBackupCodes returns n codes of the form "xxxxx-xxxxx".
func NewBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	for i := range codes {
		s, err := common.MakeRandHexString(5)
		if err != nil {
			return nil, err
		}
		codes[i] = s[:5] + "-" + s[5:]
	}
	return codes, nil
}

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// ConsumeBackupCode removes code from codes when present. The remaining
// list is returned either way.
func ConsumeBackupCode(codes []string, code string) ([]string, bool) {
	want := normalizeBackupCode(code)
	if want == "" {
		return codes, false
	}
	for i, c := range codes {
		if subtle.ConstantTimeCompare([]byte(normalizeBackupCode(c)), []byte(want)) == 1 {
			rest := make([]string, 0, len(codes)-1)
			rest = append(rest, codes[:i]...)
			rest = append(rest, codes[i+1:]...)
			return rest, true
		}
	}
	return codes, false
}

// EncodeBackupCodes is the plaintext stored (encrypted) in the user row.
func EncodeBackupCodes(codes []string) (string, error) {
	if len(codes) == 0 {
		return "", nil
	}
	b, err := json.Marshal(codes)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeBackupCodes(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var codes []string
	if err := json.Unmarshal([]byte(s), &codes); err != nil {
		return nil, fmt.Errorf("backup codes: %w", err)
	}
	return codes, nil
}
