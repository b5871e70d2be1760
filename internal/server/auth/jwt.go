// Package auth holds the session-layer primitives: signed session tokens,
// password hashes, TOTP codes with backup codes, identity-token checks for
// OIDC sign-in and per-key login throttling.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries only who the token is for and whether the second factor
// is still outstanding. Keys never go into a token.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string `json:"uid"`
	Pending2FA bool   `json:"p2fa,omitempty"`
}

func sign(c Claims, secretKey []byte) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secretKey)
}

func newClaims(userID string, validity time.Duration, pending bool) Claims {
	now := time.Now()
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
		UserID:     userID,
		Pending2FA: pending,
	}
}

// GenerateToken issues a full session token.
func GenerateToken(userID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	return sign(newClaims(userID, validityDuration, false), secretKey)
}

// GeneratePendingToken issues a token that only allows completing the
// second factor.
func GeneratePendingToken(userID string, secretKey []byte, validityDuration time.Duration) (string, error) {
	return sign(newClaims(userID, validityDuration, true), secretKey)
}

// ParseToken verifies signature and expiry. Expired tokens yield
// common.ErrTokenExpired, anything else common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}
	if !token.Valid || claims.UserID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}

// GetUserIDFromToken accepts full session tokens only; a pending token is
// common.ErrTOTPRequired.
func GetUserIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims, err := ParseToken(tokenString, secretKey)
	if err != nil {
		return "", err
	}
	if claims.Pending2FA {
		return "", common.ErrTOTPRequired
	}
	return claims.UserID, nil
}
