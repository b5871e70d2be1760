package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dmitrijs2005/sshkeeper/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// IdentityVerifier checks a raw identity token and returns its claims.
type IdentityVerifier interface {
	Verify(ctx context.Context, raw string) (map[string]any, error)
}

// JWTIdentityVerifier validates id-tokens signed by a single provider key.
type JWTIdentityVerifier struct {
	key      any
	issuer   string
	audience string
}

// ParsePublicKeyPEM accepts an RSA or EC public key in PEM form.
func ParsePublicKeyPEM(pemBytes []byte) (any, error) {
	if k, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return k, nil
	}
	return nil, errors.New("oidc: key is neither RSA nor EC public key")
}

func NewJWTIdentityVerifier(key any, issuer, audience string) (*JWTIdentityVerifier, error) {
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
	default:
		return nil, fmt.Errorf("oidc: unsupported key type %T", key)
	}
	return &JWTIdentityVerifier{key: key, issuer: issuer, audience: audience}, nil
}

// NewJWTIdentityVerifierFromFile reads the provider key from path.
func NewJWTIdentityVerifierFromFile(path, issuer, audience string) (*JWTIdentityVerifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := ParsePublicKeyPEM(b)
	if err != nil {
		return nil, err
	}
	return NewJWTIdentityVerifier(key, issuer, audience)
}

func (v *JWTIdentityVerifier) methods() []string {
	if _, ok := v.key.(*rsa.PublicKey); ok {
		return []string{"RS256", "RS384", "RS512"}
	}
	return []string{"ES256", "ES384", "ES512"}
}

func (v *JWTIdentityVerifier) Verify(ctx context.Context, raw string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(v.methods()), jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return v.key, nil }, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrAuthenticationFailed, err)
	}
	return claims, nil
}

// ClaimPaths lists, per attribute, dotted claim paths tried in order.
type ClaimPaths struct {
	Identifier  []string
	DisplayName []string
}

var DefaultClaimPaths = ClaimPaths{
	Identifier:  []string{"sub"},
	DisplayName: []string{"name", "preferred_username", "email"},
}

// Identity is what sign-in needs from a verified token.
type Identity struct {
	Identifier  string
	DisplayName string
}

// ResolveIdentity reads the identifier and display name. A token without
// an identifier is rejected; a missing display name falls back to the
// identifier.
func ResolveIdentity(claims map[string]any, paths ClaimPaths) (Identity, error) {
	id := firstClaim(claims, paths.Identifier)
	if id == "" {
		return Identity{}, fmt.Errorf("%w: identity token has no identifier", common.ErrAuthenticationFailed)
	}
	name := firstClaim(claims, paths.DisplayName)
	if name == "" {
		name = id
	}
	return Identity{Identifier: id, DisplayName: name}, nil
}

func firstClaim(claims map[string]any, paths []string) string {
	for _, p := range paths {
		if s := lookupClaim(claims, p); s != "" {
			return s
		}
	}
	return ""
}

func lookupClaim(claims map[string]any, path string) string {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		if cur, ok = m[part]; !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
