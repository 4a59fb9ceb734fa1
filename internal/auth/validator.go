// Package auth validates bearer tokens presented by external callers of the
// bridge and operator API.
package auth

import (
	"crypto"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fleetgate/internal/config"
)

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// Claims is the token payload. Scope is a space separated list, as issued
// by OAuth authorization servers.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether s is one of the granted scopes.
func (c *Claims) HasScope(s string) bool {
	return slices.Contains(strings.Fields(c.Scope), s)
}

// Validator checks signature, expiry, audience and scope.
type Validator struct {
	key           any
	parser        *jwt.Parser
	requiredScope string
}

// NewValidator builds a validator from cfg. A PEM public key (RSA or ECDSA)
// takes precedence over the HMAC secret.
func NewValidator(cfg config.AuthConfig) (*Validator, error) {
	var (
		key     any
		methods []string
	)
	switch {
	case len(cfg.PublicKey) > 0:
		pub, err := ParsePublicKey(cfg.PublicKey)
		if err != nil {
			return nil, err
		}
		key = pub
		methods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}
	case cfg.HMACSecret != "":
		key = []byte(cfg.HMACSecret)
		methods = []string{"HS256", "HS384", "HS512"}
	default:
		return nil, errors.New("auth: no verification key configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Validator{
		key:           key,
		parser:        jwt.NewParser(opts...),
		requiredScope: cfg.RequiredScope,
	}, nil
}

// Verify parses tokenStr (with or without a "Bearer " prefix) and returns
// its claims.
func (v *Validator) Verify(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimSpace(strings.TrimPrefix(tokenStr, "Bearer "))
	if tokenStr == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if v.requiredScope != "" && !claims.HasScope(v.requiredScope) {
		return claims, fmt.Errorf("%w: %s required", ErrInsufficientScope, v.requiredScope)
	}
	return claims, nil
}

// ParsePublicKey decodes a PEM encoded RSA or ECDSA public key.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	if len(data) == 0 {
		return nil, errors.New("public key data is empty")
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
