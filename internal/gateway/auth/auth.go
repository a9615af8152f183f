// Package auth identifies the tenant behind each gateway request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrUnauthorized is returned for missing or invalid credentials.
var ErrUnauthorized = errors.New("invalid or missing credentials")

// Provider verifies a bearer token and returns the tenant it belongs
// to. The rest of the gateway depends only on this shape.
type Provider interface {
	Verify(ctx context.Context, token string) (uuid.UUID, error)
}

// NewProvider selects a provider implementation by name.
func NewProvider(name, jwtKey, tenantClaim string) (Provider, error) {
	switch name {
	case "jwt":
		return NewJWTProvider(jwtKey, tenantClaim)
	case "local", "":
		return LocalProvider{}, nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q", name)
	}
}

// LocalProvider accepts any token (or none) and returns the zero
// tenant. For local development only.
type LocalProvider struct{}

func (LocalProvider) Verify(context.Context, string) (uuid.UUID, error) {
	return uuid.Nil, nil
}

// JWTProvider verifies signed JWTs and extracts the tenant id from a
// configurable claim. The key material is either an RSA public key in
// PEM form (RS256 tokens) or a shared HMAC secret (HS256 tokens).
type JWTProvider struct {
	key         any
	methods     []string
	tenantClaim string
}

// NewJWTProvider builds a JWTProvider from raw key material.
func NewJWTProvider(key, tenantClaim string) (*JWTProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("jwt auth provider requires AUTH_JWT_KEY")
	}
	if tenantClaim == "" {
		tenantClaim = "tenant_id"
	}

	if strings.Contains(key, "BEGIN") {
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		return &JWTProvider{key: pub, methods: []string{"RS256"}, tenantClaim: tenantClaim}, nil
	}
	return &JWTProvider{key: []byte(key), methods: []string{"HS256"}, tenantClaim: tenantClaim}, nil
}

func (p *JWTProvider) Verify(_ context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, ErrUnauthorized
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return p.key, nil
	}, jwt.WithValidMethods(p.methods))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	raw, ok := claims[p.tenantClaim].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: missing %s claim", ErrUnauthorized, p.tenantClaim)
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s claim is not a uuid", ErrUnauthorized, p.tenantClaim)
	}
	return tenantID, nil
}
