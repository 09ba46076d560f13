// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultTokenTTL is the validity window of issued session tokens.
const DefaultTokenTTL = 60 * time.Second

// User is the authenticated gateway user a token is issued for. The
// gateway's own session layer has already verified this identity.
type User struct {
	ID    string
	Email string
	Name  string
}

// TokenClaims are the claims carried by a session token.
type TokenClaims struct {
	Subject     string
	Issuer      string
	Audience    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	AppID       string
	Permissions []string
	EmbeddedApp bool
	Email       string
	Name        string
}

// TokenIssuer mints short-lived RS256 session tokens bound to a single
// audience. The signing key pair is loaded once at construction and treated
// as immutable, shared read-only state for the process lifetime.
type TokenIssuer struct {
	signingKey jwk.Key
	publicKey  jwk.Key
	issuerURL  string
	ttl        time.Duration
	clock      func() time.Time
}

// IssuerOption customizes a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithTokenTTL overrides the token validity window.
func WithTokenTTL(ttl time.Duration) IssuerOption {
	return func(i *TokenIssuer) {
		i.ttl = ttl
	}
}

// WithIssuerClock overrides the time source. Tests use this to pin iat/exp.
func WithIssuerClock(clock func() time.Time) IssuerOption {
	return func(i *TokenIssuer) {
		i.clock = clock
	}
}

// NewTokenIssuer loads the RSA signing key from PEM material and prepares
// the issuer. Missing or malformed key material is a ConfigError: callers
// must fail at startup, not per-request.
func NewTokenIssuer(privateKeyPEM []byte, issuerURL string, opts ...IssuerOption) (*TokenIssuer, error) {
	if len(privateKeyPEM) == 0 {
		return nil, NewConfigError("signing key", "private key PEM is required")
	}
	if issuerURL == "" {
		return nil, NewConfigError("issuer url", "issuer URL is required")
	}
	if _, err := url.Parse(issuerURL); err != nil {
		return nil, NewConfigError("issuer url", fmt.Sprintf("not a valid URL: %v", err))
	}

	key, err := jwk.ParseKey(privateKeyPEM, jwk.WithPEM(true))
	if err != nil {
		return nil, NewConfigError("signing key", fmt.Sprintf("parse PEM: %v", err))
	}
	var rsaKey rsa.PrivateKey
	if err := key.Raw(&rsaKey); err != nil {
		return nil, NewConfigError("signing key", fmt.Sprintf("not an RSA private key: %v", err))
	}

	// kid is the RFC 7638 thumbprint of the key, so it stays stable across
	// process restarts as long as the key material is unchanged.
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, NewConfigError("signing key", fmt.Sprintf("compute thumbprint: %v", err))
	}
	kid := base64.RawURLEncoding.EncodeToString(thumbprint)
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, NewConfigError("signing key", fmt.Sprintf("set kid: %v", err))
	}

	publicKey, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, NewConfigError("signing key", fmt.Sprintf("derive public key: %v", err))
	}
	if err := publicKey.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, NewConfigError("signing key", fmt.Sprintf("set alg: %v", err))
	}
	if err := publicKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, NewConfigError("signing key", fmt.Sprintf("set use: %v", err))
	}

	issuer := &TokenIssuer{
		signingKey: key,
		publicKey:  publicKey,
		issuerURL:  issuerURL,
		ttl:        DefaultTokenTTL,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer, nil
}

// Issue signs a token with subject=user id, issuer=gateway URL and
// audience=the target app id. Tokens are valid for exactly one audience and
// are never persisted.
func (i *TokenIssuer) Issue(user User, audience string, appID string, permissions []string) (string, time.Time, error) {
	if user.ID == "" {
		return "", time.Time{}, fmt.Errorf("issue token: user id is required")
	}
	if audience == "" {
		return "", time.Time{}, fmt.Errorf("issue token: audience is required")
	}
	if permissions == nil {
		permissions = []string{}
	}

	now := i.clock()
	expiresAt := now.Add(i.ttl)

	builder := jwt.NewBuilder().
		Subject(user.ID).
		Issuer(i.issuerURL).
		Audience([]string{audience}).
		IssuedAt(now).
		Expiration(expiresAt).
		Claim("appId", appID).
		Claim("permissions", permissions).
		Claim("embeddedApp", true)
	if user.Email != "" {
		builder = builder.Claim("email", user.Email)
	}
	if user.Name != "" {
		builder = builder.Claim("name", user.Name)
	}

	token, err := builder.Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, i.signingKey))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return string(signed), expiresAt, nil
}

// IssuerURL returns the gateway's canonical URL used as the iss claim.
func (i *TokenIssuer) IssuerURL() string {
	return i.issuerURL
}

// TokenTTL returns the configured validity window.
func (i *TokenIssuer) TokenTTL() time.Duration {
	return i.ttl
}

// PublicKeySet returns the JWKS verifiers fetch to validate tokens.
func (i *TokenIssuer) PublicKeySet() jwk.Set {
	set := jwk.NewSet()
	// AddKey on a fresh set only fails for nil keys.
	_ = set.AddKey(i.publicKey)
	return set
}
