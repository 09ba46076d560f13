// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"github.com/every-app/embedded-gateway-go/internal/retry"
)

// defaultJWKSCacheTTL bounds how long a fetched key set is reused before a
// routine refresh. Rotation is additionally handled by the unknown-kid
// refetch path.
const defaultJWKSCacheTTL = 5 * time.Minute

// TokenVerifier validates session tokens on the embedded app's server
// against the gateway's published JWKS. Stateless aside from the key-set
// cache, which is read-mostly with an explicit invalidate-and-refetch path.
type TokenVerifier struct {
	jwksURL  string
	issuer   string
	audience string

	httpClient *http.Client
	retryCfg   *retry.Config
	cacheTTL   time.Duration
	clock      func() time.Time
	logger     Logger

	mu        sync.RWMutex
	keys      jwk.Set
	fetchedAt time.Time
}

// VerifierOption customizes a TokenVerifier.
type VerifierOption func(*TokenVerifier)

// WithVerifierHTTPClient overrides the HTTP client used for JWKS fetches.
func WithVerifierHTTPClient(client *http.Client) VerifierOption {
	return func(v *TokenVerifier) {
		v.httpClient = client
	}
}

// WithVerifierClock overrides the time source used for expiry validation.
func WithVerifierClock(clock func() time.Time) VerifierOption {
	return func(v *TokenVerifier) {
		v.clock = clock
	}
}

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger Logger) VerifierOption {
	return func(v *TokenVerifier) {
		v.logger = logger
	}
}

// WithJWKSCacheTTL overrides the routine key-set refresh interval.
func WithJWKSCacheTTL(ttl time.Duration) VerifierOption {
	return func(v *TokenVerifier) {
		v.cacheTTL = ttl
	}
}

// WithJWKSRetry configures backoff for the JWKS fetch.
func WithJWKSRetry(cfg retry.Config) VerifierOption {
	return func(v *TokenVerifier) {
		validated := cfg.Validate()
		v.retryCfg = &validated
	}
}

// NewTokenVerifier creates a verifier bound to one issuer and one audience.
// Empty configuration is fatal at construction time.
func NewTokenVerifier(jwksURL, issuer, audience string, opts ...VerifierOption) (*TokenVerifier, error) {
	if jwksURL == "" {
		return nil, NewConfigError("jwks url", "JWKS URL is required")
	}
	if issuer == "" {
		return nil, NewConfigError("issuer", "issuer must be provided for token verification")
	}
	if audience == "" {
		return nil, NewConfigError("audience", "audience must be provided for token verification")
	}

	v := &TokenVerifier{
		jwksURL:    jwksURL,
		issuer:     issuer,
		audience:   audience,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   defaultJWKSCacheTTL,
		clock:      time.Now,
		logger:     NewNopLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify validates signature, issuer, audience and expiry, returning the
// token's claims. Failures are AuthErrors; the kind is logged distinctly
// while callers map every kind to the same 401 outcome.
func (v *TokenVerifier) Verify(ctx context.Context, tokenString string) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, v.fail(AuthKindMissingHeader, errors.New("empty token"))
	}

	data := []byte(tokenString)

	// Syntactic parse first so malformed input is distinguishable from a
	// bad signature.
	msg, err := jws.Parse(data)
	if err != nil || len(msg.Signatures()) == 0 {
		return nil, v.fail(AuthKindMalformedToken, err)
	}
	kid := msg.Signatures()[0].ProtectedHeaders().KeyID()

	keys, err := v.keySet(ctx)
	if err != nil {
		return nil, v.fail(AuthKindSignatureInvalid, fmt.Errorf("fetch key set: %w", err))
	}

	// Support rotation: if the token references a key we do not hold,
	// refetch the key set once. At most one refetch per verification to
	// bound retry amplification.
	if kid != "" {
		if _, found := keys.LookupKeyID(kid); !found {
			keys, err = v.refetch(ctx)
			if err != nil {
				return nil, v.fail(AuthKindSignatureInvalid, fmt.Errorf("refetch key set: %w", err))
			}
			if _, found := keys.LookupKeyID(kid); !found {
				return nil, v.fail(AuthKindSignatureInvalid, fmt.Errorf("unknown key id %q", kid))
			}
		}
	}

	token, err := jwt.Parse(data, jwt.WithKeySet(keys), jwt.WithValidate(false))
	if err != nil {
		return nil, v.fail(AuthKindSignatureInvalid, err)
	}

	validateOpts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.clock)),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	}
	if err := jwt.Validate(token, validateOpts...); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired()):
			return nil, v.fail(AuthKindExpired, err)
		case errors.Is(err, jwt.ErrInvalidIssuer()):
			return nil, v.fail(AuthKindIssuerMismatch, err)
		case errors.Is(err, jwt.ErrInvalidAudience()):
			return nil, v.fail(AuthKindAudienceMismatch, err)
		default:
			return nil, v.fail(AuthKindMalformedToken, err)
		}
	}

	return claimsFromToken(token), nil
}

// fail logs the failure kind with its detailed cause and returns an
// AuthError carrying only the kind. Detail never crosses the trust boundary.
func (v *TokenVerifier) fail(kind AuthErrorKind, cause error) error {
	v.logger.Warn("token verification failed",
		zap.String("kind", string(kind)),
		zap.Error(cause),
	)
	return NewAuthError(kind, cause)
}

// keySet returns the cached key set, fetching when absent or stale.
func (v *TokenVerifier) keySet(ctx context.Context) (jwk.Set, error) {
	v.mu.RLock()
	keys := v.keys
	fresh := keys != nil && v.clock().Sub(v.fetchedAt) < v.cacheTTL
	v.mu.RUnlock()
	if fresh {
		return keys, nil
	}
	return v.refetch(ctx)
}

// refetch fetches the JWKS from the issuer and replaces the cache.
func (v *TokenVerifier) refetch(ctx context.Context) (jwk.Set, error) {
	var keys jwk.Set
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
		if err != nil {
			return err
		}
		resp, err := v.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("fetch JWKS: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read JWKS response: %w", err)
		}
		parsed, err := jwk.Parse(body)
		if err != nil {
			return fmt.Errorf("parse JWKS: %w", err)
		}
		keys = parsed
		return nil
	}

	if err := retry.Execute(ctx, fetch, v.retryCfg); err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.keys = keys
	v.fetchedAt = v.clock()
	v.mu.Unlock()
	return keys, nil
}

// claimsFromToken flattens a validated jwt.Token into TokenClaims.
func claimsFromToken(token jwt.Token) *TokenClaims {
	claims := &TokenClaims{
		Subject:   token.Subject(),
		Issuer:    token.Issuer(),
		IssuedAt:  token.IssuedAt(),
		ExpiresAt: token.Expiration(),
	}
	if aud := token.Audience(); len(aud) > 0 {
		claims.Audience = aud[0]
	}
	if raw, ok := token.Get("appId"); ok {
		claims.AppID, _ = raw.(string)
	}
	if raw, ok := token.Get("embeddedApp"); ok {
		claims.EmbeddedApp, _ = raw.(bool)
	}
	if raw, ok := token.Get("email"); ok {
		claims.Email, _ = raw.(string)
	}
	if raw, ok := token.Get("name"); ok {
		claims.Name, _ = raw.(string)
	}
	if raw, ok := token.Get("permissions"); ok {
		switch values := raw.(type) {
		case []string:
			claims.Permissions = values
		case []interface{}:
			for _, value := range values {
				if s, ok := value.(string); ok {
					claims.Permissions = append(claims.Permissions, s)
				}
			}
		}
	}
	return claims
}
