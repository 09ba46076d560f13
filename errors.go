// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"errors"
	"fmt"
)

// AuthErrorKind identifies why token verification failed. Every kind is
// treated identically by callers (reject with 401), but the kind is logged
// distinctly for operability.
type AuthErrorKind string

// Authentication failure kinds.
const (
	AuthKindMissingHeader    AuthErrorKind = "missing-header"
	AuthKindMalformedToken   AuthErrorKind = "malformed-token"
	AuthKindSignatureInvalid AuthErrorKind = "signature-invalid"
	AuthKindExpired          AuthErrorKind = "expired"
	AuthKindAudienceMismatch AuthErrorKind = "audience-mismatch"
	AuthKindIssuerMismatch   AuthErrorKind = "issuer-mismatch"
)

// authErrorKinds maps kind codes back to their typed values. This replaces
// the need for switch statements when classifying logged or serialized kinds.
var authErrorKinds = map[string]AuthErrorKind{
	"missing-header":    AuthKindMissingHeader,
	"malformed-token":   AuthKindMalformedToken,
	"signature-invalid": AuthKindSignatureInvalid,
	"expired":           AuthKindExpired,
	"audience-mismatch": AuthKindAudienceMismatch,
	"issuer-mismatch":   AuthKindIssuerMismatch,
}

// ParseAuthErrorKind returns the typed kind for a kind code string.
func ParseAuthErrorKind(code string) (AuthErrorKind, bool) {
	kind, ok := authErrorKinds[code]
	return kind, ok
}

// AuthError is an authentication failure surfaced by the token verifier or
// the bearer middleware.
type AuthError struct {
	Kind  AuthErrorKind
	cause error
}

// NewAuthError creates an AuthError with the given kind and optional cause.
func NewAuthError(kind AuthErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, cause: cause}
}

// Error returns the kind code. Detailed causes stay server-side in logs and
// are reachable through Unwrap, never through the message crossing the trust
// boundary.
func (e *AuthError) Error() string {
	return string(e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *AuthError) Unwrap() error {
	return e.cause
}

// AuthKindOf extracts the AuthErrorKind from an error chain.
func AuthKindOf(err error) (AuthErrorKind, bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind, true
	}
	return "", false
}

// ConfigError reports missing or malformed configuration. It is fatal at
// construction time: components refuse to initialize rather than fail
// per-request.
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// Sentinel errors shared across components.
var (
	// ErrRequestTimeout indicates the parent did not reply within the
	// handshake window. Distinct from a rejection so callers can tell
	// "parent unreachable" from "parent rejected".
	ErrRequestTimeout = errors.New("token request timeout: parent did not respond")

	// ErrRequestRejected indicates the parent replied with an error field.
	ErrRequestRejected = errors.New("token request rejected")

	// ErrForeignMessage marks an inbound message that is not part of the
	// protocol (unknown type, failed schema validation). Receivers drop
	// these silently; the sentinel exists so call sites can tell a foreign
	// message from a genuinely broken one of ours.
	ErrForeignMessage = errors.New("foreign message")

	// ErrDuplicateApp is returned when an owner already has an installed
	// app with the same app id.
	ErrDuplicateApp = errors.New("app with this id already installed")

	// ErrAppNotFound is returned by store mutations when the record does
	// not exist or does not belong to the calling user.
	ErrAppNotFound = errors.New("app not found")
)
