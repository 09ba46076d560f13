// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message type constants for the postMessage protocol between the gateway
// (parent) and an embedded app (child). The channel is shared with unrelated
// browser-injected traffic, so every inbound payload is validated against a
// fixed schema and foreign messages are ignored rather than errored.
const (
	MessageTypeSessionTokenRequest  = "SESSION_TOKEN_REQUEST"
	MessageTypeSessionTokenResponse = "SESSION_TOKEN_RESPONSE"
	MessageTypeRouteChange          = "ROUTE_CHANGE"
	MessageTypeEmbeddedAppReady     = "EMBEDDED_APP_READY"
)

// Route change directions.
const (
	DirectionParentToChild = "parent-to-child"
	DirectionChildToParent = "child-to-parent"
)

// SessionTokenRequest asks the parent for a fresh session token.
type SessionTokenRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	AppID     string `json:"appId,omitempty"`
	// Timestamp is the request creation time in Unix milliseconds. The
	// broker rejects stale requests to blunt replay of captured payloads.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SessionTokenResponse is the correlated reply to a SessionTokenRequest.
// Either Token (with ExpiresAt/Audience/AppID) or Error is populated.
type SessionTokenResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Audience  string `json:"audience,omitempty"`
	AppID     string `json:"appId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RouteChange announces a navigation on one side of the frame boundary.
type RouteChange struct {
	Type      string `json:"type"`
	Route     string `json:"route"`
	Direction string `json:"direction"`
	AppID     string `json:"appId,omitempty"`
}

// EmbeddedAppReady signals that the iframe finished its initial load.
type EmbeddedAppReady struct {
	Type string `json:"type"`
}

// NewRequestID returns a fresh correlation id. UUIDs make the collision
// guard the protocol otherwise requires unnecessary.
func NewRequestID() string {
	return uuid.NewString()
}

// messageEnvelope peeks at the type discriminator without committing to a
// concrete schema.
type messageEnvelope struct {
	Type string `json:"type"`
}

// ParseMessage decodes an inbound payload into one of the protocol message
// types. Payloads that are not JSON objects, carry an unknown type, or fail
// schema validation return ErrForeignMessage; receivers drop those silently.
func ParseMessage(data []byte) (interface{}, error) {
	var env messageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForeignMessage, err)
	}

	switch env.Type {
	case MessageTypeSessionTokenRequest:
		var msg SessionTokenRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrForeignMessage, err)
		}
		if msg.RequestID == "" {
			return nil, fmt.Errorf("%w: token request without requestId", ErrForeignMessage)
		}
		return &msg, nil
	case MessageTypeSessionTokenResponse:
		var msg SessionTokenResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrForeignMessage, err)
		}
		if msg.RequestID == "" {
			return nil, fmt.Errorf("%w: token response without requestId", ErrForeignMessage)
		}
		return &msg, nil
	case MessageTypeRouteChange:
		var msg RouteChange
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrForeignMessage, err)
		}
		if msg.Direction != DirectionParentToChild && msg.Direction != DirectionChildToParent {
			return nil, fmt.Errorf("%w: route change with direction %q", ErrForeignMessage, msg.Direction)
		}
		return &msg, nil
	case MessageTypeEmbeddedAppReady:
		return &EmbeddedAppReady{Type: MessageTypeEmbeddedAppReady}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrForeignMessage, env.Type)
	}
}

// mustMarshal serializes a protocol message. The message structs contain
// only JSON-serializable fields, so a failure here is a programming error.
func mustMarshal(msg interface{}) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("marshal protocol message: %v", err))
	}
	return data
}
