// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Anti-replay bounds for inbound token requests. A captured request becomes
// useless once it is older than the max age; the skew tolerance allows the
// child's clock to run slightly ahead.
const (
	staleRequestMaxAge = 30 * time.Second
	clockSkewTolerance = 5 * time.Second
)

// Drop reasons recorded in metrics and logs. The requester never learns
// which one applied; it only observes a timeout.
const (
	dropReasonForeignMessage  = "foreign-message"
	dropReasonMissingAppID    = "missing-app-id"
	dropReasonUnknownApp      = "unknown-app"
	dropReasonOriginMismatch  = "origin-mismatch"
	dropReasonBrokenAppRecord = "broken-app-record"
)

// SessionTokenBroker handles SESSION_TOKEN_REQUEST messages arriving on the
// gateway side. Requests that fail validation before issuance are dropped
// silently: replying to an unvalidated origin would itself leak information,
// so silence plus a timeout on the requester is the safe failure mode.
type SessionTokenBroker struct {
	issuer   *TokenIssuer
	resolver *AppResolver
	logger   Logger
	metrics  *Metrics
	clock    func() time.Time
}

// BrokerOption customizes a SessionTokenBroker.
type BrokerOption func(*SessionTokenBroker)

// WithBrokerLogger sets the logger.
func WithBrokerLogger(logger Logger) BrokerOption {
	return func(b *SessionTokenBroker) {
		b.logger = logger
	}
}

// WithBrokerMetrics sets the metrics instruments.
func WithBrokerMetrics(metrics *Metrics) BrokerOption {
	return func(b *SessionTokenBroker) {
		b.metrics = metrics
	}
}

// WithBrokerClock overrides the time source used for replay checks.
func WithBrokerClock(clock func() time.Time) BrokerOption {
	return func(b *SessionTokenBroker) {
		b.clock = clock
	}
}

// NewSessionTokenBroker creates a broker over the given issuer and resolver.
func NewSessionTokenBroker(issuer *TokenIssuer, resolver *AppResolver, opts ...BrokerOption) (*SessionTokenBroker, error) {
	if issuer == nil {
		return nil, NewConfigError("issuer", "token issuer is required")
	}
	if resolver == nil {
		return nil, NewConfigError("resolver", "app resolver is required")
	}
	b := &SessionTokenBroker{
		issuer:   issuer,
		resolver: resolver,
		logger:   NewNopLogger(),
		metrics:  newNopMetrics(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// HandleMessage runs one inbound message through the request state machine
// for the given authenticated user. Non-token-request traffic and invalid
// requests produce no reply; valid requests produce exactly one correlated
// reply posted to the message source at the app's configured origin.
func (b *SessionTokenBroker) HandleMessage(ctx context.Context, user User, event MessageEvent) {
	parsed, err := ParseMessage(event.Data)
	if err != nil {
		// Shared channel: unrelated browser traffic lands here too, so
		// foreign messages are ignored, not errored.
		if errors.Is(err, ErrForeignMessage) {
			b.logger.Debug("ignoring message of unknown shape",
				zap.String("origin", event.Origin))
			b.metrics.recordDrop(ctx, dropReasonForeignMessage)
		}
		return
	}
	request, ok := parsed.(*SessionTokenRequest)
	if !ok {
		// Route changes and readiness signals belong to other handlers on
		// the same channel.
		return
	}

	if request.AppID == "" {
		b.logger.Warn("token request rejected: missing app id",
			zap.String("origin", event.Origin),
			zap.String("request_id", request.RequestID))
		b.metrics.recordDrop(ctx, dropReasonMissingAppID)
		return
	}

	app, err := b.resolver.ResolveByID(ctx, request.AppID, user.ID)
	if err != nil {
		b.logger.Error("token request rejected: resolver failure",
			zap.String("app_id", request.AppID), zap.Error(err))
		b.metrics.recordDrop(ctx, dropReasonUnknownApp)
		return
	}
	if app == nil {
		b.logger.Warn("token request rejected: unknown app",
			zap.String("app_id", request.AppID),
			zap.String("origin", event.Origin))
		b.metrics.recordDrop(ctx, dropReasonUnknownApp)
		return
	}

	appOrigin, err := app.Origin()
	if err != nil {
		b.logger.Error("token request rejected: app record has no usable origin",
			zap.String("app_id", app.AppID), zap.Error(err))
		b.metrics.recordDrop(ctx, dropReasonBrokenAppRecord)
		return
	}

	// The message origin must equal the resolved app's configured origin.
	// This is the confused-deputy guard: an attacker-controlled origin must
	// not obtain a token for someone else's app id.
	if event.Origin != appOrigin {
		b.logger.Warn("token request rejected: origin mismatch",
			zap.String("app_id", app.AppID),
			zap.String("origin", event.Origin),
			zap.String("expected_origin", appOrigin))
		b.metrics.recordDrop(ctx, dropReasonOriginMismatch)
		return
	}

	// Past this point the requester is authenticated as the app's origin,
	// so error replies no longer leak anything.
	if !b.timestampValid(request.Timestamp) {
		b.logger.Warn("token request rejected: stale timestamp",
			zap.String("app_id", app.AppID),
			zap.Int64("timestamp", request.Timestamp))
		b.reply(event, appOrigin, &SessionTokenResponse{
			Type:      MessageTypeSessionTokenResponse,
			RequestID: request.RequestID,
			Error:     "request expired or clock skew detected",
		})
		return
	}

	token, expiresAt, err := b.issuer.Issue(user, app.AppID, app.AppID, []string{})
	if err != nil {
		b.logger.Error("token issuance failed",
			zap.String("app_id", app.AppID), zap.Error(err))
		b.reply(event, appOrigin, &SessionTokenResponse{
			Type:      MessageTypeSessionTokenResponse,
			RequestID: request.RequestID,
			Error:     "token issuance failed",
		})
		return
	}

	b.metrics.recordTokenIssued(ctx, app.AppID)
	b.logger.Info("session token issued",
		zap.String("app_id", app.AppID),
		zap.String("user_id", user.ID),
		zap.String("request_id", request.RequestID))

	b.reply(event, appOrigin, &SessionTokenResponse{
		Type:      MessageTypeSessionTokenResponse,
		RequestID: request.RequestID,
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		Audience:  app.AppID,
		AppID:     app.AppID,
	})
}

// reply posts a correlated response back to the original message source,
// targeted at the validated origin. Never broadcast.
func (b *SessionTokenBroker) reply(event MessageEvent, origin string, response *SessionTokenResponse) {
	if event.Source == nil {
		return
	}
	if err := event.Source.PostMessage(mustMarshal(response), origin); err != nil {
		b.logger.Warn("failed to post token response",
			zap.String("request_id", response.RequestID), zap.Error(err))
	}
}

func (b *SessionTokenBroker) timestampValid(timestampMillis int64) bool {
	if timestampMillis == 0 {
		return false
	}
	age := b.clock().Sub(time.UnixMilli(timestampMillis))
	return age >= -clockSkewTolerance && age <= staleRequestMaxAge
}
