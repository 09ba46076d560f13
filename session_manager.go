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
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Session manager timing defaults.
const (
	// DefaultRequestTimeout bounds one token handshake with the parent.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultRefreshBuffer is how long before expiry a cached token is
	// already treated as needing refresh.
	DefaultRefreshBuffer = 10 * time.Second
)

// TokenStatus is the polled view of the session manager's auth state.
type TokenStatus string

// Session manager states.
const (
	TokenStatusNoToken    TokenStatus = "NO_TOKEN"
	TokenStatusRefreshing TokenStatus = "REFRESHING"
	TokenStatusValid      TokenStatus = "VALID"
	TokenStatusExpired    TokenStatus = "EXPIRED"
)

// TokenState pairs the status with the current token, if any.
type TokenState struct {
	Status TokenStatus
	Token  string
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// inflightRequest correlates the single outbound request to its eventual
// reply. Only one may exist at a time; concurrent callers share it.
type inflightRequest struct {
	requestID string
	startedAt time.Time
	timer     *time.Timer
	done      chan struct{}
	token     string
	err       error
}

// SessionManager is the embedded app's single source of truth for "do I
// have a usable credential right now". It requests tokens from the parent
// over postMessage, deduplicates concurrent requests, tracks expiry and
// exposes a polled status.
type SessionManager struct {
	window       Window
	parentOrigin string
	appID        string

	timeout       time.Duration
	refreshBuffer time.Duration
	logger        Logger
	metrics       *Metrics
	clock         func() time.Time

	removeListener func()

	// stateLock guards token and inflight. It is the one piece of
	// explicitly mutable shared state in the handshake; the inflight entry
	// must be cleared on every completion path so a failed request cannot
	// wedge subsequent callers.
	stateLock chan struct{}
	token     *cachedToken
	inflight  *inflightRequest
}

// SessionManagerOption customizes a SessionManager.
type SessionManagerOption func(*SessionManager)

// WithRequestTimeout overrides the handshake timeout.
func WithRequestTimeout(timeout time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.timeout = timeout
	}
}

// WithRefreshBuffer overrides how early before expiry a refresh triggers.
func WithRefreshBuffer(buffer time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.refreshBuffer = buffer
	}
}

// WithSessionLogger sets the logger.
func WithSessionLogger(logger Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// WithSessionMetrics sets the metrics instruments.
func WithSessionMetrics(metrics *Metrics) SessionManagerOption {
	return func(m *SessionManager) {
		m.metrics = metrics
	}
}

// WithSessionClock overrides the time source.
func WithSessionClock(clock func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		m.clock = clock
	}
}

// NewSessionManager creates a session manager speaking to the parent window
// at parentOrigin on behalf of appID. A missing or unparsable parent origin
// is a ConfigError: the component refuses to initialize rather than fail
// per-request.
func NewSessionManager(window Window, parentOrigin, appID string, opts ...SessionManagerOption) (*SessionManager, error) {
	if window == nil {
		return nil, NewConfigError("window", "window is required")
	}
	if parentOrigin == "" {
		return nil, NewConfigError("parent origin", "parent origin is required")
	}
	if u, err := url.Parse(parentOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, NewConfigError("parent origin", fmt.Sprintf("invalid parent origin URL: %s", parentOrigin))
	}
	if appID == "" {
		return nil, NewConfigError("app id", "app id is required")
	}

	m := &SessionManager{
		window:        window,
		parentOrigin:  parentOrigin,
		appID:         appID,
		timeout:       DefaultRequestTimeout,
		refreshBuffer: DefaultRefreshBuffer,
		logger:        NewNopLogger(),
		metrics:       newNopMetrics(),
		clock:         time.Now,
		stateLock:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.removeListener = window.AddListener(m.handleMessage)
	return m, nil
}

// Close detaches the manager from its window. Waiters on an in-flight
// request are released with a timeout error when the timer fires.
func (m *SessionManager) Close() {
	if m.removeListener != nil {
		m.removeListener()
	}
}

// AppID returns the app id this manager requests tokens for.
func (m *SessionManager) AppID() string {
	return m.appID
}

// ParentOrigin returns the configured parent origin.
func (m *SessionManager) ParentOrigin() string {
	return m.parentOrigin
}

func (m *SessionManager) lock()   { m.stateLock <- struct{}{} }
func (m *SessionManager) unlock() { <-m.stateLock }

// GetToken returns a cached token when it is valid and not within the
// refresh buffer of expiry; otherwise it triggers (or joins) a refresh.
// Callers must propagate failures as authentication failures, never
// continue unauthenticated.
func (m *SessionManager) GetToken(ctx context.Context) (string, error) {
	m.lock()
	if m.token != nil && m.clock().Before(m.token.expiresAt.Add(-m.refreshBuffer)) {
		token := m.token.value
		m.unlock()
		return token, nil
	}
	request := m.startOrJoinRefreshLocked(ctx)
	m.unlock()

	select {
	case <-request.done:
		return request.token, request.err
	case <-ctx.Done():
		// The in-flight request keeps running for other callers; this
		// caller alone gives up.
		return "", ctx.Err()
	}
}

// RequestNewToken forces a refresh handshake, joining one already in
// flight.
func (m *SessionManager) RequestNewToken(ctx context.Context) (string, error) {
	m.lock()
	request := m.startOrJoinRefreshLocked(ctx)
	m.unlock()

	select {
	case <-request.done:
		return request.token, request.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// startOrJoinRefreshLocked returns the current in-flight request, starting
// a new handshake when none exists. Single-flight: all concurrent callers
// share one outbound message and its result.
func (m *SessionManager) startOrJoinRefreshLocked(ctx context.Context) *inflightRequest {
	if m.inflight != nil {
		return m.inflight
	}

	request := &inflightRequest{
		requestID: NewRequestID(),
		startedAt: m.clock(),
		done:      make(chan struct{}),
	}
	m.inflight = request

	request.timer = time.AfterFunc(m.timeout, func() {
		m.completeRequest(request.requestID, "", ErrRequestTimeout)
	})

	payload := mustMarshal(&SessionTokenRequest{
		Type:      MessageTypeSessionTokenRequest,
		RequestID: request.requestID,
		AppID:     m.appID,
		Timestamp: request.startedAt.UnixMilli(),
	})

	m.metrics.recordTokenRequest(ctx, m.appID)
	m.logger.Debug("requesting new session token",
		zap.String("request_id", request.requestID),
		zap.String("app_id", m.appID))

	// Fire-and-forget: a post failure is not completed here, the timeout
	// handles it, matching the transport's no-delivery-guarantee model.
	if err := m.window.PostMessage(payload, m.parentOrigin); err != nil {
		m.logger.Warn("posting token request failed",
			zap.String("request_id", request.requestID), zap.Error(err))
	}
	return request
}

// completeRequest fails the in-flight request if it still matches requestID,
// and clears it. First valid completion wins; later replies for the same id
// find no pending entry and are discarded.
func (m *SessionManager) completeRequest(requestID, token string, err error) {
	m.lock()
	request := m.inflight
	if request == nil || request.requestID != requestID {
		m.unlock()
		return
	}
	m.inflight = nil
	if request.timer != nil {
		request.timer.Stop()
	}
	request.token = token
	request.err = err
	m.unlock()
	close(request.done)

	outcome := "rejected"
	if errors.Is(err, ErrRequestTimeout) {
		outcome = "timeout"
	}
	m.metrics.recordHandshake(context.Background(), m.clock().Sub(request.startedAt), outcome)
}

// handleMessage processes inbound messages from the window. Only
// SESSION_TOKEN_RESPONSE frames from the configured parent origin are
// acted on; everything else is ignored.
func (m *SessionManager) handleMessage(event MessageEvent) {
	// Defense in depth: the transport already stamps the origin, but the
	// reply is only trusted when it comes from the configured parent.
	if event.Origin != m.parentOrigin {
		m.logger.Debug("ignoring message from unexpected origin",
			zap.String("origin", event.Origin),
			zap.String("expected", m.parentOrigin))
		return
	}

	parsed, err := ParseMessage(event.Data)
	if err != nil {
		return
	}
	response, ok := parsed.(*SessionTokenResponse)
	if !ok {
		return
	}

	if response.Error != "" {
		m.logger.Warn("token request rejected by parent",
			zap.String("request_id", response.RequestID),
			zap.String("error", response.Error))
		m.completeRequest(response.RequestID, "", fmt.Errorf("%w: %s", ErrRequestRejected, response.Error))
		return
	}
	if response.Token == "" {
		m.completeRequest(response.RequestID, "", fmt.Errorf("%w: no token in response", ErrRequestRejected))
		return
	}

	expiresAt := m.clock().Add(DefaultTokenTTL)
	if response.ExpiresAt != "" {
		if parsedAt, err := time.Parse(time.RFC3339, response.ExpiresAt); err == nil {
			expiresAt = parsedAt
		}
	}

	m.lock()
	request := m.inflight
	if request == nil || request.requestID != response.RequestID {
		// Superseded or duplicate reply; the pending entry is gone.
		m.unlock()
		return
	}
	m.inflight = nil
	if request.timer != nil {
		request.timer.Stop()
	}
	request.token = response.Token
	m.token = &cachedToken{value: response.Token, expiresAt: expiresAt}
	m.unlock()
	close(request.done)

	m.metrics.recordHandshake(context.Background(), m.clock().Sub(request.startedAt), "success")
	m.logger.Debug("session token received",
		zap.String("request_id", response.RequestID),
		zap.Time("expires_at", expiresAt))
}

// State returns the polled view of the manager's auth state.
func (m *SessionManager) State() TokenState {
	m.lock()
	defer m.unlock()
	if m.inflight != nil {
		return TokenState{Status: TokenStatusRefreshing}
	}
	if m.token == nil {
		return TokenState{Status: TokenStatusNoToken}
	}
	if !m.clock().Before(m.token.expiresAt) {
		return TokenState{Status: TokenStatusExpired, Token: m.token.value}
	}
	return TokenState{Status: TokenStatusValid, Token: m.token.value}
}

// Invalidate discards the cached token so the next GetToken starts a fresh
// handshake.
func (m *SessionManager) Invalidate() {
	m.lock()
	m.token = nil
	m.unlock()
}
