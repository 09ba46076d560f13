// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/every-app/embedded-gateway-go"

// Metrics holds the instruments shared by the broker and the session
// manager. A zero-configured Metrics built from the global (possibly noop)
// meter provider is always safe to use.
type Metrics struct {
	tokensIssued      metric.Int64Counter
	tokenRequests     metric.Int64Counter
	droppedMessages   metric.Int64Counter
	handshakeDuration metric.Float64Histogram
	routeMessages     metric.Int64Counter
}

// NewMetrics creates the instrument set from the given provider. A nil
// provider falls back to the otel global.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var m Metrics
	var err error
	if m.tokensIssued, err = meter.Int64Counter("gateway.tokens_issued",
		metric.WithDescription("Session tokens issued by the broker")); err != nil {
		return nil, err
	}
	if m.tokenRequests, err = meter.Int64Counter("embedded.token_requests",
		metric.WithDescription("Outbound token handshakes started by the session manager")); err != nil {
		return nil, err
	}
	if m.droppedMessages, err = meter.Int64Counter("gateway.dropped_messages",
		metric.WithDescription("Inbound messages dropped without a reply, by reason")); err != nil {
		return nil, err
	}
	if m.handshakeDuration, err = meter.Float64Histogram("embedded.handshake_duration",
		metric.WithDescription("Token handshake round-trip duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.routeMessages, err = meter.Int64Counter("routesync.messages",
		metric.WithDescription("Route change messages sent, by direction")); err != nil {
		return nil, err
	}
	return &m, nil
}

// newNopMetrics is used when callers do not supply metrics. The global
// provider defaults to noop, so instrument creation cannot fail.
func newNopMetrics() *Metrics {
	m, _ := NewMetrics(nil)
	return m
}

func (m *Metrics) recordTokenIssued(ctx context.Context, appID string) {
	m.tokensIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("app_id", appID)))
}

func (m *Metrics) recordTokenRequest(ctx context.Context, appID string) {
	m.tokenRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("app_id", appID)))
}

func (m *Metrics) recordDrop(ctx context.Context, reason string) {
	m.droppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordHandshake(ctx context.Context, elapsed time.Duration, outcome string) {
	m.handshakeDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) recordRouteMessage(ctx context.Context, direction string) {
	m.routeMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}
