// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayOrigin = "https://gateway.example"

// wsFixture runs a gateway-side websocket endpoint and hands out the
// server-side window for each connection.
type wsFixture struct {
	server  *httptest.Server
	windows chan Window
}

func newWSFixture(t *testing.T, allowedOrigins []string) *wsFixture {
	t.Helper()
	upgrader, err := NewWindowUpgrader(gatewayOrigin, allowedOrigins, NewNopLogger())
	require.NoError(t, err)

	f := &wsFixture{windows: make(chan Window, 4)}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		window, _, err := upgrader.Upgrade(w, r)
		if err != nil {
			return
		}
		f.windows <- window
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *wsFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *wsFixture) serverWindow(t *testing.T) Window {
	t.Helper()
	select {
	case window := <-f.windows:
		return window
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func TestWSWindowRoundtrip(t *testing.T) {
	f := newWSFixture(t, []string{todoOrigin})

	client, err := DialWindow(context.Background(), f.wsURL(), todoOrigin, gatewayOrigin, NewNopLogger())
	require.NoError(t, err)
	defer client.Close()

	server := f.serverWindow(t)
	defer server.Close()

	serverReceived := make(chan MessageEvent, 1)
	server.AddListener(func(event MessageEvent) { serverReceived <- event })
	clientReceived := make(chan MessageEvent, 1)
	client.AddListener(func(event MessageEvent) { clientReceived <- event })

	require.NoError(t, client.PostMessage([]byte(`{"ping":1}`), gatewayOrigin))
	select {
	case event := <-serverReceived:
		// The transport stamps the origin from the upgrade request, not from
		// anything the client put in the payload.
		assert.Equal(t, todoOrigin, event.Origin)
		assert.JSONEq(t, `{"ping":1}`, string(event.Data))
		require.NotNil(t, event.Source)

		require.NoError(t, event.Source.PostMessage([]byte(`{"pong":1}`), event.Origin))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the message")
	}

	select {
	case event := <-clientReceived:
		assert.Equal(t, gatewayOrigin, event.Origin)
		assert.JSONEq(t, `{"pong":1}`, string(event.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("client did not receive the reply")
	}
}

func TestWSWindowDropsMismatchedTargetOrigin(t *testing.T) {
	f := newWSFixture(t, []string{todoOrigin})

	client, err := DialWindow(context.Background(), f.wsURL(), todoOrigin, gatewayOrigin, NewNopLogger())
	require.NoError(t, err)
	defer client.Close()

	server := f.serverWindow(t)
	defer server.Close()

	received := make(chan MessageEvent, 1)
	server.AddListener(func(event MessageEvent) { received <- event })

	// Addressed to an origin the gateway does not have: never sent.
	require.NoError(t, client.PostMessage([]byte(`{"n":1}`), "https://evil.example"))
	select {
	case <-received:
		t.Fatal("message for a different origin must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}

	// Correctly addressed traffic still flows on the same connection.
	require.NoError(t, client.PostMessage([]byte(`{"n":2}`), gatewayOrigin))
	select {
	case event := <-received:
		assert.JSONEq(t, `{"n":2}`, string(event.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("correctly addressed message was not delivered")
	}
}

func TestWSUpgraderRejectsDisallowedOrigin(t *testing.T) {
	f := newWSFixture(t, []string{todoOrigin})

	_, err := DialWindow(context.Background(), f.wsURL(), "https://evil.example", gatewayOrigin, NewNopLogger())
	assert.Error(t, err)
}

func TestWSSessionHandshakeOverWebsocket(t *testing.T) {
	f := newWSFixture(t, []string{todoOrigin})

	client, err := DialWindow(context.Background(), f.wsURL(), todoOrigin, gatewayOrigin, NewNopLogger())
	require.NoError(t, err)
	defer client.Close()

	server := f.serverWindow(t)
	defer server.Close()

	// Gateway side: broker answering requests on the connection.
	broker := newTestBroker(t)
	server.AddListener(func(event MessageEvent) {
		broker.HandleMessage(context.Background(), testUser, event)
	})

	// App side: session manager running over the dialed window.
	manager, err := NewSessionManager(client, gatewayOrigin, "todo-app")
	require.NoError(t, err)
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	token, err := manager.GetToken(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, TokenStatusValid, manager.State().Status)
}
