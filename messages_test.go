// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageTokenRequest(t *testing.T) {
	data := []byte(`{"type":"SESSION_TOKEN_REQUEST","requestId":"req-1","appId":"todo-app","timestamp":1700000000000}`)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	request, ok := parsed.(*SessionTokenRequest)
	require.True(t, ok)
	assert.Equal(t, "req-1", request.RequestID)
	assert.Equal(t, "todo-app", request.AppID)
	assert.Equal(t, int64(1700000000000), request.Timestamp)
}

func TestParseMessageForeignTraffic(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `hello`},
		{"unknown type", `{"type":"webpack-dev-server","payload":{}}`},
		{"no type", `{"source":"react-devtools"}`},
		{"request without id", `{"type":"SESSION_TOKEN_REQUEST","appId":"todo-app"}`},
		{"response without id", `{"type":"SESSION_TOKEN_RESPONSE","token":"abc"}`},
		{"route change bad direction", `{"type":"ROUTE_CHANGE","route":"/x","direction":"sideways"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrForeignMessage))
		})
	}
}

func TestParseMessageRouteChange(t *testing.T) {
	data := []byte(`{"type":"ROUTE_CHANGE","route":"/history","direction":"child-to-parent","appId":"todo-app"}`)

	parsed, err := ParseMessage(data)
	require.NoError(t, err)

	change, ok := parsed.(*RouteChange)
	require.True(t, ok)
	assert.Equal(t, "/history", change.Route)
	assert.Equal(t, DirectionChildToParent, change.Direction)
	assert.Equal(t, "todo-app", change.AppID)
}

func TestParseMessageReadySignal(t *testing.T) {
	parsed, err := ParseMessage([]byte(`{"type":"EMBEDDED_APP_READY"}`))
	require.NoError(t, err)
	_, ok := parsed.(*EmbeddedAppReady)
	assert.True(t, ok)
}

func TestNewRequestIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate request id %s", id)
		seen[id] = true
	}
}
