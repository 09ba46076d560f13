// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatewayFixture wires the full HTTP surface against a live test server.
type gatewayFixture struct {
	server   *httptest.Server
	issuer   *TokenIssuer
	verifier *TokenVerifier
	store    *AppStore
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	issuer := newTestIssuer(t)
	store := newTestStore(t)

	router := chi.NewRouter()
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	verifier, err := NewTokenVerifier(server.URL+JWKSPath, testIssuerURL, "gateway")
	require.NoError(t, err)

	RegisterEmbeddedRoutes(router, issuer, verifier, store, NewNopLogger())
	return &gatewayFixture{server: server, issuer: issuer, verifier: verifier, store: store}
}

// bearerFor mints a token accepted by the fixture's verifier.
func (f *gatewayFixture) bearerFor(t *testing.T, user User) string {
	t.Helper()
	token, _, err := f.issuer.Issue(user, "gateway", "", nil)
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *gatewayFixture) do(t *testing.T, method, path, bearer string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestJWKSEndpoint(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodGet, JWKSPath, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	set, err := jwk.ParseReader(resp.Body)
	require.NoError(t, err)
	require.Equal(t, 1, set.Len())

	key, ok := set.Key(0)
	require.True(t, ok)
	assert.NotEmpty(t, key.KeyID())
	assert.Equal(t, "sig", key.KeyUsage())
}

func TestBearerMiddlewareRejectsAnonymous(t *testing.T) {
	f := newGatewayFixture(t)

	resp := f.do(t, http.MethodGet, "/api/embedded/apps", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestBearerMiddlewareRejectsGarbageToken(t *testing.T) {
	f := newGatewayFixture(t)

	for _, header := range []string{
		"Bearer not-a-token",
		"Basic dXNlcjpwYXNz",
		"Bearer ",
	} {
		resp := f.do(t, http.MethodGet, "/api/embedded/apps", header, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "header %q", header)

		// The body never reveals why verification failed.
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "unauthorized", body["error"])
	}
}

func TestAppLifecycleOverHTTP(t *testing.T) {
	f := newGatewayFixture(t)
	bearer := f.bearerFor(t, testUser)

	// Install.
	resp := f.do(t, http.MethodPost, "/api/embedded/apps", bearer, appPayload{
		AppID:  "todo-app",
		Name:   "Todo",
		AppURL: "https://todo.example/app",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created appResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "installed", created.Status)

	// Duplicate install conflicts.
	resp = f.do(t, http.MethodPost, "/api/embedded/apps", bearer, appPayload{
		AppID:  "todo-app",
		Name:   "Todo",
		AppURL: "https://todo.example/app",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// List shows it.
	resp = f.do(t, http.MethodGet, "/api/embedded/apps", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []appResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)

	// Update.
	resp = f.do(t, http.MethodPut, "/api/embedded/apps/"+created.ID, bearer, appPayload{
		Name:   "Todo v2",
		AppURL: "https://todo.example/app",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Uninstall.
	resp = f.do(t, http.MethodDelete, "/api/embedded/apps/"+created.ID, bearer, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/embedded/apps", bearer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Empty(t, listed)
}

func TestAppRoutesScopedToTokenSubject(t *testing.T) {
	f := newGatewayFixture(t)

	aliceBearer := f.bearerFor(t, User{ID: "alice"})
	bobBearer := f.bearerFor(t, User{ID: "bob"})

	resp := f.do(t, http.MethodPost, "/api/embedded/apps", aliceBearer, appPayload{
		AppID:  "todo-app",
		Name:   "Todo",
		AppURL: "https://todo.example",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created appResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	// Bob cannot see or touch Alice's install.
	resp = f.do(t, http.MethodGet, "/api/embedded/apps", bobBearer, nil)
	var listed []appResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Empty(t, listed)

	resp = f.do(t, http.MethodDelete, "/api/embedded/apps/"+created.ID, bobBearer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClaimsFromContextRoundtrip(t *testing.T) {
	claims := &TokenClaims{Subject: "user-123"}
	ctx := context.WithValue(context.Background(), claimsContextKey{}, claims)
	assert.Equal(t, claims, ClaimsFromContext(ctx))
	assert.Nil(t, ClaimsFromContext(context.Background()))
}
