// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// JWKSPath is the well-known location the gateway publishes its signing
// keys under. Resource servers and the token verifier fetch from here.
const JWKSPath = "/api/embedded/jwks"

type claimsContextKey struct{}

// ClaimsFromContext returns the verified token claims stored by
// RequireBearerAuth, or nil when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *TokenClaims {
	claims, _ := ctx.Value(claimsContextKey{}).(*TokenClaims)
	return claims
}

// JWKSHandler serves the issuer's public key set as a standard JWKS
// document. Only public key material crosses this boundary.
func JWKSHandler(issuer *TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := json.Marshal(issuer.PublicKeySet())
		if err != nil {
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_, _ = w.Write(body)
	}
}

// RequireBearerAuth wraps handlers with session token verification. Failures
// all produce the same generic 401 body; the precise failure kind goes to
// the log only, so callers cannot probe the verifier through response
// differences.
func RequireBearerAuth(verifier *TokenVerifier, logger Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = NewNopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				logger.Warn("request rejected: missing bearer token",
					zap.String("path", r.URL.Path),
					zap.String("kind", string(AuthKindMissingHeader)))
				return
			}

			claims, err := verifier.Verify(r.Context(), tokenString)
			if err != nil {
				unauthorized(w)
				var authErr *AuthError
				if errors.As(err, &authErr) {
					logger.Warn("request rejected: token verification failed",
						zap.String("path", r.URL.Path),
						zap.String("kind", string(authErr.Kind)))
				} else {
					logger.Error("token verification error",
						zap.String("path", r.URL.Path), zap.Error(err))
				}
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="embedded"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// AppHandlers exposes the user app store over HTTP. All routes assume an
// authenticated user in the request context.
type AppHandlers struct {
	store  *AppStore
	logger Logger
}

// NewAppHandlers creates the HTTP handler set over the given store.
func NewAppHandlers(store *AppStore, logger Logger) *AppHandlers {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &AppHandlers{store: store, logger: logger}
}

type appPayload struct {
	AppID       string `json:"appId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AppURL      string `json:"appUrl"`
}

type appResponse struct {
	ID          string `json:"id"`
	AppID       string `json:"appId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AppURL      string `json:"appUrl"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toAppResponse(record AppRecord) appResponse {
	return appResponse{
		ID:          record.ID,
		AppID:       record.AppID,
		Name:        record.Name,
		Description: record.Description,
		AppURL:      record.AppURL,
		Status:      string(record.Status),
		CreatedAt:   record.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:   record.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// List returns the caller's installed apps.
func (h *AppHandlers) List(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	records, err := h.store.List(r.Context(), claims.Subject)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	responses := make([]appResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, toAppResponse(record))
	}
	writeJSON(w, http.StatusOK, responses)
}

// Install registers a new app for the caller.
func (h *AppHandlers) Install(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var payload appPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if payload.AppID == "" || payload.Name == "" || payload.AppURL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "appId, name and appUrl are required"})
		return
	}
	created, err := h.store.Create(r.Context(), claims.Subject, payload.AppID, payload.Name, payload.Description, payload.AppURL)
	switch {
	case errors.Is(err, ErrDuplicateApp):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "app is already installed"})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid app"})
		h.logger.Warn("app install rejected", zap.Error(err))
	default:
		writeJSON(w, http.StatusCreated, toAppResponse(*created))
	}
}

// Update modifies an installed app's metadata. The {id} path parameter is
// the record id, not the app id.
func (h *AppHandlers) Update(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var payload appPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	err := h.store.Update(r.Context(), claims.Subject, id, payload.Name, payload.Description, payload.AppURL)
	switch {
	case errors.Is(err, ErrAppNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "app not found"})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid app"})
		h.logger.Warn("app update rejected", zap.Error(err))
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Uninstall soft-deletes an installed app. The record survives for audit;
// the app id becomes installable again.
func (h *AppHandlers) Uninstall(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id := chi.URLParam(r, "id")
	err := h.store.SoftDelete(r.Context(), claims.Subject, id)
	switch {
	case errors.Is(err, ErrAppNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "app not found"})
	case err != nil:
		h.internalError(w, r, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *AppHandlers) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("app store request failed",
		zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RegisterEmbeddedRoutes mounts the gateway's HTTP surface on the router:
// the public JWKS document plus the authenticated app management API.
func RegisterEmbeddedRoutes(r chi.Router, issuer *TokenIssuer, verifier *TokenVerifier, store *AppStore, logger Logger) {
	r.Get(JWKSPath, JWKSHandler(issuer))

	handlers := NewAppHandlers(store, logger)
	r.Route("/api/embedded/apps", func(r chi.Router) {
		r.Use(RequireBearerAuth(verifier, logger))
		r.Get("/", handlers.List)
		r.Post("/", handlers.Install)
		r.Put("/{id}", handlers.Update)
		r.Delete("/{id}", handlers.Uninstall)
	})
}
