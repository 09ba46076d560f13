// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"sync"
)

// Marketplace is the shared registry of embeddable apps available to every
// user. Entries have no owner.
type Marketplace struct {
	mu   sync.RWMutex
	apps map[string]AppRecord
}

// NewMarketplace creates an empty marketplace registry.
func NewMarketplace() *Marketplace {
	return &Marketplace{apps: make(map[string]AppRecord)}
}

// Register adds or replaces a marketplace entry. The owner field is cleared:
// marketplace records are shared by definition.
func (m *Marketplace) Register(record AppRecord) {
	record.OwnerUserID = ""
	record.Status = AppStatusInstalled
	m.mu.Lock()
	m.apps[record.AppID] = record
	m.mu.Unlock()
}

// Get returns the marketplace entry with the given app id, or nil.
func (m *Marketplace) Get(appID string) *AppRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if record, ok := m.apps[appID]; ok {
		return &record
	}
	return nil
}

// GetByOrigin returns the marketplace entry whose app URL has the given
// origin, or nil.
func (m *Marketplace) GetByOrigin(origin string) *AppRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.apps {
		recordOrigin, err := record.Origin()
		if err != nil {
			continue
		}
		if recordOrigin == origin {
			return &record
		}
	}
	return nil
}

// AppResolver maps an app identifier or origin to a registered app record.
// User-owned installed records shadow marketplace records with the same id.
// Read-only; returns nil (not an error) when nothing matches, so callers
// decide whether that is fatal.
type AppResolver struct {
	store       *AppStore
	marketplace *Marketplace
}

// NewAppResolver creates a resolver over the user app store and the shared
// marketplace. Either may be nil, narrowing the lookup to the other.
func NewAppResolver(store *AppStore, marketplace *Marketplace) *AppResolver {
	return &AppResolver{store: store, marketplace: marketplace}
}

// ResolveByID looks up an app by its id: the user's installed record first,
// then the marketplace.
func (r *AppResolver) ResolveByID(ctx context.Context, appID, userID string) (*AppRecord, error) {
	if r.store != nil && userID != "" {
		record, err := r.store.GetInstalled(ctx, userID, appID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}
	if r.marketplace != nil {
		return r.marketplace.Get(appID), nil
	}
	return nil, nil
}

// ResolveByOrigin looks up an app by the origin of its configured URL, user
// records first.
func (r *AppResolver) ResolveByOrigin(ctx context.Context, origin, userID string) (*AppRecord, error) {
	if r.store != nil && userID != "" {
		record, err := r.store.GetInstalledByOrigin(ctx, userID, origin)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}
	if r.marketplace != nil {
		return r.marketplace.GetByOrigin(origin), nil
	}
	return nil, nil
}
