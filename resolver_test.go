// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverUserRecordShadowsMarketplace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	marketplace := NewMarketplace()
	marketplace.Register(AppRecord{
		AppID:  "todo-app",
		Name:   "Todo (marketplace)",
		AppURL: "https://todo.example",
	})

	_, err := store.Create(ctx, "user-1", "todo-app", "Todo (mine)", "", "https://my-todo.example")
	require.NoError(t, err)

	resolver := NewAppResolver(store, marketplace)

	// The user's installed record wins over the marketplace entry.
	record, err := resolver.ResolveByID(ctx, "todo-app", "user-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "Todo (mine)", record.Name)
	assert.Equal(t, "https://my-todo.example", record.AppURL)

	// A user without an installed record falls back to the marketplace.
	record, err = resolver.ResolveByID(ctx, "todo-app", "user-2")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "Todo (marketplace)", record.Name)
}

func TestResolverUnknownAppIsNilNotError(t *testing.T) {
	resolver := NewAppResolver(newTestStore(t), NewMarketplace())

	record, err := resolver.ResolveByID(context.Background(), "no-such-app", "user-1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestResolverByOrigin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	marketplace := NewMarketplace()
	marketplace.Register(AppRecord{AppID: "notes-app", AppURL: "https://notes.example"})

	_, err := store.Create(ctx, "user-1", "todo-app", "Todo", "", "https://todo.example/app")
	require.NoError(t, err)

	resolver := NewAppResolver(store, marketplace)

	record, err := resolver.ResolveByOrigin(ctx, "https://todo.example", "user-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "todo-app", record.AppID)

	record, err = resolver.ResolveByOrigin(ctx, "https://notes.example", "user-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "notes-app", record.AppID)

	record, err = resolver.ResolveByOrigin(ctx, "https://evil.example", "user-1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestMarketplaceRegisterClearsOwner(t *testing.T) {
	marketplace := NewMarketplace()
	marketplace.Register(AppRecord{AppID: "todo-app", AppURL: "https://todo.example", OwnerUserID: "user-1"})

	record := marketplace.Get("todo-app")
	require.NotNil(t, record)
	assert.Empty(t, record.OwnerUserID)
}

func TestResolverSoftDeletedRecordFallsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	marketplace := NewMarketplace()
	marketplace.Register(AppRecord{AppID: "todo-app", Name: "Todo (marketplace)", AppURL: "https://todo.example"})

	created, err := store.Create(ctx, "user-1", "todo-app", "Todo (mine)", "", "https://my-todo.example")
	require.NoError(t, err)
	require.NoError(t, store.SoftDelete(ctx, "user-1", created.ID))

	resolver := NewAppResolver(store, marketplace)

	// After uninstall the marketplace entry is visible again.
	record, err := resolver.ResolveByID(ctx, "todo-app", "user-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "Todo (marketplace)", record.Name)
}
