// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *AppStore {
	t.Helper()
	store, err := OpenAppStore(filepath.Join(t.TempDir(), "apps.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppStoreCreateAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "user-1", "todo-app", "Todo", "a todo list", "https://todo.example/app")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, AppStatusInstalled, created.Status)

	records, err := store.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "todo-app", records[0].AppID)
	assert.Equal(t, "https://todo.example/app", records[0].AppURL)

	// Another user sees nothing.
	records, err = store.List(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestAppStoreDuplicateInstall(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "user-1", "todo-app", "Todo", "", "https://todo.example")
	require.NoError(t, err)

	_, err = store.Create(ctx, "user-1", "todo-app", "Todo again", "", "https://todo.example")
	assert.ErrorIs(t, err, ErrDuplicateApp)

	// A different user may install the same app id.
	_, err = store.Create(ctx, "user-2", "todo-app", "Todo", "", "https://todo.example")
	assert.NoError(t, err)
}

func TestAppStoreReinstallAfterSoftDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "user-1", "todo-app", "Todo", "", "https://todo.example")
	require.NoError(t, err)

	require.NoError(t, store.SoftDelete(ctx, "user-1", created.ID))

	// The uninstalled row stays but is excluded from resolution.
	record, err := store.GetInstalled(ctx, "user-1", "todo-app")
	require.NoError(t, err)
	assert.Nil(t, record)

	// The partial unique index only covers installed rows, so a fresh
	// install of the same app id succeeds.
	_, err = store.Create(ctx, "user-1", "todo-app", "Todo", "", "https://todo.example")
	assert.NoError(t, err)
}

func TestAppStoreUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "user-1", "todo-app", "Todo", "", "https://todo.example")
	require.NoError(t, err)

	err = store.Update(ctx, "user-1", created.ID, "Todo v2", "now with labels", "https://todo-v2.example")
	require.NoError(t, err)

	record, err := store.GetInstalled(ctx, "user-1", "todo-app")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "Todo v2", record.Name)
	assert.Equal(t, "https://todo-v2.example", record.AppURL)
}

func TestAppStoreUpdateScopedToOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, "user-1", "todo-app", "Todo", "", "https://todo.example")
	require.NoError(t, err)

	err = store.Update(ctx, "user-2", created.ID, "hijacked", "", "https://evil.example")
	assert.ErrorIs(t, err, ErrAppNotFound)

	err = store.SoftDelete(ctx, "user-2", created.ID)
	assert.ErrorIs(t, err, ErrAppNotFound)
}

func TestAppStoreGetInstalledByOrigin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "user-1", "todo-app", "Todo", "", "https://todo.example:8443/app/index.html")
	require.NoError(t, err)

	record, err := store.GetInstalledByOrigin(ctx, "user-1", "https://todo.example:8443")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "todo-app", record.AppID)

	record, err = store.GetInstalledByOrigin(ctx, "user-1", "https://other.example")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestAppRecordOrigin(t *testing.T) {
	record := AppRecord{AppURL: "https://todo.example:8443/deep/path?x=1"}
	origin, err := record.Origin()
	require.NoError(t, err)
	assert.Equal(t, "https://todo.example:8443", origin)

	record = AppRecord{AppURL: "::bad::"}
	_, err = record.Origin()
	assert.Error(t, err)
}
