// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// AppStatus is the lifecycle marker of an app record. Records are soft
// deleted, never removed, so uninstalled entries stay for audit.
type AppStatus string

// App record statuses.
const (
	AppStatusInstalled   AppStatus = "installed"
	AppStatusUninstalled AppStatus = "uninstalled"
)

// AppRecord is a registered embeddable application. The origin of AppURL is
// the trust anchor for all message validation concerning this app.
type AppRecord struct {
	ID          string
	AppID       string
	Name        string
	Description string
	AppURL      string
	Status      AppStatus
	// OwnerUserID is empty for shared marketplace records.
	OwnerUserID string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Origin returns the origin (scheme://host[:port]) of the app's configured
// URL.
func (r *AppRecord) Origin() (string, error) {
	u, err := url.Parse(r.AppURL)
	if err != nil {
		return "", fmt.Errorf("parse app url %q: %w", r.AppURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("app url %q has no origin", r.AppURL)
	}
	return u.Scheme + "://" + u.Host, nil
}

const appStoreSchema = `
CREATE TABLE IF NOT EXISTS user_apps (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	app_id      TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	app_url     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'installed',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS user_apps_installed_unique
	ON user_apps (user_id, app_id) WHERE status = 'installed';
`

// AppStore persists user-installed app records in sqlite. Mutations are
// owner-scoped; deletion is a status flip to uninstalled.
type AppStore struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenAppStore opens (creating if needed) the sqlite database at path and
// prepares the schema. Use ":memory:" for an ephemeral store.
func OpenAppStore(path string) (*AppStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open app store: %w", err)
	}
	store, err := NewAppStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewAppStore wraps an existing database handle and prepares the schema.
func NewAppStore(db *sql.DB) (*AppStore, error) {
	if _, err := db.Exec(appStoreSchema); err != nil {
		return nil, fmt.Errorf("prepare app store schema: %w", err)
	}
	return &AppStore{db: db, clock: time.Now}, nil
}

// Close closes the underlying database.
func (s *AppStore) Close() error {
	return s.db.Close()
}

// Create installs a new app for userID. A second installed record with the
// same app id for the same owner fails with ErrDuplicateApp; re-adding
// after a soft delete succeeds.
func (s *AppStore) Create(ctx context.Context, userID, appID, name, description, appURL string) (*AppRecord, error) {
	if userID == "" || appID == "" {
		return nil, errors.New("create app: user id and app id are required")
	}
	if _, err := url.ParseRequestURI(appURL); err != nil {
		return nil, fmt.Errorf("create app: invalid app url: %w", err)
	}

	now := s.clock().UTC()
	record := &AppRecord{
		ID:          uuid.NewString(),
		AppID:       appID,
		Name:        name,
		Description: description,
		AppURL:      appURL,
		Status:      AppStatusInstalled,
		OwnerUserID: userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_apps (id, user_id, app_id, name, description, app_url, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, userID, appID, name, description, appURL,
		string(AppStatusInstalled), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateApp
		}
		return nil, fmt.Errorf("create app: %w", err)
	}
	return record, nil
}

// isUniqueViolation detects the sqlite unique-constraint error without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// List returns the owner's installed apps.
func (s *AppStore) List(ctx context.Context, userID string) ([]AppRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, app_id, name, description, app_url, status, created_at, updated_at
		 FROM user_apps WHERE user_id = ? AND status = ? ORDER BY created_at`,
		userID, string(AppStatusInstalled),
	)
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	defer rows.Close()

	var records []AppRecord
	for rows.Next() {
		record, err := scanAppRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// Update mutates an owner's record and refreshes updated_at. Records that do
// not exist or belong to another user fail with ErrAppNotFound.
func (s *AppStore) Update(ctx context.Context, userID, id, name, description, appURL string) error {
	if _, err := url.ParseRequestURI(appURL); err != nil {
		return fmt.Errorf("update app: invalid app url: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE user_apps SET name = ?, description = ?, app_url = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		name, description, appURL, s.clock().UTC().UnixMilli(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("update app: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update app: %w", err)
	}
	if affected == 0 {
		return ErrAppNotFound
	}
	return nil
}

// SoftDelete flips an owner's record to uninstalled, excluding it from
// resolution while keeping it for audit.
func (s *AppStore) SoftDelete(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE user_apps SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		string(AppStatusUninstalled), s.clock().UTC().UnixMilli(), id, userID,
	)
	if err != nil {
		return fmt.Errorf("uninstall app: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("uninstall app: %w", err)
	}
	if affected == 0 {
		return ErrAppNotFound
	}
	return nil
}

// GetInstalled returns the owner's installed record with the given app id,
// or nil when none exists.
func (s *AppStore) GetInstalled(ctx context.Context, userID, appID string) (*AppRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, app_id, name, description, app_url, status, created_at, updated_at
		 FROM user_apps WHERE user_id = ? AND app_id = ? AND status = ?`,
		userID, appID, string(AppStatusInstalled),
	)
	record, err := scanAppRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// GetInstalledByOrigin returns the owner's installed record whose app URL
// has the given origin, or nil when none matches. Origin-based lookup exists
// because inbound messages reliably carry an origin, not an app id, in some
// flows.
func (s *AppStore) GetInstalledByOrigin(ctx context.Context, userID, origin string) (*AppRecord, error) {
	records, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		recordOrigin, err := records[i].Origin()
		if err != nil {
			continue
		}
		if recordOrigin == origin {
			return &records[i], nil
		}
	}
	return nil, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAppRecord(row rowScanner) (*AppRecord, error) {
	var record AppRecord
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&record.ID, &record.OwnerUserID, &record.AppID, &record.Name,
		&record.Description, &record.AppURL, &status, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan app record: %w", err)
	}
	record.Status = AppStatus(status)
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &record, nil
}
