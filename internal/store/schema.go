package store

import (
	"context"
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER PRIMARY KEY,
    applied_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Profiles (multi-installation support), carried from the teacher unchanged.
CREATE TABLE IF NOT EXISTS profiles (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL UNIQUE,
    timezone    TEXT NOT NULL DEFAULT 'UTC',
    is_active   INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS api_servers (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    profile_id  INTEGER NOT NULL UNIQUE REFERENCES profiles(id) ON DELETE CASCADE,
    host        TEXT NOT NULL DEFAULT '0.0.0.0',
    port        INTEGER NOT NULL DEFAULT 8080,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Gateway network/crypto config, one row per profile: PAN id, channel,
-- coordinator EUI64, DDF search path, and scrypt cost parameters (spec §2a
-- Config: these are rows, not environment variables).
CREATE TABLE IF NOT EXISTS gateway_config (
    profile_id      INTEGER PRIMARY KEY REFERENCES profiles(id) ON DELETE CASCADE,
    pan_id          INTEGER NOT NULL DEFAULT 0,
    channel         INTEGER NOT NULL DEFAULT 11,
    coordinator_eui TEXT NOT NULL DEFAULT '',
    ddf_path        TEXT NOT NULL DEFAULT '',
    scrypt_n        INTEGER NOT NULL DEFAULT 1024,
    scrypt_r        INTEGER NOT NULL DEFAULT 8,
    scrypt_p        INTEGER NOT NULL DEFAULT 16
);

-- Alarm-system partitions (spec §4.J/§6 db_store_alarm_system).
CREATE TABLE IF NOT EXISTS alarm_systems (
    id          INTEGER PRIMARY KEY,
    touched_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Alarm-system config/state item snapshots (§6 db_store_alarm_system_resource_item).
CREATE TABLE IF NOT EXISTS alarm_system_items (
    alarm_system_id INTEGER NOT NULL,
    suffix          TEXT NOT NULL,
    value           TEXT NOT NULL,
    updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (alarm_system_id, suffix)
);

-- Alarm device-table entries (§4.K put/erase persistence contract).
CREATE TABLE IF NOT EXISTS alarm_system_devices (
    unique_id       TEXT PRIMARY KEY,
    alarm_system_id INTEGER NOT NULL,
    flags           INTEGER NOT NULL,
    ext_address     INTEGER NOT NULL,
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Scrypt PHC hashes (§6 db_store_secret/db_load_secret).
CREATE TABLE IF NOT EXISTS secrets (
    id          TEXT PRIMARY KEY,
    hash        TEXT NOT NULL,
    state       TEXT NOT NULL DEFAULT '',
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_profiles_active ON profiles(is_active);
CREATE INDEX IF NOT EXISTS idx_alarm_devices_system ON alarm_system_devices(alarm_system_id);
`

// Migrate brings the schema up to currentSchemaVersion.
func (s *Store) Migrate(ctx context.Context) error {
	version, err := s.getSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("store: schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}
	if version < 1 {
		if err := s.applySchemaV1(ctx); err != nil {
			return fmt.Errorf("store: apply schema v1: %w", err)
		}
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var count int
	err := s.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&count)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	var version int
	err = s.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	return version, err
}

func (s *Store) applySchemaV1(ctx context.Context) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// SchemaVersion returns the current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return s.getSchemaVersion(ctx)
}
