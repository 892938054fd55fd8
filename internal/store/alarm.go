package store

import (
	"context"
	"database/sql"
	"fmt"
)

// StoreAlarmSystem records that partition id was touched, matching
// db_store_alarm_system(id, ts). Satisfies internal/alarm.ItemStore.
func (s *Store) StoreAlarmSystem(id uint8) error {
	_, err := s.ExecContext(context.Background(), `
		INSERT INTO alarm_systems (id, touched_at) VALUES (?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET touched_at = excluded.touched_at
	`, id)
	if err != nil {
		return fmt.Errorf("store: store alarm system: %w", err)
	}
	return nil
}

// StoreAlarmSystemResourceItem persists one config/state item of partition
// id, matching db_store_alarm_system_resource_item. Satisfies
// internal/alarm.ItemStore.
func (s *Store) StoreAlarmSystemResourceItem(id uint8, suffix, value string) error {
	_, err := s.ExecContext(context.Background(), `
		INSERT INTO alarm_system_items (alarm_system_id, suffix, value, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(alarm_system_id, suffix) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, id, suffix, value)
	if err != nil {
		return fmt.Errorf("store: store alarm system item: %w", err)
	}
	return nil
}

// LoadAlarmSystemResourceItems returns id's persisted items as suffix ->
// value, matching db_load_alarm_system_resource_items.
func (s *Store) LoadAlarmSystemResourceItems(id uint8) (map[string]string, error) {
	rows, err := s.QueryContext(context.Background(), `
		SELECT suffix, value FROM alarm_system_items WHERE alarm_system_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: load alarm system items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var suffix, value string
		if err := rows.Scan(&suffix, &value); err != nil {
			return nil, err
		}
		out[suffix] = value
	}
	return out, rows.Err()
}

// StoreAlarmSystemDevice inserts or replaces one device-table entry,
// matching db_store_alarm_system_device. Satisfies internal/alarm.Persister.
func (s *Store) StoreAlarmSystemDevice(uniqueID string, alarmSystemID uint8, flags uint32, extAddress uint64) error {
	_, err := s.ExecContext(context.Background(), `
		INSERT INTO alarm_system_devices (unique_id, alarm_system_id, flags, ext_address, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(unique_id) DO UPDATE SET
			alarm_system_id = excluded.alarm_system_id,
			flags = excluded.flags,
			ext_address = excluded.ext_address,
			updated_at = excluded.updated_at
	`, uniqueID, alarmSystemID, flags, extAddress)
	if err != nil {
		return fmt.Errorf("store: store alarm system device: %w", err)
	}
	return nil
}

// DeleteAlarmSystemDevice removes uniqueID's persisted entry, matching the
// delete half of §4.K's erase contract. Satisfies internal/alarm.Persister.
func (s *Store) DeleteAlarmSystemDevice(uniqueID string) error {
	_, err := s.ExecContext(context.Background(), `DELETE FROM alarm_system_devices WHERE unique_id = ?`, uniqueID)
	if err != nil {
		return fmt.Errorf("store: delete alarm system device: %w", err)
	}
	return nil
}

// PersistedDevice is one row loaded back by LoadAlarmSystemDevices, shaped
// for internal/alarm.DeviceTable.Reset-by-Put hydration.
type PersistedDevice struct {
	UniqueID      string
	AlarmSystemID uint8
	Flags         uint32
	ExtAddress    uint64
}

// LoadAlarmSystemDevices returns every persisted device-table entry,
// matching db_load_alarm_system_devices.
func (s *Store) LoadAlarmSystemDevices() ([]PersistedDevice, error) {
	rows, err := s.QueryContext(context.Background(), `
		SELECT unique_id, alarm_system_id, flags, ext_address FROM alarm_system_devices
	`)
	if err != nil {
		return nil, fmt.Errorf("store: load alarm system devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PersistedDevice
	for rows.Next() {
		var d PersistedDevice
		if err := rows.Scan(&d.UniqueID, &d.AlarmSystemID, &d.Flags, &d.ExtAddress); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StoreSecret persists a scrypt PHC hash under id, matching
// db_store_secret(uniqueId, hash, state). Satisfies
// internal/alarm.SecretStore.
func (s *Store) StoreSecret(id, hash, state string) error {
	_, err := s.ExecContext(context.Background(), `
		INSERT INTO secrets (id, hash, state, updated_at) VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET hash = excluded.hash, state = excluded.state, updated_at = excluded.updated_at
	`, id, hash, state)
	if err != nil {
		return fmt.Errorf("store: store secret: %w", err)
	}
	return nil
}

// LoadSecret loads id's hash and state, matching db_load_secret(uniqueId).
// Satisfies internal/alarm.SecretStore.
func (s *Store) LoadSecret(id string) (hash string, state string, ok bool, err error) {
	err = s.QueryRowContext(context.Background(), `
		SELECT hash, state FROM secrets WHERE id = ?
	`, id).Scan(&hash, &state)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("store: load secret: %w", err)
	}
	return hash, state, true, nil
}
