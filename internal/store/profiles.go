package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrProfileNotFound = errors.New("store: profile not found")

// Profile is a configuration profile (multi-installation support), carried
// from the teacher's db.Profile unchanged.
type Profile struct {
	ID        int64
	Name      string
	Timezone  string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProfileStore provides profile CRUD operations.
type ProfileStore interface {
	Get(ctx context.Context, id int64) (*Profile, error)
	GetActive(ctx context.Context) (*Profile, error)
	List(ctx context.Context) ([]*Profile, error)
	Create(ctx context.Context, p *Profile) error
	SetActive(ctx context.Context, id int64) error
}

// Profiles returns a ProfileStore for this database.
func (s *Store) Profiles() ProfileStore { return &profileStore{s: s} }

type profileStore struct{ s *Store }

func (p *profileStore) Get(ctx context.Context, id int64) (*Profile, error) {
	return p.scanOne(ctx, `
		SELECT id, name, timezone, is_active, created_at, updated_at
		FROM profiles WHERE id = ?
	`, id)
}

func (p *profileStore) GetActive(ctx context.Context) (*Profile, error) {
	return p.scanOne(ctx, `
		SELECT id, name, timezone, is_active, created_at, updated_at
		FROM profiles WHERE is_active = 1 LIMIT 1
	`)
}

func (p *profileStore) scanOne(ctx context.Context, query string, args ...any) (*Profile, error) {
	row := &Profile{}
	var createdAt, updatedAt string
	err := p.s.QueryRowContext(ctx, query, args...).Scan(&row.ID, &row.Name, &row.Timezone, &row.IsActive, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	row.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	row.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return row, nil
}

func (p *profileStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := p.s.QueryContext(ctx, `
		SELECT id, name, timezone, is_active, created_at, updated_at
		FROM profiles ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		row := &Profile{}
		var createdAt, updatedAt string
		if err := rows.Scan(&row.ID, &row.Name, &row.Timezone, &row.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		row.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		row.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *profileStore) Create(ctx context.Context, row *Profile) error {
	result, err := p.s.ExecContext(ctx, `
		INSERT INTO profiles (name, timezone, is_active) VALUES (?, ?, ?)
	`, row.Name, row.Timezone, row.IsActive)
	if err != nil {
		return fmt.Errorf("store: create profile: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	row.ID = id
	return nil
}

func (p *profileStore) SetActive(ctx context.Context, id int64) error {
	return p.s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE profiles SET is_active = 0`); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `UPDATE profiles SET is_active = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrProfileNotFound
		}
		return nil
	})
}
