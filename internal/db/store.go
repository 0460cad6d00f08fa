package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/printwatch/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

const (
	ProfileKey     = "karmen_profile"
	PreferencesKey = "karmen_preferences"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMigrated opens the store and applies pending migrations.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) LoadProfile(ctx context.Context) (*model.Profile, error) {
	var profile model.Profile
	if err := s.get(ctx, ProfileKey, &profile); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &profile, nil
}

func (s *Store) SaveProfile(ctx context.Context, profile model.Profile) error {
	return s.put(ctx, ProfileKey, profile)
}

func (s *Store) DropProfile(ctx context.Context) error {
	return s.delete(ctx, ProfileKey)
}

func (s *Store) LoadPreferences(ctx context.Context) (map[string]any, error) {
	prefs := map[string]any{}
	if err := s.get(ctx, PreferencesKey, &prefs); err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[string]any{}, nil
		}
		return nil, err
	}
	return prefs, nil
}

func (s *Store) SavePreferences(ctx context.Context, prefs map[string]any) error {
	if prefs == nil {
		return s.delete(ctx, PreferencesKey)
	}
	return s.put(ctx, PreferencesKey, prefs)
}

// Revision reports how many times key has been written, 0 when absent.
func (s *Store) Revision(ctx context.Context, key string) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM profiles WHERE profile_key = ?`, key).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read revision %s: %w", key, err)
	}
	return rev, nil
}

func (s *Store) get(ctx context.Context, key string, out any) error {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload_json FROM profiles WHERE profile_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO profiles(profile_key, payload_json, updated_at, revision)
VALUES (?, ?, ?, 1)
ON CONFLICT(profile_key) DO UPDATE SET
	payload_json = excluded.payload_json,
	updated_at = excluded.updated_at,
	revision = profiles.revision + 1
`, key, string(payload), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE profile_key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
