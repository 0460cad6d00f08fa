package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db, ctx
}

func TestApplyAndRollbackMigrations(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// second run is a no-op
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	var name string
	if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'profiles'`).Scan(&name); err != nil {
		t.Fatalf("expected profiles table: %v", err)
	}
	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != len(migrations) {
		t.Fatalf("expected %d applied migrations, got %d", len(migrations), applied)
	}

	if err := RollbackAll(ctx, db); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'profiles'`).Scan(&count); err != nil {
		t.Fatalf("count profiles table: %v", err)
	}
	if count != 0 {
		t.Fatalf("profiles table still exists after rollback")
	}
}

func TestProfilesConstraints(t *testing.T) {
	db, ctx := openTempDB(t)
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.ExecContext(ctx, `INSERT INTO profiles(profile_key, payload_json, updated_at) VALUES('karmen_profile', '{"identity":"u1"}', ?)`, now); err != nil {
		t.Fatalf("insert profile: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO profiles(profile_key, payload_json, updated_at) VALUES('broken', '{"identity":', ?)`, now); err == nil {
		t.Fatalf("expected json_valid check failure")
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO profiles(profile_key, payload_json, updated_at) VALUES('', '{}', ?)`, now); err == nil {
		t.Fatalf("expected empty key check failure")
	}
}
