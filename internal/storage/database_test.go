package storage

import (
	"testing"

	"visionchat/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{
		"sqlite3": {DSN: ":memory:"},
	}}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// migrations are idempotent
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate twice: %v", err)
	}
	for _, table := range []string{"exchanges", "ephemeral_images"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestOpenUnknownDatabase(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{}}
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatalf("expected error for unconfigured database")
	}
}
