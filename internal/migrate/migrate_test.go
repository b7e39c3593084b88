package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLoadOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"mig/0002_second.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE b(id INTEGER)`)},
		"mig/0001_first.sql":  &fstest.MapFile{Data: []byte(`CREATE TABLE a(id INTEGER)`)},
	}

	scripts, err := Load(fsys, "mig")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(scripts) != 2 || scripts[0].Version != 1 || scripts[1].Version != 2 {
		t.Fatalf("unexpected script order: %+v", scripts)
	}
	if scripts[0].Name != "first" || scripts[1].Name != "second" {
		t.Fatalf("unexpected script names: %+v", scripts)
	}
}

func TestLoadRejectsDuplicateVersions(t *testing.T) {
	fsys := fstest.MapFS{
		"mig/0001_a.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE a(id INTEGER)`)},
		"mig/0001_b.sql": &fstest.MapFile{Data: []byte(`CREATE TABLE b(id INTEGER)`)},
	}
	if _, err := Load(fsys, "mig"); err == nil {
		t.Fatal("expected error for duplicate migration versions")
	}
}

func TestApplyRunsOnceAndIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	scripts := []Script{
		{Version: 1, Name: "init", SQL: `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`},
	}

	if err := Apply(context.Background(), db, scripts); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if err := Apply(context.Background(), db, scripts); err != nil {
		t.Fatalf("second Apply (should be a no-op): %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Fatalf("schema_migrations has %d rows, want 1 (re-apply must be a no-op)", count)
	}
}

func TestApplyRunsScriptsInOrder(t *testing.T) {
	db := openTestDB(t)
	scripts := []Script{
		{Version: 1, Name: "create", SQL: `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)`},
		{Version: 2, Name: "seed", SQL: `INSERT INTO widgets (id, name) VALUES (1, 'a')`},
	}
	if err := Apply(context.Background(), db, scripts); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var name string
	if err := db.QueryRow(`SELECT name FROM widgets WHERE id = 1`).Scan(&name); err != nil {
		t.Fatalf("query seeded row: %v", err)
	}
	if name != "a" {
		t.Fatalf("name = %q, want %q", name, "a")
	}
}
