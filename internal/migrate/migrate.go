// Package migrate applies versioned SQL scripts to a database in order,
// tracking the applied set in a schema_migrations table (spec §6 "A
// migration system applies versioned SQL scripts in order on startup; the
// current-version marker is stored in the DB"). No migration framework
// appears anywhere in the retrieved reference code, so this is hand-built
// directly on database/sql and embed.FS rather than pulled in from a
// library.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Script is one versioned migration: Version must be unique and scripts
// run in ascending Version order.
type Script struct {
	Version int
	Name    string
	SQL     string
}

// Load reads every *.sql file directly under dir in an embedded
// filesystem into Scripts, deriving each script's version from a leading
// "NNNN_" filename prefix (e.g. "0002_add_index.sql" -> version 2).
func Load(fsys fs.FS, dir string) ([]Script, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %q: %w", dir, err)
	}

	scripts := make([]Script, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, name, err := parseFilename(e.Name())
		if err != nil {
			return nil, fmt.Errorf("migration %q: %w", e.Name(), err)
		}
		raw, err := fs.ReadFile(fsys, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", e.Name(), err)
		}
		scripts = append(scripts, Script{Version: version, Name: name, SQL: string(raw)})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Version < scripts[j].Version })
	for i := 1; i < len(scripts); i++ {
		if scripts[i].Version == scripts[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d (%s, %s)", scripts[i].Version, scripts[i-1].Name, scripts[i].Name)
		}
	}
	return scripts, nil
}

func parseFilename(name string) (int, string, error) {
	base := strings.TrimSuffix(name, ".sql")
	idx := strings.IndexByte(base, '_')
	if idx <= 0 {
		return 0, "", fmt.Errorf("expected \"NNNN_name.sql\", got %q", name)
	}
	var version int
	if _, err := fmt.Sscanf(base[:idx], "%d", &version); err != nil {
		return 0, "", fmt.Errorf("parse version prefix: %w", err)
	}
	return version, base[idx+1:], nil
}

// Apply runs every script in scripts whose version is not already
// recorded in schema_migrations, each inside its own transaction,
// recording the version on success before moving to the next script.
func Apply(ctx context.Context, db *sql.DB, scripts []Script) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at INTEGER NOT NULL DEFAULT (unixepoch())
)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied := make(map[int]struct{})
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations row: %w", err)
		}
		applied[v] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate schema_migrations: %w", err)
	}
	rows.Close()

	for _, s := range scripts {
		if _, ok := applied[s.Version]; ok {
			continue
		}
		if err := applyOne(ctx, db, s); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", s.Version, s.Name, err)
		}
	}
	return nil
}

func applyOne(ctx context.Context, db *sql.DB, s Script) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
		return fmt.Errorf("execute script: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, s.Version, s.Name); err != nil {
		return fmt.Errorf("record migration version: %w", err)
	}
	return tx.Commit()
}
