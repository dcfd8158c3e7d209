package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

// Migration is one versioned schema change read from a migrations tree.
type Migration struct {
	Version string
	Up      string
	Down    string
}

// LoadMigrations reads paired NNNN_name.up.sql / .down.sql files from the
// root of fsys, ordered by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := map[string]*Migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var version, direction string
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			version, direction = strings.TrimSuffix(name, ".up.sql"), "up"
		case strings.HasSuffix(name, ".down.sql"):
			version, direction = strings.TrimSuffix(name, ".down.sql"), "down"
		default:
			continue
		}
		contents, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if direction == "up" {
			m.Up = string(contents)
		} else {
			m.Down = string(contents)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ApplyMigrations runs every up migration not yet recorded in
// schema_migrations, each in its own transaction. It returns the versions
// it applied.
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}

	applied := make([]string, 0)
	for _, m := range migrations {
		if strings.TrimSpace(m.Up) == "" {
			continue
		}
		migrated, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return applied, err
		}
		if migrated {
			continue
		}
		if err := runInTx(ctx, db, m.Version, m.Up, `INSERT INTO schema_migrations(version) VALUES($1)`); err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
	}
	return applied, nil
}

// RollbackMigrations undoes the newest steps applied migrations.
func RollbackMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, steps int) ([]string, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}

	rolledBack := make([]string, 0, steps)
	for i := len(migrations) - 1; i >= 0 && len(rolledBack) < steps; i-- {
		m := migrations[i]
		migrated, err := isMigrated(ctx, db, m.Version)
		if err != nil {
			return rolledBack, err
		}
		if !migrated {
			continue
		}
		if strings.TrimSpace(m.Down) == "" {
			return rolledBack, fmt.Errorf("migration %s has no down file", m.Version)
		}
		if err := runInTx(ctx, db, m.Version, m.Down, `DELETE FROM schema_migrations WHERE version=$1`); err != nil {
			return rolledBack, err
		}
		rolledBack = append(rolledBack, m.Version)
	}
	return rolledBack, nil
}

func runInTx(ctx context.Context, db *sql.DB, version, script, record string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration %s: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, record, version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", version, err)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
