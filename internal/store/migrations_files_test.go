package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func migrationsDir() string {
	return filepath.Join("..", "..", "db", "migrations")
}

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir())
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestLoadMigrationsPairsAndOrders(t *testing.T) {
	migrations, err := LoadMigrations(os.DirFS(migrationsDir()))
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected migrations")
	}
	for i, m := range migrations {
		if strings.TrimSpace(m.Up) == "" || strings.TrimSpace(m.Down) == "" {
			t.Fatalf("migration %s is missing a direction", m.Version)
		}
		if i > 0 && migrations[i-1].Version >= m.Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, m.Version)
		}
	}
	if migrations[0].Version != "0001_init" {
		t.Fatalf("first migration = %s", migrations[0].Version)
	}
}

func TestInitMigrationDefinesBoardAndNoteTables(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join(migrationsDir(), "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read init migration: %v", err)
	}
	sqlText := string(contents)

	for _, want := range []string{
		"CREATE TABLE profiles",
		"CREATE TABLE groups",
		"CREATE TABLE performance_props",
		"UNIQUE (performance_id, act_number, scene_number)",
		"content JSONB NOT NULL",
		"CREATE TABLE note_mentions",
	} {
		if !strings.Contains(sqlText, want) {
			t.Fatalf("init migration missing %q", want)
		}
	}

	// Every table PatchRow can write must exist with an updated_at column.
	for table, columns := range patchableColumns {
		if !strings.Contains(sqlText, "CREATE TABLE "+table+" (") {
			t.Fatalf("patchable table %s not created", table)
		}
		for column := range columns {
			if !strings.Contains(sqlText, "\t"+column+" ") {
				t.Fatalf("patchable column %s.%s not declared", table, column)
			}
		}
	}
}

func TestCoercePatchValues(t *testing.T) {
	cases := []struct {
		name string
		kind columnKind
		in   any
		want any
		err  bool
	}{
		{name: "json float to int", kind: kindInt, in: float64(3), want: int64(3)},
		{name: "fractional float rejected", kind: kindInt, in: 1.5, err: true},
		{name: "numeric string", kind: kindInt, in: "7", want: int64(7)},
		{name: "nil nullable", kind: kindNullableText, in: nil, want: nil},
		{name: "empty nullable", kind: kindNullableText, in: "", want: nil},
		{name: "text", kind: kindText, in: "Prop", want: "Prop"},
		{name: "nil text rejected", kind: kindText, in: nil, err: true},
		{name: "bool", kind: kindBool, in: true, want: true},
		{name: "bool from string rejected", kind: kindBool, in: "true", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coerce(tc.kind, tc.in)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("coerce: %v", err)
			}
			if got != tc.want {
				t.Fatalf("coerce = %#v, want %#v", got, tc.want)
			}
		})
	}
}
