package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	gooseUp   = "-- +goose Up"
	gooseDown = "-- +goose Down"
)

var migrationFileRe = regexp.MustCompile(`^(\d{14})_([a-z0-9_]+)\.sql$`)

// migrationFile is one parsed <version>_<name>.sql entry.
type migrationFile struct {
	version string
	name    string
	file    string
}

// listMigrations parses every .sql file in dir. Other files are ignored.
func listMigrations(dir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := migrationFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", e.Name())
		}
		files = append(files, migrationFile{version: m[1], name: m[2], file: e.Name()})
	}
	return files, nil
}

// ValidateDir checks that versions and names are unique and that each file
// declares its Up section before its Down section. An empty dir is valid.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}

	files, err := listMigrations(dir)
	if err != nil {
		return err
	}

	versions := map[string]string{}
	names := map[string]string{}
	for _, f := range files {
		if prev, ok := versions[f.version]; ok {
			return fmt.Errorf("duplicate migration version %s in %q and %q", f.version, prev, f.file)
		}
		versions[f.version] = f.file
		if prev, ok := names[f.name]; ok {
			return fmt.Errorf("migration name %q used by %q and %q", f.name, prev, f.file)
		}
		names[f.name] = f.file

		full := filepath.Join(dir, f.file)
		b, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("read file %q: %w", full, err)
		}
		txt := string(b)
		up, down := strings.Index(txt, gooseUp), strings.Index(txt, gooseDown)
		switch {
		case up < 0:
			return fmt.Errorf("migration %q missing %q", f.file, gooseUp)
		case down < 0:
			return fmt.Errorf("migration %q missing %q", f.file, gooseDown)
		case down < up:
			return fmt.Errorf("migration %q declares Down before Up", f.file)
		}
	}
	return nil
}
