package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/angelmondragon/storefront-funnel/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestProductsMigrationContainsSchema(t *testing.T) {
	content := readMigration(t, "create_products_table")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS products",
		"id BIGINT PRIMARY KEY",
		"price NUMERIC(10,2) NOT NULL",
		"rating NUMERIC(3,2) NOT NULL",
		"rating_count INTEGER NOT NULL DEFAULT 0",
		"DROP TABLE IF EXISTS products",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestEventsMigrationContainsSchemaAndIndexes(t *testing.T) {
	content := readMigration(t, "create_events_table")

	checks := []string{
		"CREATE TABLE IF NOT EXISTS events",
		"event_id TEXT PRIMARY KEY",
		"event_date TIMESTAMPTZ NOT NULL",
		"revenue NUMERIC(12,2)",
		"events_revenue_only_on_purchase",
		"CREATE INDEX IF NOT EXISTS idx_events_date ON events (event_date)",
		"CREATE INDEX IF NOT EXISTS idx_events_user ON events (user_id)",
		"CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type)",
		"CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id)",
		"DROP TABLE IF EXISTS events",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestValidateDirAcceptsShippedMigrations(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateDirRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_init.sql"), []byte("-- +goose Up\n-- +goose Down\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected invalid filename to be rejected")
	}
}

func TestCreateSQLMigrationWritesTemplate(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 15, 9, 30, 5, 0, time.FixedZone("EST", -5*3600))
	path, err := migrate.CreateSQLMigration(dir, "Add Events Source!", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if filepath.Base(path) != "20261015143005_add_events_source.sql" {
		t.Fatalf("unexpected filename %q", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("created migration should validate: %v", err)
	}
}

func TestCreateSQLMigrationRejectsReusedName(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	if _, err := migrate.CreateSQLMigration(dir, "add_city_index", now); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := migrate.CreateSQLMigration(dir, "Add City Index", now.Add(time.Hour)); err == nil {
		t.Fatal("expected reused name to be rejected")
	}
}

func TestValidateDirRejectsDownBeforeUp(t *testing.T) {
	dir := t.TempDir()
	body := []byte("-- +goose Down\nDROP TABLE x;\n-- +goose Up\nCREATE TABLE x (id INT);\n")
	if err := os.WriteFile(filepath.Join(dir, "20260101000000_x.sql"), body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := migrate.ValidateDir(dir); err == nil {
		t.Fatal("expected Down before Up to be rejected")
	}
}
