package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	ups, err := upMigrationFiles(migrationsDir)
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}

	applied, err := ApplyMigrations(ctx, db, migrationsDir)
	if err != nil {
		t.Fatalf("first up pass: %v", err)
	}
	if applied != len(ups) {
		t.Fatalf("first up pass applied %d of %d migrations", applied, len(ups))
	}
	if again, err := ApplyMigrations(ctx, db, migrationsDir); err != nil || again != 0 {
		t.Fatalf("rerun applied %d, err %v; want 0, nil", again, err)
	}
	assertVersionGuard(ctx, t, db)

	if err := runDownMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("down pass: %v", err)
	}
	var documentsTable sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('public.documents')::text`).Scan(&documentsTable); err != nil {
		t.Fatalf("lookup documents table: %v", err)
	}
	if documentsTable.Valid {
		t.Fatal("documents table survived the down pass")
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("second up pass: %v", err)
	}
	assertVersionGuard(ctx, t, db)
}

func assertVersionGuard(ctx context.Context, t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ('usr_guard', 'guard@example.com', 'Guard', 'x')
		ON CONFLICT (id) DO NOTHING`); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, version) VALUES ('doc_guard', 'usr_guard', 3)
		ON CONFLICT (id) DO UPDATE SET version = 3`); err != nil {
		t.Fatalf("insert document: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE documents SET content = 'patched' WHERE id = 'doc_guard'`); err != nil {
		t.Fatalf("patch without version change: %v", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE documents SET version = 2 WHERE id = 'doc_guard'`); err == nil {
		t.Fatal("expected version guard to reject a decreasing version")
	}
}

func runDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	downs, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	for _, path := range downs {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			if _, err := db.ExecContext(ctx, text); err != nil {
				return err
			}
		}
	}
	return nil
}
