package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"PerpVenue/internal/persistence"
)

// PostgresDSN returns the integration-test Postgres DSN, skipping the test
// when VENUE_TEST_PG_DSN is unset. A set-but-unreachable database fails
// instead: explicit opt-in should never silently pass.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VENUE_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("set VENUE_TEST_PG_DSN to run database tests")
	}
	return dsn
}

// NATSURL returns the integration-test NATS URL, skipping the test when
// VENUE_TEST_NATS_URL is unset.
func NATSURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("VENUE_TEST_NATS_URL")
	if url == "" {
		t.Skip("set VENUE_TEST_NATS_URL to run NATS tests")
	}
	return url
}

// SetupVenueDB opens the test database, applies all migrations, and
// truncates every venue and projection table so the test starts clean.
// The connection closes via t.Cleanup.
func SetupVenueDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", PostgresDSN(t))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping test db: %v", err)
	}

	if err := persistence.NewMigrator(db, MigrationsDir(t)).Up(ctx); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	TruncateAll(t, db)
	return db
}

// TruncateAll empties every table in the venue and projections schemas.
// The table list comes from the catalog, so new migrations need no edits
// here.
func TruncateAll(t *testing.T, db *sql.DB) {
	t.Helper()

	rows, err := db.Query(`
		SELECT schemaname, tablename FROM pg_tables
		WHERE schemaname IN ('venue', 'projections')
	`)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var schema, table string
		if err := rows.Scan(&schema, &table); err != nil {
			t.Fatalf("scan table name: %v", err)
		}
		tables = append(tables, fmt.Sprintf("%s.%s", schema, table))
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("list tables: %v", err)
	}

	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table)); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

// MigrationsDir locates the repository's migrations directory from the
// package directory tests run in.
func MigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found above test directory")
			return ""
		}
		dir = parent
	}
}
