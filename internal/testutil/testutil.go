// Package testutil provides shared helpers for integration tests that need a
// real PostgreSQL database.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver

	"github.com/winpackhq/winpack/internal/migrate"
)

// TestDBConfig holds the connection settings for the integration test database.
type TestDBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// DefaultTestDBConfig reads TEST_DB_* environment variables, falling back to
// the docker-compose defaults.
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Host:     getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:     getEnvOrDefault("TEST_DB_PORT", "55432"),
		User:     getEnvOrDefault("TEST_DB_USER", "winpack"),
		Password: getEnvOrDefault("TEST_DB_PASSWORD", "winpack"),
		DBName:   getEnvOrDefault("TEST_DB_NAME", "winpack"),
	}
}

// DSN renders the config as a postgres connection string.
func (c TestDBConfig) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	return u.String()
}

// TestingTB is the subset of testing.TB the helpers need.
type TestingTB interface {
	Helper()
	Skip(args ...any)
	Skipf(format string, args ...any)
	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
}

// SkipIfNoTestDB skips the test when the integration database is unreachable.
// Set TEST_REQUIRE_DB=1 (or TEST_REQUIRE_INFRA=1) to fail instead of skipping,
// for CI environments where the database is expected to be up.
func SkipIfNoTestDB(tb TestingTB) {
	tb.Helper()

	cfg := DefaultTestDBConfig()
	db, err := sql.Open("pgx", cfg.DSN())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = db.PingContext(ctx)
		_ = db.Close()
	}
	if err == nil {
		return
	}

	if envBool("TEST_REQUIRE_DB") || envBool("TEST_REQUIRE_INFRA") {
		tb.Fatalf("test database required but unreachable at %s:%s: %v", cfg.Host, cfg.Port, err)
	}
	tb.Skipf("test database unreachable at %s:%s: %v (set TEST_REQUIRE_DB=1 to fail instead)", cfg.Host, cfg.Port, err)
}

// SetupTestDB opens the integration database, applies migrations, and clears
// all tables so the test starts from a known-empty state.
func SetupTestDB(tb TestingTB) *sql.DB {
	tb.Helper()

	cfg := DefaultTestDBConfig()
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		tb.Fatalf("open test database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		tb.Fatalf("ping test database: %v", err)
	}

	if err := migrate.Run(context.Background(), db); err != nil {
		_ = db.Close()
		tb.Fatalf("run migrations: %v", err)
	}

	CleanupTestDB(tb, db)
	return db
}

// CleanupTestDB deletes all rows from every table, children before parents.
func CleanupTestDB(tb TestingTB, db *sql.DB) {
	tb.Helper()

	tables := []string{
		"batch_audit_log",
		"batch_items",
		"packaging_jobs",
		"batch_deployments",
		"webhook_deliveries",
		"webhook_configurations",
		"update_check_results",
		"app_update_policies",
		"deployed_apps",
		"tenants",
		"winget_installers",
		"winget_catalog",
		"notification_history",
		"notification_preferences",
	}
	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			tb.Fatalf("cleanup table %s: %v", table, err)
		}
	}
}

// TeardownTestDB clears the tables and closes the connection.
func TeardownTestDB(tb TestingTB, db *sql.DB) {
	tb.Helper()
	CleanupTestDB(tb, db)
	if err := db.Close(); err != nil {
		tb.Logf("close test database: %v", err)
	}
}

// WithTestDB runs fn against a migrated, empty test database, skipping the
// test when no database is available.
func WithTestDB(t *testing.T, fn func(db *sql.DB)) {
	t.Helper()
	SkipIfNoTestDB(t)
	db := SetupTestDB(t)
	defer TeardownTestDB(t, db)
	fn(db)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// StringPtr returns a pointer to the given string.
func StringPtr(s string) *string { return &s }

// TimePtr returns a pointer to the given time.
func TimePtr(t time.Time) *time.Time { return &t }
