package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// TestDB is an isolated store for one test. Postgres tests share a database,
// so every table a test creates must carry Prefix.
type TestDB struct {
	DB     *sql.DB
	Driver string
	Prefix string
}

// TestDBConfig holds test database configuration
type TestDBConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DefaultTestDBConfig returns a default test database configuration
func DefaultTestDBConfig() TestDBConfig {
	return TestDBConfig{
		Driver:   strings.ToLower(getEnv("TEST_DB_DRIVER", "sqlite")),
		Host:     getEnv("TEST_DB_HOST", "localhost"),
		Port:     getIntEnv("TEST_DB_PORT", 5432),
		User:     getEnv("TEST_DB_USER", "postgres"),
		Password: getEnv("TEST_DB_PASSWORD", "postgres"),
		Database: getEnv("TEST_DB_NAME", "glmap_test"),
		SSLMode:  getEnv("TEST_DB_SSLMODE", "disable"),
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (c TestDBConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// SetupTestDB opens a test store. By default it is a private in-memory SQLite
// database; with TEST_DB_DRIVER=postgres it is the PostGIS test database, and
// the test is skipped when that server cannot be reached. The store is closed
// and the test's tables dropped when the test ends.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	cfg := DefaultTestDBConfig()

	switch cfg.Driver {
	case "sqlite":
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("Failed to open SQLite: %v", err)
		}
		// One connection keeps the in-memory database alive and shared.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		t.Cleanup(func() { _ = db.Close() })
		return &TestDB{DB: db, Driver: "sqlite", Prefix: "t_"}

	case "postgres":
		db := openPostgres(t, cfg)
		prefix := "t_" + strings.ToLower(RandomString(8)) + "_"
		t.Cleanup(func() {
			CleanupTestDB(t, db, prefix)
			_ = db.Close()
		})
		return &TestDB{DB: db, Driver: "postgres", Prefix: prefix}

	default:
		t.Fatalf("Unsupported TEST_DB_DRIVER %q", cfg.Driver)
		return nil
	}
}

func openPostgres(t *testing.T, cfg TestDBConfig) *sql.DB {
	t.Helper()

	adminURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/postgres?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.SSLMode,
	)
	adminDB, err := sql.Open("postgres", adminURL)
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer adminDB.Close()

	if err := adminDB.Ping(); err != nil {
		t.Skipf("PostgreSQL not reachable, skipping: %v", err)
	}

	// Create test database if it doesn't exist
	if _, err := adminDB.Exec(fmt.Sprintf("CREATE DATABASE %s", cfg.Database)); err != nil {
		t.Logf("Test database creation: %v (may already exist)", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL())
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		_ = db.Close()
		t.Skipf("PostGIS not available, skipping: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to ping test database: %v", err)
	}
	return db
}

// CleanupTestDB drops every table whose name starts with prefix.
func CleanupTestDB(t *testing.T, db *sql.DB, prefix string) {
	rows, err := db.Query(
		`SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name LIKE $1`,
		prefix+"%",
	)
	if err != nil {
		t.Logf("Warning: Failed to list test tables: %v", err)
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	_ = rows.Close()

	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
			t.Logf("Warning: Failed to drop table %s: %v", table, err)
		}
	}
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}
