package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/glmap/server/internal/config"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Open connects to the configured store and applies the pool settings.
// SQLite uses a single connection so an in-memory database is shared.
func Open(cfg config.DatabaseConfig) (*sql.DB, Dialect, error) {
	dialect, err := ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}

	dsn := cfg.DatabaseURL()
	if dialect == SQLite {
		dsn = sqliteDSN(cfg.Path)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s database: %w", dialect, err)
	}

	if dialect == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	log.Printf("[Store] Connected to %s database", dialect)
	return db, dialect, nil
}

// sqliteDSN enables WAL and a busy timeout for file databases.
func sqliteDSN(path string) string {
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
