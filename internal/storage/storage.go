// Package storage opens the coordinator's relational store and applies
// embedded schema migrations. The DSN selects the backend: postgres://
// (or postgresql://) DSNs use pgx, anything else is treated as a sqlite
// file path.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // CGO-free sqlite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DB wraps the connection pool with the dialect it was opened for, so
// stores can write queries with ? placeholders and rebind for postgres.
type DB struct {
	*sql.DB
	dialect string
}

// Rebind converts ? placeholders to $1..$n when the backend is postgres.
func (d *DB) Rebind(query string) string {
	if d.dialect != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := range len(query) {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// DBConfig holds database connection configuration.
type DBConfig struct {
	DSN             string        // sqlite path or postgres:// connection string
	MaxOpenConns    int           // Maximum open connections (default: 25, sqlite forces 1)
	MaxIdleConns    int           // Maximum idle connections (default: 5)
	ConnMaxLifetime time.Duration // Connection max lifetime (default: 5min)
	ConnMaxIdleTime time.Duration // Connection max idle time (default: 1min)
}

// Open opens the store, configures the pool and runs migrations.
func Open(ctx context.Context, cfg DBConfig) (*DB, error) {
	driver, dialect := driverFor(cfg.DSN)

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	if driver == "sqlite" {
		maxOpenConns = 1
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 5
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = 1 * time.Minute
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{DB: db, dialect: dialect}, nil
}

func driverFor(dsn string) (driver, dialect string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx", "postgres"
	}
	return "sqlite", "sqlite3"
}

// runMigrations applies embedded migrations using goose.
func runMigrations(db *sql.DB, dialect string) error {
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
