package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the multi-node backend.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Postgres ping failed: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	s := newPostgresStoreFromDB(db, cfg)
	s.log.Debug("NewPostgresStore: migrations applied")
	return s, nil
}

func newPostgresStoreFromDB(db *sql.DB, cfg Opts) *PostgresStore {
	return &PostgresStore{sqlStore: newSQLStore(db, dialectPostgres, cfg.Logger)}
}

// Open picks the backend for dsn: PostgreSQL for connection URLs, SQLite otherwise.
func Open(dsn string, opts ...Option) (Backend, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(append(opts, WithPostgresDSN(dsn))...)
	}
	return NewSQLiteStore(append(opts, WithSQLiteDSN(dsn))...)
}
