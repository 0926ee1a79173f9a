package store

import (
	"fmt"
	"log/slog"

	_ "embed"

	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres and applies the migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	s, err := openSQL(DSNTypePostgres, cfg.DSN, postgresMigrations, cfg)
	if err != nil {
		slog.Error("NewPostgresStore: open failed", "error", err)
		return nil, err
	}
	slog.Info("NewPostgresStore: store ready")
	return &PostgresStore{sqlStore: *s}, nil
}
