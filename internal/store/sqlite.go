package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a SQLite file.
type SQLiteStore struct {
	sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the SQLite database at the configured DSN, creating
// its directory when needed, and applies the migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Error("NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("NewSQLiteStore: failed to create database directory", "dir", dir, "error", err)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	s, err := openSQL(DSNTypeSQLite, cfg.DSN, sqliteMigrations, cfg)
	if err != nil {
		slog.Error("NewSQLiteStore: open failed", "error", err)
		return nil, err
	}
	slog.Info("NewSQLiteStore: store ready", "path", cfg.DSN)
	return &SQLiteStore{sqlStore: *s}, nil
}
