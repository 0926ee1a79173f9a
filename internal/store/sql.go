package store

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/jmoiron/sqlx"
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

// sqlStore implements the ledger over any sqlx driver. Queries are written
// with ? placeholders and rebound for the driver.
type sqlStore struct {
	db   *sqlx.DB
	name string
}

func openSQL(driver, dsn, migrations string, cfg Opts) (*sqlStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	maxOpen, maxIdle, lifetime := DefaultMaxOpenConns, DefaultMaxIdleConns, DefaultConnMaxLifetime
	if cfg.MaxOpenConns > 0 {
		maxOpen = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		maxIdle = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		lifetime = cfg.ConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("store.openSQL: migrations applied", "driver", driver)
	return &sqlStore{db: db, name: driver}, nil
}

func (s *sqlStore) AddReceipt(r models.Receipt) error {
	query := s.db.Rebind(`INSERT INTO receipts (recipient, status, time) VALUES (?, ?, ?)`)
	if _, err := s.db.Exec(query, r.To, r.Status, r.Time); err != nil {
		slog.Error("Store.AddReceipt: insert failed", "driver", s.name, "to", r.To, "error", err)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("Store.AddReceipt: receipt stored", "driver", s.name, "to", r.To, "status", r.Status)
	return nil
}

func (s *sqlStore) GetReceipts() ([]models.Receipt, error) {
	var receipts []models.Receipt
	if err := s.db.Select(&receipts, `SELECT recipient, status, time FROM receipts ORDER BY id`); err != nil {
		slog.Error("Store.GetReceipts: query failed", "driver", s.name, "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	return receipts, nil
}

func (s *sqlStore) AddTransition(t models.StepTransition) error {
	query := s.db.Rebind(`INSERT INTO step_transitions (session_id, from_step, to_step, time) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.Exec(query, t.SessionID, t.FromStep, t.ToStep, t.Time); err != nil {
		slog.Error("Store.AddTransition: insert failed", "driver", s.name, "sessionID", t.SessionID, "error", err)
		return fmt.Errorf("failed to insert transition for %s: %w", t.SessionID, err)
	}
	return nil
}

func (s *sqlStore) GetTransitions(sessionID string) ([]models.StepTransition, error) {
	var transitions []models.StepTransition
	query := s.db.Rebind(`SELECT session_id, from_step, to_step, time FROM step_transitions WHERE session_id = ? ORDER BY id`)
	if err := s.db.Select(&transitions, query, sessionID); err != nil {
		slog.Error("Store.GetTransitions: query failed", "driver", s.name, "sessionID", sessionID, "error", err)
		return nil, fmt.Errorf("failed to query transitions for %s: %w", sessionID, err)
	}
	return transitions, nil
}

func (s *sqlStore) RecordInbound(messageID, chatKey string) (bool, error) {
	query := s.db.Rebind(`INSERT INTO inbound_messages (message_id, chat_key, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`)
	res, err := s.db.Exec(query, messageID, chatKey, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record inbound message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) PruneInbound(before time.Time) (int64, error) {
	query := s.db.Rebind(`DELETE FROM inbound_messages WHERE received_at < ?`)
	res, err := s.db.Exec(query, before.Unix())
	if err != nil {
		slog.Error("Store.PruneInbound: delete failed", "driver", s.name, "error", err)
		return 0, fmt.Errorf("failed to prune inbound messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
