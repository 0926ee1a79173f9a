// Package store provides storage backends for OnboardPipe.
//
// Stores hold the conversation ledger: delivery receipts for chat-channel
// messages, step transitions of every session, and inbound message ids used
// to drop redelivered webhooks. Transcripts and extracted identity data are
// never persisted.
package store

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// Store is the ledger used by the session and channel layers.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddTransition(t models.StepTransition) error
	GetTransitions(sessionID string) ([]models.StepTransition, error)
	// RecordInbound remembers a channel message id. It returns false when the
	// id was already recorded.
	RecordInbound(messageID, chatKey string) (bool, error)
	// PruneInbound forgets inbound message ids recorded before the cutoff
	// and returns how many were removed.
	PruneInbound(before time.Time) (int64, error)
	Close() error
}

// DSN types understood by New.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the path of the SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithConnPool overrides the connection pool limits.
func WithConnPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(o *Opts) {
		o.MaxOpenConns = maxOpen
		o.MaxIdleConns = maxIdle
		o.ConnMaxLifetime = maxLifetime
	}
}

// DetectDSNType guesses the driver for dsn. URLs and key=value strings are
// Postgres; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DSNTypePostgres
	default:
		return DSNTypeSQLite
	}
}

// New opens the backend selected by the DSN. An empty DSN yields an
// in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch kind := DetectDSNType(cfg.DSN); kind {
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported DSN type %q", kind)
	}
}

// InMemoryStore is a Store kept in process memory.
type InMemoryStore struct {
	mu          sync.RWMutex
	receipts    []models.Receipt
	transitions []models.StepTransition
	inbound     map[string]inboundEntry
}

type inboundEntry struct {
	chatKey    string
	receivedAt time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{inbound: make(map[string]inboundEntry)}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) AddTransition(t models.StepTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
	return nil
}

func (s *InMemoryStore) GetTransitions(sessionID string) ([]models.StepTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.StepTransition
	for _, t := range s.transitions {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(messageID, chatKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = inboundEntry{chatKey: chatKey, receivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.inbound {
		if e.receivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
