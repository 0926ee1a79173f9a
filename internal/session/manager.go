// Package session hosts conversation engines in memory, one per session,
// and evicts the ones that have been idle for too long.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/genai"
	"github.com/BTreeMap/OnboardPipe/internal/locale"
	"github.com/BTreeMap/OnboardPipe/internal/metrics"
	"github.com/google/uuid"
)

// DefaultIdleTTL is how long a session may stay untouched before eviction.
const DefaultIdleTTL = 30 * time.Minute

// ErrSessionNotFound is returned for unknown or evicted session ids.
var ErrSessionNotFound = errors.New("session not found")

// Opts holds configuration options for a Manager.
type Opts struct {
	IdleTTL      time.Duration
	ReapInterval time.Duration
	Catalog      *locale.Catalog
	Observers    []flow.Observer
	Metrics      *metrics.Metrics
	Clock        func() time.Time
}

// Option defines a configuration option for a Manager.
type Option func(*Opts)

// WithIdleTTL sets the idle eviction timeout. Zero disables eviction.
func WithIdleTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.IdleTTL = ttl }
}

// WithReapInterval sets how often Run looks for idle sessions.
func WithReapInterval(d time.Duration) Option {
	return func(o *Opts) { o.ReapInterval = d }
}

// WithCatalog sets the localisation catalog shared by all engines.
func WithCatalog(c *locale.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithObserver attaches obs to every engine the manager creates.
func WithObserver(obs flow.Observer) Option {
	return func(o *Opts) { o.Observers = append(o.Observers, obs) }
}

// WithMetrics reports the number of live sessions to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

type entry struct {
	engine   *flow.Engine
	key      string
	lastSeen time.Time
}

// Manager owns the live engines.
type Manager struct {
	gateway genai.Gateway
	cfg     Opts

	mu       sync.Mutex
	sessions map[string]*entry
	byKey    map[string]string
}

// NewManager creates a manager whose engines share gateway. A nil gateway
// yields engines that report the gateway as unavailable.
func NewManager(gateway genai.Gateway, opts ...Option) *Manager {
	cfg := Opts{IdleTTL: DefaultIdleTTL, Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = locale.Default()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = cfg.IdleTTL / 2
		if cfg.ReapInterval < time.Second {
			cfg.ReapInterval = time.Second
		}
	}
	return &Manager{
		gateway:  gateway,
		cfg:      cfg,
		sessions: make(map[string]*entry),
		byKey:    make(map[string]string),
	}
}

// Catalog returns the catalog shared by the manager's engines.
func (m *Manager) Catalog() *locale.Catalog {
	return m.cfg.Catalog
}

func (m *Manager) newEngineLocked(key string) *flow.Engine {
	id := uuid.NewString()
	opts := []flow.Option{flow.WithSessionID(id)}
	for _, obs := range m.cfg.Observers {
		opts = append(opts, flow.WithObserver(obs))
	}
	e := flow.NewEngine(m.gateway, m.cfg.Catalog, opts...)
	m.sessions[id] = &entry{engine: e, key: key, lastSeen: m.cfg.Clock()}
	if key != "" {
		m.byKey[key] = id
	}
	m.cfg.Metrics.SetActiveSessions(len(m.sessions))
	slog.Debug("Manager.newEngine: session created", "sessionID", id, "key", key)
	return e
}

// Create starts a new anonymous session.
func (m *Manager) Create() *flow.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newEngineLocked("")
}

// Get returns the engine for id and marks it as used.
func (m *Manager) Get(id string) (*flow.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	ent.lastSeen = m.cfg.Clock()
	return ent.engine, nil
}

// GetOrCreate returns the session bound to an external key such as a chat
// id, creating it when needed. created reports whether it is new.
func (m *Manager) GetOrCreate(key string) (e *flow.Engine, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[key]; ok {
		if ent, ok := m.sessions[id]; ok {
			ent.lastSeen = m.cfg.Clock()
			return ent.engine, false
		}
	}
	return m.newEngineLocked(key), true
}

// Delete drops a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ent, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	m.removeLocked(id, ent)
	slog.Debug("Manager.Delete: session deleted", "sessionID", id)
	return nil
}

func (m *Manager) removeLocked(id string, ent *entry) {
	delete(m.sessions, id)
	if ent.key != "" && m.byKey[ent.key] == id {
		delete(m.byKey, ent.key)
	}
	m.cfg.Metrics.SetActiveSessions(len(m.sessions))
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Reap evicts sessions idle for longer than the TTL. Sessions with a model
// call in flight are kept. It returns the number evicted.
func (m *Manager) Reap() int {
	if m.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := m.cfg.Clock().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, ent := range m.sessions {
		if ent.lastSeen.After(cutoff) || ent.engine.Snapshot().Busy {
			continue
		}
		m.removeLocked(id, ent)
		evicted++
	}
	if evicted > 0 {
		slog.Info("Manager.Reap: evicted idle sessions", "count", evicted, "remaining", len(m.sessions))
	}
	return evicted
}

// Run reaps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.cfg.IdleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	slog.Info("Manager.Run: session reaper started", "idleTTL", m.cfg.IdleTTL, "interval", m.cfg.ReapInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Manager.Run: session reaper stopped")
			return nil
		case <-ticker.C:
			m.Reap()
		}
	}
}
