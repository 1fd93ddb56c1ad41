package queue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed queue.sql
var queueSQL string

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("queue connection closed")

// Manager owns the queue's connection pool. The pool is created on first use and
// the queue tables are ensured at the same time.
type Manager struct {
	url string

	mu     sync.Mutex
	pool   *pgxpool.Pool
	closed bool
}

// NewManager creates a Manager for a PostgreSQL URL without connecting.
func NewManager(url string) *Manager {
	return &Manager{url: url}
}

// Open connects eagerly. It is a no-op when already open.
func (m *Manager) Open(ctx context.Context) error {
	_, err := m.Pool(ctx)
	return err
}

// Pool returns the connection pool, creating it on first call.
func (m *Manager) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.pool != nil {
		return m.pool, nil
	}

	pool, err := pgxpool.New(ctx, m.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to queue: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping queue: %w", err)
	}
	if _, err := pool.Exec(ctx, queueSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create queue tables: %w", err)
	}
	m.pool = pool
	return pool, nil
}

// Close releases the pool. Later Pool calls return ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
	m.closed = true
}
