package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn" env:"STORE_DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// Manager owns the pooled database handle and schema initialization.
type Manager struct {
	db     *sqlx.DB
	config Config

	initOnce sync.Once
	initErr  error
}

// NewManager opens and verifies the database connection.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("store DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Manager{db: db, config: config}, nil
}

// DB exposes the handle for repository construction.
func (m *Manager) DB() *sqlx.DB { return m.db }

// QueryTimeout returns the per-query deadline.
func (m *Manager) QueryTimeout() time.Duration { return m.config.QueryTimeout }

// Init applies the schema. Idempotent and single-flight: concurrent
// callers share one execution and its result.
func (m *Manager) Init(ctx context.Context) error {
	m.initOnce.Do(func() {
		for _, stmt := range schemaStatements {
			if _, err := m.db.ExecContext(ctx, stmt); err != nil {
				m.initErr = fmt.Errorf("schema init failed: %w", err)
				return
			}
		}
		log.Info().Msg("Store schema initialized")
	})
	return m.initErr
}

// Ping verifies store reachability for the health endpoint.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	return m.db.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		token         BIGINT PRIMARY KEY,
		tradingsymbol TEXT NOT NULL DEFAULT '',
		segment       TEXT NOT NULL DEFAULT '',
		mode          TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',
		account_id    TEXT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_account ON subscriptions (account_id)`,
	`CREATE TABLE IF NOT EXISTS order_tasks (
		task_id         UUID PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		operation       TEXT NOT NULL,
		params          JSONB NOT NULL,
		account_id      TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		attempts        INT NOT NULL DEFAULT 0,
		max_attempts    INT NOT NULL DEFAULT 5,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error      TEXT NULL,
		result          JSONB NULL,
		row_version     BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_tasks_due ON order_tasks (next_attempt_at)
		WHERE status IN ('pending','retrying')`,
	`CREATE INDEX IF NOT EXISTS idx_order_tasks_account ON order_tasks (account_id)`,
}
