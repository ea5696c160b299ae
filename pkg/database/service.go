// Package database owns the Postgres lifecycle: an optional embedded server,
// the connection pool, and the KV store built on it.
package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	postgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hat_reputation/pkg/config"
	"hat_reputation/pkg/data"
)

const (
	embeddedUser     = "hat"
	embeddedPassword = "hat"
	embeddedDatabase = "hat_reputation"

	healthCheckTimeout = 5 * time.Second
)

// Service manages the database server, pool and store
type Service struct {
	cfg    config.DatabaseConfig
	logger *zap.Logger

	embedded *postgres.EmbeddedPostgres
	pool     *pgxpool.Pool
	store    *data.PostgresStore

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a database service. Nothing is started until Start.
func NewService(cfg config.DatabaseConfig, logger *zap.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: logger.Named("database"),
	}
}

// Enabled reports whether the configuration names any database at all.
func Enabled(cfg config.DatabaseConfig) bool {
	return cfg.Embedded || cfg.URL != ""
}

// Start launches the embedded server when configured, opens the pool and
// applies the schema.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}
	if !Enabled(s.cfg) {
		return fmt.Errorf("no database configured: %w", data.ErrValidation)
	}

	url := s.cfg.URL
	if s.cfg.Embedded {
		if err := s.startEmbedded(); err != nil {
			return err
		}
		url = embeddedURL(s.cfg.EmbeddedPort)
	}

	pool, err := s.createPool(ctx, url)
	if err != nil {
		return multierr.Append(err, s.stopEmbedded())
	}
	s.pool = pool

	store, err := data.NewPostgresStore(ctx, pool, s.logger)
	if err != nil {
		return multierr.Append(fmt.Errorf("initializing store: %w", err), s.cleanup())
	}
	s.store = store

	s.isRunning = true
	s.logger.Info("Database service started", zap.Bool("embedded", s.cfg.Embedded))
	return nil
}

func (s *Service) startEmbedded() error {
	runtime := s.cfg.DataDir
	pg := postgres.NewDatabase(
		postgres.DefaultConfig().
			Username(embeddedUser).
			Password(embeddedPassword).
			Database(embeddedDatabase).
			Version(postgres.V16).
			Port(s.cfg.EmbeddedPort).
			RuntimePath(filepath.Join(runtime, "runtime")).
			DataPath(filepath.Join(runtime, "data")).
			StartTimeout(s.cfg.StartTimeout).
			Logger(zap.NewStdLog(s.logger.Named("embedded")).Writer()))

	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg
	s.logger.Info("Embedded postgres started", zap.Uint32("port", s.cfg.EmbeddedPort))
	return nil
}

func embeddedURL(port uint32) string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedUser, embeddedPassword, port, embeddedDatabase)
}

func (s *Service) createPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	poolConfig.MaxConns = s.cfg.MaxConns
	poolConfig.MinConns = s.cfg.MinConns
	poolConfig.MaxConnLifetime = s.cfg.MaxConnLifetime
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.ConnectTimeout = s.cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}
	return pool, nil
}

// Stop closes the pool and stops the embedded server
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	err := s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return err
}

// Store returns the KV store, nil before Start.
func (s *Service) Store() *data.PostgresStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// IsHealthy pings the pool
func (s *Service) IsHealthy(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

func (s *Service) cleanup() error {
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	return s.stopEmbedded()
}

func (s *Service) stopEmbedded() error {
	if s.embedded == nil {
		return nil
	}
	err := s.embedded.Stop()
	s.embedded = nil
	if err != nil {
		return fmt.Errorf("stopping embedded postgres: %w", err)
	}
	return nil
}
