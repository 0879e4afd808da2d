// Package store is the persistence layer over the clinical column store:
// documents, extracted entities and relationships, image embeddings and
// semantic memories. It owns connection pooling, bounded retry for
// transient outages, and capability probes for optional table sets.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrUnavailable means the store is provisioned but cannot currently be
// reached. It is distinct from a feature's tables never having been
// created, which callers detect through the capability probes.
var ErrUnavailable = errors.New("store unavailable")

// Config selects the database driver and pool behavior.
type Config struct {
	// Driver is one of sqlite, postgres, mysql.
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the driver-specific data source name. For sqlite this is a
	// file path or ":memory:".
	DSN string `yaml:"dsn" json:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// MaxRetries bounds retry attempts for transient errors.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`

	// AutoMigrate creates/updates the schema on open. Intended for the
	// embedded sqlite deployment; server deployments manage schema
	// out of band.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`
}

func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		DSN:             "graphrag.db",
		MaxIdleConns:    5,
		MaxOpenConns:    25,
		ConnMaxLifetime: time.Hour,
		MaxRetries:      3,
		RetryBackoff:    100 * time.Millisecond,
		AutoMigrate:     true,
	}
}

// Metrics receives per-operation query timings and retry counts. A nil
// recorder disables collection.
type Metrics interface {
	RecordStoreQuery(operation string, duration time.Duration)
	RecordStoreRetry(operation string)
}

// Store wraps the gorm handle with retry and capability probing.
type Store struct {
	db      *gorm.DB
	cfg     Config
	logger  *zap.Logger
	metrics Metrics
}

// SetMetrics attaches a metrics recorder; call before serving queries.
func (s *Store) SetMetrics(m Metrics) { s.metrics = m }

// Open connects to the configured database and applies pool settings.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "store")),
	}

	if cfg.AutoMigrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}

	s.logger.Info("store opened",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return s, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, cfg: cfg, logger: logger.With(zap.String("component", "store"))}
}

// Migrate creates or updates all table sets, including the optional
// graph and image tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&Document{},
		&Entity{},
		&Relationship{},
		&ImageRecord{},
		&MemoryRecord{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GraphProvisioned reports whether the knowledge-graph tables exist.
// "Graph exists but has no matches" and "graph was never built" demand
// different remediation, so this is a separate probe rather than an
// empty query result.
func (s *Store) GraphProvisioned(ctx context.Context) bool {
	m := s.db.WithContext(ctx).Migrator()
	return m.HasTable(&Entity{}) && m.HasTable(&Relationship{})
}

// ImagesProvisioned reports whether the image embedding table exists.
func (s *Store) ImagesProvisioned(ctx context.Context) bool {
	return s.db.WithContext(ctx).Migrator().HasTable(&ImageRecord{})
}

// MemoriesProvisioned reports whether the memory table exists.
func (s *Store) MemoriesProvisioned(ctx context.Context) bool {
	return s.db.WithContext(ctx).Migrator().HasTable(&MemoryRecord{})
}

// withRetry runs fn with bounded exponential backoff on transient errors.
// Exhausted retries surface ErrUnavailable; non-transient errors return
// unchanged on the first failure.
func (s *Store) withRetry(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	backoff := s.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	attempts := s.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordStoreQuery(op, time.Since(started))
		}
	}()

	var lastErr error
	for i := 0; i < attempts; i++ {
		err := fn(s.db.WithContext(ctx))
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		if s.metrics != nil {
			s.metrics.RecordStoreRetry(op)
		}
		s.logger.Warn("transient store error, retrying",
			zap.String("op", op),
			zap.Int("attempt", i+1),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %v", ErrUnavailable, op, attempts, lastErr)
}

// isRetryable classifies transient connectivity and contention errors.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "serialization failure"),
		strings.Contains(msg, "40001"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "lock timeout"),
		strings.Contains(msg, "lock wait timeout"),
		strings.Contains(msg, "database is locked"):
		return true
	}
	return false
}
