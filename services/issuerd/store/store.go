package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"loyaltymint/services/issuerd/config"
	"loyaltymint/services/issuerd/models"
)

// Store owns the database handle shared by every issuance component. It is
// opened once at process start and closed at shutdown.
type Store struct {
	db *gorm.DB
}

// Open connects using the configured driver and migrates the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}
	st := New(db)
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := models.AutoMigrate(db.WithContext(ctx)); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	slog.Default().Info("store opened", "component", "store", "driver", cfg.Driver)
	return st, nil
}

// New wraps an existing gorm handle. Tests use it with in-memory sqlite.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store: not open")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}
