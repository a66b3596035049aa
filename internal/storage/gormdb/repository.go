package gormdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
)

// Repository implements storage.Repository over gorm. It runs on sqlite for
// single-node deployments and postgres otherwise.
type Repository struct {
	db *gorm.DB
}

var _ storage.Repository = (*Repository)(nil)

// Open connects using the configured driver.
func Open(cfg config.DatabaseConfig) (*Repository, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		if err := ensureDir(cfg.DSN); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level := logger.Silent
	if cfg.LogQueries {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return &Repository{db: db}, nil
}

// OpenInMemory opens a private in-memory sqlite database and migrates it.
func OpenInMemory() (*Repository, error) {
	repo, err := Open(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
	})
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(); err != nil {
		return nil, err
	}
	return repo, nil
}

// New wraps an existing connection.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying connection for stores sharing it.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(
		&models.Account{},
		&models.SeenFollower{},
		&models.Flow{},
		&models.Campaign{},
		&models.Trigger{},
		&models.OutboundMessage{},
		&models.WorkItem{},
	); err != nil {
		return err
	}

	// At most one claimed item per trigger, across instances.
	// DDL takes no bind parameters, so the status is inlined.
	return r.db.Exec(fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_work_claimed_trigger ON work_items (trigger_id) WHERE status = '%s'",
		models.WorkClaimed,
	)).Error
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return nil
}

// translate maps gorm sentinels onto storage ones.
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
