package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/misakimiku2/aurora-gallery/internal/config"
	"github.com/misakimiku2/aurora-gallery/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// InitDB initializes the database connection based on configuration and runs migrations.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
// Returns:
//   - *gorm.DB: initialized database handle.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	var db *gorm.DB
	var err error

	switch cfg.Driver {
	case "postgres":
		db, err = initPostgres(cfg, gormConfig)
	case "sqlite", "":
		db, err = initSQLite(cfg, gormConfig)
	default:
		db, err = initSQLite(cfg, gormConfig)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(
			&domain.FingerprintRow{},
			&domain.PaletteRecord{},
			&domain.LabIndexRow{},
		); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return db, nil
}

// initPostgres initializes a PostgreSQL database connection
func initPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN,
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

// initSQLite initializes a SQLite database connection
func initSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// Ensure the directory exists
	if cfg.Path != "" && cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// WAL mode plus tuning pragmas. The WAL keeps writers from blocking
	// the interactive query path; journal_size_limit bounds the log so
	// checkpoints stay cheap.
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA synchronous=NORMAL")
	db.Exec("PRAGMA cache_size=-64000")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA temp_store=MEMORY")
	db.Exec("PRAGMA journal_size_limit=20971520")

	return db, nil
}

// WALCheckpointer pairs a database handle with its file path so the
// extraction scheduler can fold the WAL on its own cadence.
type WALCheckpointer struct {
	db   *gorm.DB
	path string
}

// NewWALCheckpointer creates a checkpointer. dbPath may be empty for
// non-SQLite backends, which disables the size-triggered path.
func NewWALCheckpointer(db *gorm.DB, dbPath string) *WALCheckpointer {
	return &WALCheckpointer{db: db, path: dbPath}
}

// Checkpoint folds the WAL into the main database file.
func (c *WALCheckpointer) Checkpoint() error {
	return Checkpoint(c.db)
}

// WALSize returns the current WAL file size in bytes.
func (c *WALCheckpointer) WALSize() (int64, error) {
	size, _, err := WALInfo(c.db, c.path)
	return size, err
}

// WALInfo returns the current WAL size in bytes and the number of
// checkpointed frames. On non-SQLite backends it reports zero sizes.
func WALInfo(db *gorm.DB, dbPath string) (walSize int64, frames int64, err error) {
	if dbPath == "" || dbPath == ":memory:" {
		return 0, 0, nil
	}
	info, statErr := os.Stat(dbPath + "-wal")
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, 0, nil
		}
		return 0, 0, statErr
	}

	var busy, logFrames, checkpointed int64
	row := db.Raw("PRAGMA wal_checkpoint(PASSIVE)").Row()
	if row != nil {
		_ = row.Scan(&busy, &logFrames, &checkpointed)
	}
	return info.Size(), logFrames, nil
}

// Checkpoint folds the WAL back into the main database file. TRUNCATE
// mode also resets the log so recovery cost stays bounded.
func Checkpoint(db *gorm.DB) error {
	var busy, logFrames, checkpointed int64
	row := db.Raw("PRAGMA wal_checkpoint(TRUNCATE)").Row()
	if row == nil {
		return nil
	}
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if busy != 0 {
		// A reader held the database; RESTART still moves the log forward.
		restart := db.Raw("PRAGMA wal_checkpoint(RESTART)").Row()
		if restart != nil {
			_ = restart.Scan(&busy, &logFrames, &checkpointed)
		}
	}
	return nil
}
