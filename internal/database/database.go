package database

import (
	"fmt"
	"time"

	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/database/migrations"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormWriter sends gorm's slow-query and error lines to zerolog.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	log.Warn().Str("component", "gorm").Msgf(format, args...)
}

// newLogger drops record-not-found: lookups that expect a miss return nil.
func newLogger() logger.Interface {
	return logger.New(gormWriter{}, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// NewDatabase opens the configured gorm connection and runs migrations
func NewDatabase(cfg config.Storage) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newLogger(),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	if cfg.Driver != "postgres" {
		// SQLite allows a single writer; serialise through one connection so
		// transactions queue instead of failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// NewInMemory returns a migrated private sqlite database, used by tests and
// the simulation.
func NewInMemory() (*gorm.DB, error) {
	return NewDatabase(config.Storage{Driver: "sqlite", DSN: "file::memory:"})
}

func Migrate(db *gorm.DB) error {
	if err := migrations.CreateLedger(db); err != nil {
		return err
	}
	return migrations.AddLedgerIndexes(db)
}
