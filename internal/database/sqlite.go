package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lecternlabs/lectern/internal/devices"
	"github.com/lecternlabs/lectern/internal/notes"
	"github.com/lecternlabs/lectern/internal/plans"
	"github.com/lecternlabs/lectern/internal/scripture"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is capped at one connection; sqlite serializes writers
// anyway and a single connection keeps transactions from deadlocking on the
// pool.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&notes.Note{},
		&notes.NoteSection{},
		&notes.ConflictVersion{},
		&devices.Device{},
		&plans.ProgressEntry{},
		&scripture.Translation{},
		&scripture.Verse{},
		&scripture.CrossReference{},
		&scripture.TopicReference{},
		&scripture.LexiconEntry{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
