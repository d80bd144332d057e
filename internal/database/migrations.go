package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lecternlabs/lectern/internal/notes"
)

const (
	migrationReleaseStaleNoteLocks      = "2026-07-12_release_stale_note_locks"
	migrationDropOrphanedConflictCopies = "2026-07-12_drop_orphaned_conflict_versions"
	staleLockHorizon                    = 24 * time.Hour
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationReleaseStaleNoteLocks, apply: releaseStaleNoteLocks},
		{name: migrationDropOrphanedConflictCopies, apply: dropOrphanedConflictVersions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// releaseStaleNoteLocks clears lock columns left behind by builds that
// persisted locks without an expiry. Anything older than the horizon is a
// leftover, not a live editing session.
func releaseStaleNoteLocks(db *gorm.DB) error {
	cutoff := time.Now().UTC().Add(-staleLockHorizon).Unix()
	return db.Model(&notes.Note{}).
		Where("locked_by_device <> '' AND locked_at_s < ?", cutoff).
		Updates(map[string]interface{}{
			"locked_by_device": "",
			"locked_at_s":      0,
		}).Error
}

// dropOrphanedConflictVersions removes conflict copies whose chapter note
// row no longer exists, which early resolve code could leave behind.
func dropOrphanedConflictVersions(db *gorm.DB) error {
	return db.Exec(
		"DELETE FROM note_conflict_versions WHERE NOT EXISTS (" +
			"SELECT 1 FROM chapter_notes WHERE chapter_notes.user_id = note_conflict_versions.user_id " +
			"AND chapter_notes.book = note_conflict_versions.book " +
			"AND chapter_notes.chapter = note_conflict_versions.chapter)",
	).Error
}
