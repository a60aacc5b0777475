package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMemoVersions     = "2026-10-01_backfill_memo_versions"
	migrationPruneOrphanedMemberships = "2026-10-02_prune_orphaned_memberships"
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
		{name: migrationBackfillMemoVersions, apply: backfillMemoVersions},
		{name: migrationPruneOrphanedMemberships, apply: pruneOrphanedMemberships},
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

// backfillMemoVersions gives rows written before versioning a valid starting version.
// Issued as plain SQL so the optimistic lock hooks do not bump anything.
func backfillMemoVersions(db *gorm.DB) error {
	return db.Exec("UPDATE memos SET version = 1 WHERE version IS NULL OR version < 1").Error
}

func pruneOrphanedMemberships(db *gorm.DB) error {
	return db.Exec("DELETE FROM user_memos WHERE memo_id NOT IN (SELECT id FROM memos)").Error
}
