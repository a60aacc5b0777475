package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/memoshare/internal/memos"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&memos.Memo{}, &memos.Membership{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := database.Exec("INSERT INTO memos (id, title, content, favorite, version, created_at_s, modified_at_s) VALUES (1, 'legacy', '', 0, 0, 1, 1)").Error; err != nil {
		testContext.Fatalf("failed to insert legacy memo: %v", err)
	}
	if err := database.Exec("INSERT INTO user_memos (user_id, memo_id, joined_at_s) VALUES (1, 1, 1), (1, 99, 1)").Error; err != nil {
		testContext.Fatalf("failed to insert memberships: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored memos.Memo
	if err := database.Take(&stored, 1).Error; err != nil {
		testContext.Fatalf("failed to reload memo: %v", err)
	}
	if stored.CurrentVersion() != 1 {
		testContext.Fatalf("expected version to be backfilled to 1, got %d", stored.CurrentVersion())
	}

	var memberships int64
	database.Model(&memos.Membership{}).Count(&memberships)
	if memberships != 1 {
		testContext.Fatalf("expected orphaned membership to be pruned, got %d rows", memberships)
	}

	for _, name := range []string{migrationBackfillMemoVersions, migrationPruneOrphanedMemberships} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "once.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&memos.Memo{}, &memos.Membership{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	// A row inserted after the first run must survive a second run.
	if err := database.Exec("INSERT INTO user_memos (user_id, memo_id, joined_at_s) VALUES (2, 500, 1)").Error; err != nil {
		testContext.Fatalf("failed to insert membership: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	var memberships int64
	database.Model(&memos.Membership{}).Count(&memberships)
	if memberships != 1 {
		testContext.Fatalf("expected migrations to be skipped on second run, got %d rows", memberships)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"users", "memos", "user_memos", "memo_revisions", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
