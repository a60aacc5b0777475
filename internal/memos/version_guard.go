package memos

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCheckAndApply = "memos.check_and_apply"

	fieldMemoID = "memo_id"
	fieldUserID = "user_id"

	queryMembership = "user_id = ? AND memo_id = ?"
)

// VersionGuard applies content edits under optimistic concurrency control.
type VersionGuard struct {
	db     *gorm.DB
	clock  func() time.Time
	ids    IDProvider
	logger *zap.Logger
}

// NewVersionGuard builds a guard over the memos table.
func NewVersionGuard(db *gorm.DB, clock func() time.Time, ids IDProvider, logger *zap.Logger) (*VersionGuard, error) {
	if db == nil {
		return nil, newServiceError("memos.version_guard.new", "missing_database", errMissingDatabase)
	}
	if ids == nil {
		return nil, newServiceError("memos.version_guard.new", "missing_id_provider", errMissingIDProvider)
	}
	if clock == nil {
		clock = time.Now
	}
	return &VersionGuard{db: db, clock: clock, ids: ids, logger: loggerOrDefault(logger)}, nil
}

// CheckAndApply runs the edit as its own transaction and returns the memo as
// committed. When it returns nil the new version is durable and visible to
// other readers.
//
// The edit is rejected with ErrBadRequest when no expected version is given,
// and with ErrConflict when the stored version differs from it, either at read
// time or at write time.
func (g *VersionGuard) CheckAndApply(ctx context.Context, memoID, editorID int64, edit ContentEdit) (Memo, error) {
	var committed Memo
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := isMember(tx, memoID, editorID)
		if err != nil {
			logError(g.logger, opCheckAndApply, "membership_lookup_failed", err,
				zap.Int64(fieldMemoID, memoID), zap.Int64(fieldUserID, editorID))
			return newServiceError(opCheckAndApply, "membership_lookup_failed", err)
		}
		if !member {
			return newServiceError(opCheckAndApply, "membership_not_found", ErrNotFound)
		}

		var memo Memo
		if err := tx.Take(&memo, memoID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opCheckAndApply, "memo_not_found", ErrNotFound)
			}
			logError(g.logger, opCheckAndApply, "memo_select_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opCheckAndApply, "memo_select_failed", err)
		}

		if edit.ExpectedVersion == nil {
			return newServiceError(opCheckAndApply, "missing_expected_version", errors.Join(ErrBadRequest, errMissingVersion))
		}
		previousVersion := memo.CurrentVersion()
		if previousVersion != *edit.ExpectedVersion {
			return newServiceError(opCheckAndApply, "version_mismatch", ErrConflict)
		}

		appliedAt := g.clock().UTC().Unix()
		// The optimistic lock plugin adds "version = version + 1" to the SET
		// clause and "version = <loaded>" to the WHERE clause.
		result := tx.Model(&memo).Updates(map[string]any{
			"title":         edit.Title,
			"content":       edit.Content,
			"modified_at_s": appliedAt,
		})
		if result.Error != nil {
			logError(g.logger, opCheckAndApply, "memo_update_failed", result.Error, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opCheckAndApply, "memo_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opCheckAndApply, "version_mismatch", ErrConflict)
		}

		if err := tx.Take(&committed, memoID).Error; err != nil {
			logError(g.logger, opCheckAndApply, "memo_reload_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opCheckAndApply, "memo_reload_failed", err)
		}

		revisionID, err := g.ids.NewID()
		if err != nil {
			logError(g.logger, opCheckAndApply, "id_generation_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opCheckAndApply, "id_generation_failed", err)
		}
		revision := Revision{
			RevisionID:       revisionID,
			MemoID:           memoID,
			EditorID:         editorID,
			PreviousVersion:  previousVersion,
			NewVersion:       committed.CurrentVersion(),
			Title:            committed.Title,
			AppliedAtSeconds: appliedAt,
		}
		if err := tx.Create(&revision).Error; err != nil {
			logError(g.logger, opCheckAndApply, "revision_insert_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opCheckAndApply, "revision_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Memo{}, err
	}
	return committed, nil
}

// setFavorite flips the favorite flag with a direct statement so that the
// version column and modified time stay untouched.
func setFavorite(tx *gorm.DB, memoID int64, favorite bool) (int64, error) {
	result := tx.Exec("UPDATE memos SET favorite = ? WHERE id = ?", favorite, memoID)
	return result.RowsAffected, result.Error
}

func isMember(tx *gorm.DB, memoID, userID int64) (bool, error) {
	var count int64
	if err := tx.Model(&Membership{}).Where(queryMembership, userID, memoID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func countMembers(tx *gorm.DB, memoID int64) (int64, error) {
	var count int64
	if err := tx.Model(&Membership{}).Where("memo_id = ?", memoID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
