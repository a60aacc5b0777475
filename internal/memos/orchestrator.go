package memos

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/memoshare/internal/editlock"
	"go.uber.org/zap"
)

const (
	opUpdateContent = "memos.update_content"
	opEnterEditMode = "memos.enter_edit_mode"
	opExitEditMode  = "memos.exit_edit_mode"
)

// EditLocker is the edit lock protocol used by the memo service.
type EditLocker interface {
	LockReleaser
	TryEnterEditMode(ctx context.Context, memoID, userID int64, displayName string) (editlock.Acquisition, error)
	VerifyOwnership(ctx context.Context, memoID, userID int64, required bool) (editlock.Ownership, error)
	Inspect(ctx context.Context, memoID int64) (editlock.Holder, bool, error)
}

// EditOrchestrator sequences the soft lock and the version guard for a
// content update.
type EditOrchestrator struct {
	guard   *VersionGuard
	members *MembershipTracker
	locks   EditLocker
	logger  *zap.Logger
}

// NewEditOrchestrator wires an orchestrator.
func NewEditOrchestrator(guard *VersionGuard, members *MembershipTracker, locks EditLocker, logger *zap.Logger) (*EditOrchestrator, error) {
	if guard == nil || members == nil {
		return nil, newServiceError("memos.edit_orchestrator.new", "missing_database", errMissingDatabase)
	}
	if locks == nil {
		return nil, newServiceError("memos.edit_orchestrator.new", "missing_locks", errMissingLocks)
	}
	return &EditOrchestrator{guard: guard, members: members, locks: locks, logger: loggerOrDefault(logger)}, nil
}

// UpdateContent applies a content edit on behalf of userID.
//
// On a shared memo the caller must not be blocked by another user's lock. The
// edit then commits in its own transaction, and only after that commit has
// returned is the caller's lock released, so a peer that acquires the lock
// next always reads the new version.
func (o *EditOrchestrator) UpdateContent(ctx context.Context, memoID, userID int64, edit ContentEdit) (EditResult, error) {
	shared, err := o.members.IsShared(ctx, memoID)
	if err != nil {
		logError(o.logger, opUpdateContent, "group_size_failed", err, zap.Int64(fieldMemoID, memoID))
		return EditResult{}, err
	}

	if shared {
		if _, err := o.locks.VerifyOwnership(ctx, memoID, userID, false); err != nil {
			if errors.Is(err, editlock.ErrLocked) {
				return EditResult{}, err
			}
			logError(o.logger, opUpdateContent, "lock_check_failed", err,
				zap.Int64(fieldMemoID, memoID), zap.Int64(fieldUserID, userID))
			return EditResult{}, err
		}
	}

	committed, err := o.guard.CheckAndApply(ctx, memoID, userID, edit)
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict), errors.Is(err, ErrNotFound), errors.Is(err, ErrBadRequest):
			return EditResult{}, err
		default:
			logError(o.logger, opUpdateContent, "apply_failed", err,
				zap.Int64(fieldMemoID, memoID), zap.Int64(fieldUserID, userID))
			return EditResult{}, newServiceError(opUpdateContent, "apply_failed", errors.Join(ErrConflict, err))
		}
	}

	result := EditResult{Memo: committed}
	if shared {
		released, err := o.locks.ReleaseOwned(ctx, memoID, userID)
		if err != nil {
			// The edit is durable; a stale lock expires on its own.
			o.logger.Warn("edit lock release failed after commit",
				zap.Int64(fieldMemoID, memoID),
				zap.Int64(fieldUserID, userID),
				zap.Error(err))
		}
		result.LockReleased = released
	}
	return result, nil
}

// EnterEditMode acquires or renews the caller's edit lock on a memo they belong to.
func (o *EditOrchestrator) EnterEditMode(ctx context.Context, memoID, userID int64, displayName string) (editlock.Acquisition, error) {
	if err := o.members.requireMember(ctx, opEnterEditMode, memoID, userID); err != nil {
		return editlock.Acquisition{}, err
	}
	return o.locks.TryEnterEditMode(ctx, memoID, userID, displayName)
}

// ExitEditMode drops the caller's edit lock if they hold it and reports
// whether a lock was removed.
func (o *EditOrchestrator) ExitEditMode(ctx context.Context, memoID, userID int64) (bool, error) {
	if err := o.members.requireMember(ctx, opExitEditMode, memoID, userID); err != nil {
		return false, err
	}
	return o.locks.ReleaseOwned(ctx, memoID, userID)
}
