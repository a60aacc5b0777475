package memos

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opGroupSize    = "memos.group_size"
	opAddMembers   = "memos.add_members"
	opRemoveMember = "memos.remove_member"
	opMemberIDs    = "memos.member_ids"
)

// LockReleaser is the part of the edit lock protocol membership changes need.
type LockReleaser interface {
	ReleaseOwned(ctx context.Context, memoID, userID int64) (bool, error)
	ForceRelease(ctx context.Context, memoID int64) (bool, error)
}

// UserDirectory resolves user identifiers to display names. Unknown ids are
// absent from the returned map.
type UserDirectory interface {
	DisplayNames(ctx context.Context, userIDs []int64) (map[int64]string, error)
}

// GroupCounter answers how many users share a memo.
type GroupCounter struct {
	db *gorm.DB
}

// NewGroupCounter builds a counter over the memberships table.
func NewGroupCounter(db *gorm.DB) (*GroupCounter, error) {
	if db == nil {
		return nil, newServiceError("memos.group_counter.new", "missing_database", errMissingDatabase)
	}
	return &GroupCounter{db: db}, nil
}

// GroupSize returns the number of memberships of the memo; zero when it does not exist.
func (c *GroupCounter) GroupSize(ctx context.Context, memoID int64) (int64, error) {
	count, err := countMembers(c.db.WithContext(ctx), memoID)
	if err != nil {
		return 0, newServiceError(opGroupSize, "query_failed", err)
	}
	return count, nil
}

// IsShared reports whether at least two users own the memo.
func (c *GroupCounter) IsShared(ctx context.Context, memoID int64) (bool, error) {
	size, err := c.GroupSize(ctx, memoID)
	if err != nil {
		return false, err
	}
	return size >= 2, nil
}

// MembershipTracker owns membership changes and the lock cleanup they imply.
type MembershipTracker struct {
	*GroupCounter
	db        *gorm.DB
	locks     LockReleaser
	directory UserDirectory
	clock     func() time.Time
	logger    *zap.Logger
}

// NewMembershipTracker wires a tracker.
func NewMembershipTracker(counter *GroupCounter, locks LockReleaser, directory UserDirectory, clock func() time.Time, logger *zap.Logger) (*MembershipTracker, error) {
	if counter == nil {
		return nil, newServiceError("memos.membership_tracker.new", "missing_database", errMissingDatabase)
	}
	if locks == nil {
		return nil, newServiceError("memos.membership_tracker.new", "missing_locks", errMissingLocks)
	}
	if directory == nil {
		return nil, newServiceError("memos.membership_tracker.new", "missing_directory", errMissingDirectory)
	}
	if clock == nil {
		clock = time.Now
	}
	return &MembershipTracker{
		GroupCounter: counter,
		db:           counter.db,
		locks:        locks,
		directory:    directory,
		clock:        clock,
		logger:       loggerOrDefault(logger),
	}, nil
}

// MemberIDs lists the users attached to a memo in ascending order.
func (t *MembershipTracker) MemberIDs(ctx context.Context, memoID int64) ([]int64, error) {
	var userIDs []int64
	if err := t.db.WithContext(ctx).
		Model(&Membership{}).
		Where("memo_id = ?", memoID).
		Order("user_id ASC").
		Pluck("user_id", &userIDs).Error; err != nil {
		logError(t.logger, opMemberIDs, "query_failed", err, zap.Int64(fieldMemoID, memoID))
		return nil, newServiceError(opMemberIDs, "query_failed", err)
	}
	return userIDs, nil
}

// AddMembers invites users onto a memo the inviter already belongs to. A memo
// whose group changes loses its favorite flag.
func (t *MembershipTracker) AddMembers(ctx context.Context, memoID, inviterID int64, userIDs []int64) error {
	invitees := uniqueIDs(userIDs)
	if len(invitees) == 0 {
		return newServiceError(opAddMembers, "empty_invitees", ErrBadRequest)
	}

	// Resolve users before opening the transaction; the directory may share
	// the same connection pool.
	known, err := t.directory.DisplayNames(ctx, invitees)
	if err != nil {
		logError(t.logger, opAddMembers, "directory_lookup_failed", err, zap.Int64(fieldMemoID, memoID))
		return newServiceError(opAddMembers, "directory_lookup_failed", err)
	}
	for _, userID := range invitees {
		if _, ok := known[userID]; !ok {
			return newServiceError(opAddMembers, "user_not_found", ErrNotFound)
		}
	}

	joinedAt := t.clock().UTC().Unix()
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := isMember(tx, memoID, inviterID)
		if err != nil {
			logError(t.logger, opAddMembers, "membership_lookup_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opAddMembers, "membership_lookup_failed", err)
		}
		if !member {
			return newServiceError(opAddMembers, "membership_not_found", ErrNotFound)
		}

		var existing []int64
		if err := tx.Model(&Membership{}).
			Where("memo_id = ? AND user_id IN ?", memoID, invitees).
			Pluck("user_id", &existing).Error; err != nil {
			logError(t.logger, opAddMembers, "membership_lookup_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opAddMembers, "membership_lookup_failed", err)
		}
		if len(existing) > 0 {
			return newServiceError(opAddMembers, "duplicate_member", ErrBadRequest)
		}

		if _, err := setFavorite(tx, memoID, false); err != nil {
			logError(t.logger, opAddMembers, "favorite_reset_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opAddMembers, "favorite_reset_failed", err)
		}

		memberships := make([]Membership, 0, len(invitees))
		for _, userID := range invitees {
			memberships = append(memberships, Membership{UserID: userID, MemoID: memoID, JoinedAtSeconds: joinedAt})
		}
		if err := tx.CreateInBatches(memberships, 100).Error; err != nil {
			logError(t.logger, opAddMembers, "membership_insert_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opAddMembers, "membership_insert_failed", err)
		}
		return nil
	})
}

// RemoveMember detaches the user from the memo. The last member leaving
// deletes the memo. A memo dropping from two members to one loses its favorite
// flag and any edit lock; a larger group only loses the leaver's own lock.
// Lock cleanup runs after the membership change has committed.
func (t *MembershipTracker) RemoveMember(ctx context.Context, memoID, userID int64) (RemovalOutcome, error) {
	var previousSize int64
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := isMember(tx, memoID, userID)
		if err != nil {
			logError(t.logger, opRemoveMember, "membership_lookup_failed", err,
				zap.Int64(fieldMemoID, memoID), zap.Int64(fieldUserID, userID))
			return newServiceError(opRemoveMember, "membership_lookup_failed", err)
		}
		if !member {
			return newServiceError(opRemoveMember, "membership_not_found", ErrNotFound)
		}

		previousSize, err = countMembers(tx, memoID)
		if err != nil {
			logError(t.logger, opRemoveMember, "group_size_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opRemoveMember, "group_size_failed", err)
		}

		if err := tx.Where(queryMembership, userID, memoID).Delete(&Membership{}).Error; err != nil {
			logError(t.logger, opRemoveMember, "membership_delete_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opRemoveMember, "membership_delete_failed", err)
		}

		switch {
		case previousSize <= 1:
			if err := tx.Where("memo_id = ?", memoID).Delete(&Revision{}).Error; err != nil {
				logError(t.logger, opRemoveMember, "revision_delete_failed", err, zap.Int64(fieldMemoID, memoID))
				return newServiceError(opRemoveMember, "revision_delete_failed", err)
			}
			if err := tx.Delete(&Memo{}, memoID).Error; err != nil {
				logError(t.logger, opRemoveMember, "memo_delete_failed", err, zap.Int64(fieldMemoID, memoID))
				return newServiceError(opRemoveMember, "memo_delete_failed", err)
			}
		case previousSize == 2:
			if _, err := setFavorite(tx, memoID, false); err != nil {
				logError(t.logger, opRemoveMember, "favorite_reset_failed", err, zap.Int64(fieldMemoID, memoID))
				return newServiceError(opRemoveMember, "favorite_reset_failed", err)
			}
		}
		return nil
	})
	if err != nil {
		return RemovalOutcome{}, err
	}

	outcome := RemovalOutcome{
		MemoDeleted:      previousSize <= 1,
		RemainingMembers: max(previousSize-1, 0),
	}

	switch {
	case previousSize == 2:
		released, err := t.locks.ForceRelease(ctx, memoID)
		if err != nil {
			t.logger.Warn("edit lock force release failed after membership change",
				zap.Int64(fieldMemoID, memoID), zap.Error(err))
		}
		outcome.LockReleased = released
	case previousSize > 2:
		released, err := t.locks.ReleaseOwned(ctx, memoID, userID)
		if err != nil {
			t.logger.Warn("edit lock release failed after membership change",
				zap.Int64(fieldMemoID, memoID), zap.Int64(fieldUserID, userID), zap.Error(err))
		}
		outcome.LockReleased = released
	}
	return outcome, nil
}

// requireMember returns ErrNotFound unless userID belongs to memoID.
func (t *MembershipTracker) requireMember(ctx context.Context, operation string, memoID, userID int64) error {
	member, err := isMember(t.db.WithContext(ctx), memoID, userID)
	if err != nil {
		logError(t.logger, operation, "membership_lookup_failed", err,
			zap.Int64(fieldMemoID, memoID), zap.Int64(fieldUserID, userID))
		return newServiceError(operation, "membership_lookup_failed", err)
	}
	if !member {
		return newServiceError(operation, "membership_not_found", ErrNotFound)
	}
	return nil
}

func uniqueIDs(values []int64) []int64 {
	seen := make(map[int64]struct{}, len(values))
	unique := make([]int64, 0, len(values))
	for _, value := range values {
		if value <= 0 {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })
	return unique
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
