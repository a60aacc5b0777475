package memos

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/memoshare/internal/editlock"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/plugin/optimisticlock"
)

const (
	opServiceNew   = "memos.service.new"
	opCreate       = "memos.create"
	opGet          = "memos.get"
	opList         = "memos.list"
	opSetFavorite  = "memos.set_favorite"
	opDelete       = "memos.delete"
	initialVersion = 1
)

// ServiceConfig wires the memo service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Groups     *GroupCounter
	Locks      EditLocker
	Directory  UserDirectory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the memo application service used by the HTTP layer.
type Service struct {
	db        *gorm.DB
	members   *MembershipTracker
	editor    *EditOrchestrator
	locks     EditLocker
	directory UserDirectory
	clock     func() time.Time
	logger    *zap.Logger
}

// NewService validates the configuration and assembles the memo components.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Locks == nil {
		return nil, newServiceError(opServiceNew, "missing_locks", errMissingLocks)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := loggerOrDefault(cfg.Logger)

	groups := cfg.Groups
	if groups == nil {
		var err error
		groups, err = NewGroupCounter(cfg.Database)
		if err != nil {
			return nil, err
		}
	}
	members, err := NewMembershipTracker(groups, cfg.Locks, cfg.Directory, clock, logger)
	if err != nil {
		return nil, err
	}
	guard, err := NewVersionGuard(cfg.Database, clock, cfg.IDProvider, logger)
	if err != nil {
		return nil, err
	}
	editor, err := NewEditOrchestrator(guard, members, cfg.Locks, logger)
	if err != nil {
		return nil, err
	}

	return &Service{
		db:        cfg.Database,
		members:   members,
		editor:    editor,
		locks:     cfg.Locks,
		directory: cfg.Directory,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Create stores a new memo owned by ownerID plus any invited members.
func (s *Service) Create(ctx context.Context, ownerID int64, request CreateRequest) (Memo, error) {
	if ownerID <= 0 {
		return Memo{}, newServiceError(opCreate, "invalid_owner", ErrBadRequest)
	}
	invitees := make([]int64, 0, len(request.MemberIDs))
	for _, userID := range uniqueIDs(request.MemberIDs) {
		if userID != ownerID {
			invitees = append(invitees, userID)
		}
	}
	if len(invitees) > 0 {
		known, err := s.directory.DisplayNames(ctx, invitees)
		if err != nil {
			logError(s.logger, opCreate, "directory_lookup_failed", err, zap.Int64(fieldUserID, ownerID))
			return Memo{}, newServiceError(opCreate, "directory_lookup_failed", err)
		}
		for _, userID := range invitees {
			if _, ok := known[userID]; !ok {
				return Memo{}, newServiceError(opCreate, "user_not_found", ErrNotFound)
			}
		}
	}

	now := s.clock().UTC().Unix()
	memo := Memo{
		Title:             strings.TrimSpace(request.Title),
		Content:           request.Content,
		Version:           optimisticlock.Version{Int64: initialVersion, Valid: true},
		CreatedAtSeconds:  now,
		ModifiedAtSeconds: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&memo).Error; err != nil {
			logError(s.logger, opCreate, "memo_insert_failed", err, zap.Int64(fieldUserID, ownerID))
			return newServiceError(opCreate, "memo_insert_failed", err)
		}
		memberships := make([]Membership, 0, len(invitees)+1)
		memberships = append(memberships, Membership{UserID: ownerID, MemoID: memo.ID, JoinedAtSeconds: now})
		for _, userID := range invitees {
			memberships = append(memberships, Membership{UserID: userID, MemoID: memo.ID, JoinedAtSeconds: now})
		}
		if err := tx.Create(&memberships).Error; err != nil {
			logError(s.logger, opCreate, "membership_insert_failed", err, zap.Int64(fieldMemoID, memo.ID))
			return newServiceError(opCreate, "membership_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		return Memo{}, err
	}
	return memo, nil
}

// Get returns a memo the caller belongs to, with its members and current editor.
// A lock store outage leaves Editor empty instead of failing the read.
func (s *Service) Get(ctx context.Context, userID, memoID int64) (MemoDetail, error) {
	if err := s.members.requireMember(ctx, opGet, memoID, userID); err != nil {
		return MemoDetail{}, err
	}

	var memo Memo
	if err := s.db.WithContext(ctx).Take(&memo, memoID).Error; err != nil {
		if isRecordNotFound(err) {
			return MemoDetail{}, newServiceError(opGet, "memo_not_found", ErrNotFound)
		}
		logError(s.logger, opGet, "memo_select_failed", err, zap.Int64(fieldMemoID, memoID))
		return MemoDetail{}, newServiceError(opGet, "memo_select_failed", err)
	}

	memberIDs, err := s.members.MemberIDs(ctx, memoID)
	if err != nil {
		return MemoDetail{}, err
	}
	names, err := s.directory.DisplayNames(ctx, memberIDs)
	if err != nil {
		logError(s.logger, opGet, "directory_lookup_failed", err, zap.Int64(fieldMemoID, memoID))
		return MemoDetail{}, newServiceError(opGet, "directory_lookup_failed", err)
	}
	detail := MemoDetail{Memo: memo, Members: make([]Member, 0, len(memberIDs))}
	for _, memberID := range memberIDs {
		detail.Members = append(detail.Members, Member{UserID: memberID, DisplayName: names[memberID]})
	}

	if len(memberIDs) >= 2 {
		holder, found, err := s.locks.Inspect(ctx, memoID)
		switch {
		case err != nil:
			s.logger.Warn("edit lock inspect failed", zap.Int64(fieldMemoID, memoID), zap.Error(err))
		case found:
			detail.Editor = &Member{UserID: holder.UserID, DisplayName: holder.DisplayName}
		}
	}
	return detail, nil
}

// List returns the caller's memos, newest first. A filter and a search term
// cannot be combined.
func (s *Service) List(ctx context.Context, userID int64, query ListQuery) ([]MemoSummary, error) {
	search := strings.TrimSpace(query.Search)
	if query.Filter != ListFilterAll && search != "" {
		return nil, newServiceError(opList, "filter_with_search", ErrBadRequest)
	}
	switch query.Filter {
	case ListFilterAll, ListFilterPrivate, ListFilterGroup, ListFilterStar:
	default:
		return nil, newServiceError(opList, "unknown_filter", ErrBadRequest)
	}

	statement := s.db.WithContext(ctx).
		Model(&Memo{}).
		Select("memos.*").
		Joins("JOIN user_memos ON user_memos.memo_id = memos.id").
		Where("user_memos.user_id = ?", userID)
	if query.Filter == ListFilterStar {
		statement = statement.Where("memos.favorite = ?", true)
	}
	if search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		statement = statement.Where("LOWER(memos.title) LIKE ? OR LOWER(memos.content) LIKE ?", pattern, pattern)
	}

	var memos []Memo
	if err := statement.Order("memos.modified_at_s DESC").Order("memos.id DESC").Find(&memos).Error; err != nil {
		logError(s.logger, opList, "memo_select_failed", err, zap.Int64(fieldUserID, userID))
		return nil, newServiceError(opList, "memo_select_failed", err)
	}
	if len(memos) == 0 {
		return []MemoSummary{}, nil
	}

	memoIDs := make([]int64, 0, len(memos))
	for _, memo := range memos {
		memoIDs = append(memoIDs, memo.ID)
	}
	var counts []struct {
		MemoID int64
		Total  int64
	}
	if err := s.db.WithContext(ctx).
		Model(&Membership{}).
		Select("memo_id, COUNT(*) AS total").
		Where("memo_id IN ?", memoIDs).
		Group("memo_id").
		Scan(&counts).Error; err != nil {
		logError(s.logger, opList, "member_count_failed", err, zap.Int64(fieldUserID, userID))
		return nil, newServiceError(opList, "member_count_failed", err)
	}
	sizes := make(map[int64]int64, len(counts))
	for _, count := range counts {
		sizes[count.MemoID] = count.Total
	}

	summaries := make([]MemoSummary, 0, len(memos))
	for _, memo := range memos {
		summary := MemoSummary{Memo: memo, MemberCount: sizes[memo.ID]}
		switch {
		case query.Filter == ListFilterPrivate && summary.Shared():
			continue
		case query.Filter == ListFilterGroup && !summary.Shared():
			continue
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// SetFavorite marks or unmarks a memo. It neither bumps the version nor
// consults the edit lock.
func (s *Service) SetFavorite(ctx context.Context, userID, memoID int64, favorite bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		member, err := isMember(tx, memoID, userID)
		if err != nil {
			logError(s.logger, opSetFavorite, "membership_lookup_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opSetFavorite, "membership_lookup_failed", err)
		}
		if !member {
			return newServiceError(opSetFavorite, "membership_not_found", ErrNotFound)
		}
		updated, err := setFavorite(tx, memoID, favorite)
		if err != nil {
			logError(s.logger, opSetFavorite, "memo_update_failed", err, zap.Int64(fieldMemoID, memoID))
			return newServiceError(opSetFavorite, "memo_update_failed", err)
		}
		if updated == 0 {
			return newServiceError(opSetFavorite, "memo_not_found", ErrNotFound)
		}
		return nil
	})
}

// UpdateContent applies a versioned content edit.
func (s *Service) UpdateContent(ctx context.Context, userID, memoID int64, edit ContentEdit) (EditResult, error) {
	return s.editor.UpdateContent(ctx, memoID, userID, edit)
}

// Delete removes the caller from the memo; the memo itself goes away with its last member.
func (s *Service) Delete(ctx context.Context, userID, memoID int64) (RemovalOutcome, error) {
	outcome, err := s.members.RemoveMember(ctx, memoID, userID)
	if err != nil {
		return RemovalOutcome{}, err
	}
	s.logger.Debug("memo membership removed",
		zap.String("operation", opDelete),
		zap.Int64(fieldMemoID, memoID),
		zap.Int64(fieldUserID, userID),
		zap.Bool("memo_deleted", outcome.MemoDeleted))
	return outcome, nil
}

// Invite adds users to a memo the inviter belongs to.
func (s *Service) Invite(ctx context.Context, inviterID, memoID int64, userIDs []int64) error {
	return s.members.AddMembers(ctx, memoID, inviterID, userIDs)
}

// EnterEditMode acquires or renews the caller's edit lock.
func (s *Service) EnterEditMode(ctx context.Context, userID, memoID int64, displayName string) (editlock.Acquisition, error) {
	return s.editor.EnterEditMode(ctx, memoID, userID, displayName)
}

// ExitEditMode releases the caller's edit lock.
func (s *Service) ExitEditMode(ctx context.Context, userID, memoID int64) (bool, error) {
	return s.editor.ExitEditMode(ctx, memoID, userID)
}

// MemberIDs lists the users of a memo, for event fan-out.
func (s *Service) MemberIDs(ctx context.Context, memoID int64) ([]int64, error) {
	return s.members.MemberIDs(ctx, memoID)
}
