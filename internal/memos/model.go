package memos

import (
	"gorm.io/plugin/optimisticlock"
)

// Memo is a note that one or more users own together.
// Version is bumped by the storage layer on every content update and is never
// touched by favorite toggles.
type Memo struct {
	ID                int64                  `gorm:"column:id;primaryKey;autoIncrement"`
	Title             string                 `gorm:"column:title;size:255;not null;default:''"`
	Content           string                 `gorm:"column:content;type:text;not null;default:''"`
	Favorite          bool                   `gorm:"column:favorite;not null;default:false"`
	Version           optimisticlock.Version `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds  int64                  `gorm:"column:created_at_s;not null"`
	ModifiedAtSeconds int64                  `gorm:"column:modified_at_s;not null;index:idx_memos_modified"`
}

// TableName provides the explicit table binding for GORM.
func (Memo) TableName() string {
	return "memos"
}

// CurrentVersion returns the persisted version number.
func (m Memo) CurrentVersion() int64 {
	return m.Version.Int64
}

// Membership joins a user to a memo. The number of memberships of a memo is its group size.
type Membership struct {
	UserID          int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	MemoID          int64 `gorm:"column:memo_id;primaryKey;autoIncrement:false;index:idx_user_memos_memo"`
	JoinedAtSeconds int64 `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "user_memos"
}

// Revision is an append-only record of a committed content edit.
type Revision struct {
	RevisionID       string `gorm:"column:revision_id;primaryKey;size:64;not null"`
	MemoID           int64  `gorm:"column:memo_id;not null;index:idx_revisions_memo_time,priority:1"`
	EditorID         int64  `gorm:"column:editor_id;not null"`
	PreviousVersion  int64  `gorm:"column:prev_version;not null"`
	NewVersion       int64  `gorm:"column:new_version;not null"`
	Title            string `gorm:"column:title;size:255;not null;default:''"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;index:idx_revisions_memo_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "memo_revisions"
}

// ContentEdit carries a title/content change together with the version the
// client last observed.
type ContentEdit struct {
	Title           string
	Content         string
	ExpectedVersion *int64
}

// CreateRequest describes a new memo and the users invited onto it.
type CreateRequest struct {
	Title     string
	Content   string
	MemberIDs []int64
}

// ListFilter narrows a memo listing.
type ListFilter string

const (
	// ListFilterAll returns every memo of the user.
	ListFilterAll ListFilter = ""
	// ListFilterPrivate returns memos the user owns alone.
	ListFilterPrivate ListFilter = "private-memo"
	// ListFilterGroup returns shared memos.
	ListFilterGroup ListFilter = "group-memo"
	// ListFilterStar returns favorite memos.
	ListFilterStar ListFilter = "star-memo"
)

// ListQuery selects either a filter or a search term, not both.
type ListQuery struct {
	Filter ListFilter
	Search string
}

// MemoSummary is a memo with its group size, as returned by List.
type MemoSummary struct {
	Memo        Memo
	MemberCount int64
}

// Shared reports whether more than one user owns the memo.
func (s MemoSummary) Shared() bool {
	return s.MemberCount >= 2
}

// Member is a user attached to a memo.
type Member struct {
	UserID      int64
	DisplayName string
}

// MemoDetail is a memo with its members and current editor, if any.
type MemoDetail struct {
	Memo    Memo
	Members []Member
	Editor  *Member
}

// RemovalOutcome describes the effect of a user leaving a memo.
// LockReleased is set when the change removed an edit lock from the store.
type RemovalOutcome struct {
	MemoDeleted      bool
	RemainingMembers int64
	LockReleased     bool
}

// EditResult is a committed content edit.
type EditResult struct {
	Memo         Memo
	LockReleased bool
}
