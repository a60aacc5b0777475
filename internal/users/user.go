package users

import (
	"strings"
)

// User is a registered account. LoginID is unique and used to sign in.
type User struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	LoginID          string `gorm:"column:login_id;size:190;not null;uniqueIndex"`
	PasswordHash     string `gorm:"column:password_hash;size:128;not null"`
	DisplayName      string `gorm:"column:user_display_name;size:320;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	LastSeenSeconds  int64  `gorm:"column:last_seen_at_s;not null;default:0"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
