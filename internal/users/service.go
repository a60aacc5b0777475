package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	// ErrInvalidRegistration indicates a registration request with missing fields.
	ErrInvalidRegistration = errors.New("users: invalid registration")
	// ErrDuplicateLogin indicates that the login id is already taken.
	ErrDuplicateLogin = errors.New("users: login id already registered")
	// ErrInvalidCredentials indicates an unknown login id or a wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrInvalidProfile indicates a profile or password update with unusable values.
	ErrInvalidProfile = errors.New("users: invalid profile update")
	// ErrUserNotFound indicates that the account does not exist.
	ErrUserNotFound = errors.New("users: user not found")
)

const minPasswordLength = 4

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	HashCost int
	Logger   *zap.Logger
}

// Service manages user accounts and resolves display names for other packages.
type Service struct {
	db       *gorm.DB
	now      func() time.Time
	hashCost int
	logger   *zap.Logger
	cache    sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	hashCost := cfg.HashCost
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		now:      clock,
		hashCost: hashCost,
		logger:   logger,
	}, nil
}

// Register creates an account and returns it.
func (s *Service) Register(ctx context.Context, loginID, password, displayName string) (User, error) {
	loginID = normalize(loginID)
	displayName = normalize(displayName)
	if loginID == "" || displayName == "" || len(password) < minPasswordLength {
		return User{}, ErrInvalidRegistration
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}

	user := User{
		LoginID:          loginID,
		PasswordHash:     string(hash),
		DisplayName:      displayName,
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&User{}).Where("login_id = ?", loginID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDuplicateLogin
		}
		return tx.Create(&user).Error
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicateLogin) {
			s.logger.Error("user registration failed", zap.String("login_id", loginID), zap.Error(err))
		}
		return User{}, err
	}
	s.cache.Store(user.ID, user.DisplayName)
	return user, nil
}

// Authenticate verifies the login id and password pair.
func (s *Service) Authenticate(ctx context.Context, loginID, password string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("login_id = ?", normalize(loginID)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logger.Error("user lookup failed", zap.String("login_id", loginID), zap.Error(err))
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	seenAt := s.now().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", user.ID).
		Update("last_seen_at_s", seenAt).
		Error; err != nil {
		// The credentials were valid; a stale last-seen time does not block login.
		s.logger.Warn("last seen update failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return user, nil
	}
	user.LastSeenSeconds = seenAt
	return user, nil
}

// Profile returns the account of userID.
func (s *Service) Profile(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Take(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logger.Error("user lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return User{}, err
	}
	return user, nil
}

// UpdateProfile changes the display name of userID. Locks taken afterwards
// carry the new name; a lock held while renaming keeps the old one until it
// is released.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, displayName string) (User, error) {
	displayName = normalize(displayName)
	if displayName == "" {
		return User{}, ErrInvalidProfile
	}
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("user_display_name", displayName)
	if result.Error != nil {
		s.logger.Error("profile update failed", zap.Int64("user_id", userID), zap.Error(result.Error))
		return User{}, result.Error
	}
	s.cache.Delete(userID)
	if result.RowsAffected == 0 {
		return User{}, ErrUserNotFound
	}
	return s.Profile(ctx, userID)
}

// ChangePassword replaces the password of userID after checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrInvalidProfile
	}
	user, err := s.Profile(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.hashCost)
	if err != nil {
		return fmt.Errorf("users: hash password: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Update("password_hash", string(hash)).
		Error; err != nil {
		s.logger.Error("password update failed", zap.Int64("user_id", userID), zap.Error(err))
		return err
	}
	s.logger.Info("password changed", zap.Int64("user_id", userID))
	return nil
}

// DisplayNames resolves the given user ids. Unknown ids are omitted from the result.
func (s *Service) DisplayNames(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(userIDs))
	missing := make([]int64, 0, len(userIDs))
	for _, userID := range userIDs {
		if cached, ok := s.cache.Load(userID); ok {
			if name, ok := cached.(string); ok {
				names[userID] = name
				continue
			}
		}
		missing = append(missing, userID)
	}
	if len(missing) == 0 {
		return names, nil
	}

	var found []User
	if err := s.db.WithContext(ctx).
		Select("id", "user_display_name").
		Where("id IN ?", missing).
		Find(&found).Error; err != nil {
		return nil, err
	}
	for _, user := range found {
		names[user.ID] = user.DisplayName
		s.cache.Store(user.ID, user.DisplayName)
	}
	return names, nil
}
