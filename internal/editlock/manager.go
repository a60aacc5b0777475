package editlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/memoshare/internal/lockstore"
	"go.uber.org/zap"
)

// DefaultTTL is how long an edit lock survives without a heartbeat.
const DefaultTTL = 10 * time.Minute

const (
	opTryEnterEditMode = "editlock.try_enter_edit_mode"
	opVerifyOwnership  = "editlock.verify_ownership"
	opReleaseOwned     = "editlock.release_owned"
	opForceRelease     = "editlock.force_release"
	opInspect          = "editlock.inspect"
)

// Store is the subset of the lock store the protocol relies on.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ExtendTTL(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	DeleteIfOwned(ctx context.Context, key, ownerPrefix string) (lockstore.DeleteOutcome, error)
}

// GroupSizer reports how many users share a note.
type GroupSizer interface {
	GroupSize(ctx context.Context, noteID int64) (int64, error)
}

// Ownership is the result of an ownership check.
type Ownership int

const (
	// OwnershipNoLock means no lock exists for the note.
	OwnershipNoLock Ownership = iota
	// OwnershipCaller means the caller holds the lock.
	OwnershipCaller
	// OwnershipOther means another user holds the lock.
	OwnershipOther
)

func (o Ownership) String() string {
	switch o {
	case OwnershipNoLock:
		return "no_lock"
	case OwnershipCaller:
		return "caller"
	case OwnershipOther:
		return "other"
	default:
		return "unknown"
	}
}

// Acquisition describes a successful TryEnterEditMode call.
type Acquisition struct {
	// Shared is false when the note has a single owner and no lock was taken.
	Shared  bool
	Renewed bool
	Holder  Holder
	TTL     time.Duration
}

// Config wires the manager dependencies.
type Config struct {
	Store  Store
	Groups GroupSizer
	TTL    time.Duration
	Logger *zap.Logger
}

// Manager implements the advisory edit lock protocol for shared notes.
type Manager struct {
	store  Store
	groups GroupSizer
	ttl    time.Duration
	logger *zap.Logger
}

// NewManager validates the configuration and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("editlock: store is required")
	}
	if cfg.Groups == nil {
		return nil, errors.New("editlock: group sizer is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  cfg.Store,
		groups: cfg.Groups,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// TTL returns the configured lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryEnterEditMode acquires the note's edit lock for the user, or renews it
// when the user already holds it. Single-owner notes are never locked.
func (m *Manager) TryEnterEditMode(ctx context.Context, noteID, userID int64, displayName string) (Acquisition, error) {
	if err := validateIDs(noteID, userID); err != nil {
		return Acquisition{}, err
	}
	shared, err := m.isShared(ctx, noteID)
	if err != nil {
		return Acquisition{}, err
	}
	if !shared {
		return Acquisition{Shared: false}, nil
	}

	key := Key(noteID)
	caller := Holder{UserID: userID, DisplayName: displayName}

	current, found, err := m.readHolder(ctx, opTryEnterEditMode, noteID)
	if err != nil {
		return Acquisition{}, err
	}
	if found && current.UserID != userID {
		return Acquisition{}, &LockedError{NoteID: noteID, Holder: current}
	}
	if found {
		extended, err := m.store.ExtendTTL(ctx, key, m.ttl)
		if err != nil {
			return Acquisition{}, m.storeFailure(opTryEnterEditMode, noteID, err)
		}
		if extended {
			m.logger.Debug("edit lock renewed", zap.Int64("note_id", noteID), zap.Int64("user_id", userID))
			return Acquisition{Shared: true, Renewed: true, Holder: current, TTL: m.ttl}, nil
		}
		// The lock lapsed between the read and the extend; fall through and
		// take it again like a fresh acquisition.
	}

	created, err := m.store.SetIfAbsent(ctx, key, caller.Encode(), m.ttl)
	if err != nil {
		return Acquisition{}, m.storeFailure(opTryEnterEditMode, noteID, err)
	}
	if created {
		m.logger.Debug("edit lock acquired", zap.Int64("note_id", noteID), zap.Int64("user_id", userID))
		return Acquisition{Shared: true, Holder: caller, TTL: m.ttl}, nil
	}

	// Someone else won the conditional set; report whoever holds it now.
	winner, found, err := m.readHolder(ctx, opTryEnterEditMode, noteID)
	if err != nil {
		return Acquisition{}, err
	}
	if found && winner.UserID == userID {
		return Acquisition{Shared: true, Renewed: true, Holder: winner, TTL: m.ttl}, nil
	}
	return Acquisition{}, &LockedError{NoteID: noteID, Holder: winner}
}

// VerifyOwnership checks whether userID may mutate the note. An OwnershipOther
// result always fails; OwnershipNoLock fails only when required is true.
// Single-owner notes report OwnershipNoLock and never fail.
func (m *Manager) VerifyOwnership(ctx context.Context, noteID, userID int64, required bool) (Ownership, error) {
	if err := validateIDs(noteID, userID); err != nil {
		return OwnershipNoLock, err
	}
	shared, err := m.isShared(ctx, noteID)
	if err != nil {
		return OwnershipNoLock, err
	}
	if !shared {
		return OwnershipNoLock, nil
	}

	current, found, err := m.readHolder(ctx, opVerifyOwnership, noteID)
	if err != nil {
		return OwnershipNoLock, err
	}
	switch {
	case !found:
		if required {
			return OwnershipNoLock, &LockedError{NoteID: noteID, Missing: true}
		}
		return OwnershipNoLock, nil
	case current.UserID == userID:
		if _, err := m.store.ExtendTTL(ctx, Key(noteID), m.ttl); err != nil {
			return OwnershipCaller, m.storeFailure(opVerifyOwnership, noteID, err)
		}
		return OwnershipCaller, nil
	default:
		return OwnershipOther, &LockedError{NoteID: noteID, Holder: current}
	}
}

// ReleaseOwned removes the lock only if userID holds it and reports whether a
// key was removed.
func (m *Manager) ReleaseOwned(ctx context.Context, noteID, userID int64) (bool, error) {
	if err := validateIDs(noteID, userID); err != nil {
		return false, err
	}
	shared, err := m.isShared(ctx, noteID)
	if err != nil {
		return false, err
	}
	if !shared {
		return false, nil
	}
	return m.releaseOwned(ctx, noteID, userID)
}

func (m *Manager) releaseOwned(ctx context.Context, noteID, userID int64) (bool, error) {
	outcome, err := m.store.DeleteIfOwned(ctx, Key(noteID), ownerPrefix(userID))
	if err != nil {
		return false, m.storeFailure(opReleaseOwned, noteID, err)
	}
	m.logger.Debug("edit lock release",
		zap.Int64("note_id", noteID),
		zap.Int64("user_id", userID),
		zap.String("outcome", outcome.String()))
	return outcome == lockstore.DeleteOutcomeDeleted, nil
}

// ForceRelease deletes the note's lock regardless of who holds it and reports
// whether a key was removed.
func (m *Manager) ForceRelease(ctx context.Context, noteID int64) (bool, error) {
	if noteID <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidNoteID, noteID)
	}
	removed, err := m.store.Delete(ctx, Key(noteID))
	if err != nil {
		return false, m.storeFailure(opForceRelease, noteID, err)
	}
	if removed {
		m.logger.Info("edit lock force released", zap.Int64("note_id", noteID))
	}
	return removed, nil
}

// Inspect returns the current holder of the note's lock without changing it.
func (m *Manager) Inspect(ctx context.Context, noteID int64) (Holder, bool, error) {
	if noteID <= 0 {
		return Holder{}, false, fmt.Errorf("%w: %d", ErrInvalidNoteID, noteID)
	}
	return m.readHolder(ctx, opInspect, noteID)
}

func (m *Manager) readHolder(ctx context.Context, operation string, noteID int64) (Holder, bool, error) {
	value, found, err := m.store.Get(ctx, Key(noteID))
	if err != nil {
		return Holder{}, false, m.storeFailure(operation, noteID, err)
	}
	if !found {
		return Holder{}, false, nil
	}
	holder, err := DecodeHolder(value)
	if err != nil {
		// An unreadable value still occupies the key; treat it as foreign until it expires.
		m.logger.Warn("edit lock value unreadable",
			zap.String("operation", operation),
			zap.Int64("note_id", noteID),
			zap.Error(err))
		return Holder{}, true, nil
	}
	return holder, true, nil
}

func (m *Manager) isShared(ctx context.Context, noteID int64) (bool, error) {
	size, err := m.groups.GroupSize(ctx, noteID)
	if err != nil {
		return false, err
	}
	return size >= 2, nil
}

func (m *Manager) storeFailure(operation string, noteID int64, cause error) error {
	m.logger.Error("edit lock store failure",
		zap.String("operation", operation),
		zap.Int64("note_id", noteID),
		zap.Error(cause))
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, operation, cause)
}

func validateIDs(noteID, userID int64) error {
	if noteID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidNoteID, noteID)
	}
	if userID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidUserID, userID)
	}
	return nil
}
