package editlock

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked is matched by every LockedError.
	ErrLocked = errors.New("editlock: locked")
	// ErrStoreUnavailable marks transient lock store failures.
	ErrStoreUnavailable = errors.New("editlock: lock store unavailable")
	// ErrInvalidNoteID indicates a non-positive note identifier.
	ErrInvalidNoteID = errors.New("editlock: invalid note id")
	// ErrInvalidUserID indicates a non-positive user identifier.
	ErrInvalidUserID = errors.New("editlock: invalid user id")
)

// LockedError reports that the caller may not edit a note right now.
// Missing is set when a lock was required but none exists.
type LockedError struct {
	NoteID  int64
	Holder  Holder
	Missing bool
}

func (e *LockedError) Error() string {
	if e.Missing {
		return fmt.Sprintf("editlock: note %d has no edit lock", e.NoteID)
	}
	if e.Holder.DisplayName == "" {
		return fmt.Sprintf("editlock: note %d is being edited by another user", e.NoteID)
	}
	return fmt.Sprintf("editlock: note %d is being edited by %s", e.NoteID, e.Holder.DisplayName)
}

// Is lets errors.Is(err, ErrLocked) match.
func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// HolderName returns the display name of the user holding the lock, if known.
func (e *LockedError) HolderName() string {
	return e.Holder.DisplayName
}
