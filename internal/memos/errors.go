package memos

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the memo or the caller's membership does not exist.
	ErrNotFound = errors.New("memos: not found")
	// ErrConflict indicates that the memo changed since the client last read it.
	ErrConflict = errors.New("memos: version conflict")
	// ErrBadRequest indicates invalid caller input.
	ErrBadRequest = errors.New("memos: bad request")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingLocks      = errors.New("edit locker is required")
	errMissingDirectory  = errors.New("user directory is required")
	errMissingVersion    = errors.New("expected version is required")
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the <operation>.<reason> identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
