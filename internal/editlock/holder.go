package editlock

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	fieldUserID          = "userId"
	fieldUserDisplayName = "userDisplayName"
	fieldSeparator       = ","
	valueSeparator       = ":"
)

// ErrMalformedHolder indicates that a stored lock value could not be decoded.
var ErrMalformedHolder = errors.New("editlock: malformed holder value")

// Holder identifies the user currently holding an edit lock.
type Holder struct {
	UserID      int64
	DisplayName string
}

// Key returns the lock store key for a note.
func Key(noteID int64) string {
	return fmt.Sprintf("note:%d:lock", noteID)
}

// Encode renders the holder as userId:<id>,userDisplayName:<escaped name>.
func (h Holder) Encode() string {
	return ownerPrefix(h.UserID) + fieldUserDisplayName + valueSeparator + url.QueryEscape(h.DisplayName)
}

// DecodeHolder parses a value produced by Holder.Encode.
func DecodeHolder(value string) (Holder, error) {
	var (
		holder    Holder
		hasUserID bool
	)
	for _, segment := range strings.Split(value, fieldSeparator) {
		name, raw, found := strings.Cut(segment, valueSeparator)
		if !found {
			return Holder{}, fmt.Errorf("%w: %q", ErrMalformedHolder, value)
		}
		switch name {
		case fieldUserID:
			userID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Holder{}, fmt.Errorf("%w: user id %q", ErrMalformedHolder, raw)
			}
			holder.UserID = userID
			hasUserID = true
		case fieldUserDisplayName:
			displayName, err := url.QueryUnescape(raw)
			if err != nil {
				return Holder{}, fmt.Errorf("%w: display name %q", ErrMalformedHolder, raw)
			}
			holder.DisplayName = displayName
		}
	}
	if !hasUserID {
		return Holder{}, fmt.Errorf("%w: missing user id", ErrMalformedHolder)
	}
	return holder, nil
}

// ownerPrefix is the leading part of every value written for userID.
// The trailing separator keeps user 4 from matching a lock held by user 42.
func ownerPrefix(userID int64) string {
	return fieldUserID + valueSeparator + strconv.FormatInt(userID, 10) + fieldSeparator
}
