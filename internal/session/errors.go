package session

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrSessionNotFound is returned for a session with no events.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidSessionID is returned for ids that cannot name a log file.
	ErrInvalidSessionID = errors.New("invalid session id")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateID checks that id is safe to use as a file name and bus subject
// token.
func ValidateID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}
