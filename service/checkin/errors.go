package checkin

import (
	"errors"
	"fmt"
)

var (
	ErrUsernameTaken         = errors.New("username is already associated with someone else")
	ErrAlreadyAssociated     = errors.New("user is already associated with a different username")
	ErrAlreadyAssociatedSelf = errors.New("user is already associated with this username")
	ErrNotAssociated         = errors.New("not associated")
	ErrUnknownExternalUser   = errors.New("no such untappd user")
	ErrUnknownUser           = errors.New("could not resolve user")
	ErrUnknownChatUser       = errors.New("no such chat user")

	// ErrFeedUnavailable marks soft failures talking to Untappd. Callers on a
	// schedule treat it as "nothing new"; on-demand callers report it.
	ErrFeedUnavailable = errors.New("untappd feed unavailable")
)

// ErrAlreadyAssociatedWith is returned when a chat user who already has a
// username tries to claim a different one. It matches ErrAlreadyAssociated.
type ErrAlreadyAssociatedWith struct {
	Username string
}

func (e ErrAlreadyAssociatedWith) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadyAssociated, e.Username)
}

func (e ErrAlreadyAssociatedWith) Unwrap() error {
	return ErrAlreadyAssociated
}
