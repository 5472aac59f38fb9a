package pairing

import "errors"

var (
	// ErrInvalidUser is returned when the user id is empty or unusable as a path segment.
	ErrInvalidUser = errors.New("pairing: invalid user id")

	// ErrNotOwner is returned when the device is not paired to the calling user.
	ErrNotOwner = errors.New("pairing: device is not paired to this user")

	// ErrCodeSpaceExhausted is returned by IssueCode when no free code was found.
	ErrCodeSpaceExhausted = errors.New("pairing: no free pairing code")
)
