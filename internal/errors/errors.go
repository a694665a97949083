package errors

import "errors"

// Collection errors.
var (
	ErrLocalStore        = errors.New("local store unavailable")
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrInvalidOperation  = errors.New("invalid collection operation")

	// ErrSubscriptionEnded marks a live feed that stopped for good and
	// will deliver no further snapshots.
	ErrSubscriptionEnded = errors.New("subscription ended")
)

// Authentication errors.
var (
	ErrNotAuthenticated   = errors.New("not signed in")
	ErrInvalidCredentials = errors.New("invalid user or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrForbidden          = errors.New("access to another user's documents")
)

// Document store errors.
var (
	ErrNotFound        = errors.New("document not found")
	ErrInvalidDocument = errors.New("invalid document")
)
