package activitypub

import "errors"

var (
	// ErrInvalidSignature covers a missing, malformed or non-matching HTTP signature
	ErrInvalidSignature = errors.New("invalid http signature")
	// ErrInstanceBlocked is returned for activities from a blocked instance
	ErrInstanceBlocked = errors.New("instance is blocked")
	// ErrUnprocessable marks an activity missing required fields or targets
	ErrUnprocessable = errors.New("unprocessable activity")
	// ErrUnsupportedActivity is returned for activity types without a handler
	ErrUnsupportedActivity = errors.New("unsupported activity type")
	// ErrNoLocalPublisher means an outbound activity names an actor no local publisher owns
	ErrNoLocalPublisher = errors.New("no local publisher for actor")
)
