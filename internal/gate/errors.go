package gate

import "errors"

var (
	ErrSessionNotFound = errors.New("gate: session not found")
	// ErrSessionEnded is returned when a session was ended while the caller
	// waited for it.
	ErrSessionEnded = errors.New("gate: session ended")
	ErrEmptyMessage = errors.New("gate: message is empty")
)

// ErrFramesDisabled is returned by SubmitFrame when no analyzer is wired.
var ErrFramesDisabled = errors.New("gate: frame analysis not configured")
