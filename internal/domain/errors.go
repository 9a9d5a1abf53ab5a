package domain

import "errors"

// Sentinel errors forming the failure taxonomy shared across the core.
// Callers classify failures with errors.Is and decide retry policy from
// the category, not from message text.
var (
	// ErrNotFound indicates a missing file, fingerprint, or palette record.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates a dependency that is not ready, such as an
	// unloaded encoder or an uninitialized store.
	ErrUnavailable = errors.New("unavailable")

	// ErrInvalid indicates malformed caller input: empty text, a bad color
	// hex string, or a vector of unexpected dimensionality.
	ErrInvalid = errors.New("invalid input")

	// ErrTransient indicates a retryable failure such as a network timeout
	// or a busy database.
	ErrTransient = errors.New("transient failure")

	// ErrCorrupt indicates unreadable persisted data. Not retryable.
	ErrCorrupt = errors.New("corrupt data")
)
