package history

import "errors"

// Store-level failure conditions. Callers are expected to test these with
// errors.Is: lock timeouts and concurrent modifications are retryable,
// corrupt history is not.
var (
	// ErrLockTimeout indicates the chat's exclusive lock could not be
	// acquired within the configured interval. The operation did not run.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrConcurrentModification indicates the on-disk generation changed
	// between the caller's snapshot and a prefix replacement. The caller
	// must re-read and recompute, never overwrite.
	ErrConcurrentModification = errors.New("history changed since snapshot")

	// ErrCorruptHistory indicates the on-disk record could not be decoded.
	// The store never repairs this by truncation; the caller decides.
	ErrCorruptHistory = errors.New("corrupt history file")
)
