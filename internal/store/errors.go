package store

import "errors"

// Error taxonomy shared by every Store implementation. Callers branch with
// errors.Is; everything not wrapping one of these sentinels is treated as
// ErrInternal at the boundary.
var (
	ErrNotFound          = errors.New("store: not found")
	ErrAlreadyExists     = errors.New("store: already exists")
	ErrInvalidArgument   = errors.New("store: invalid argument")
	ErrUnauthenticated   = errors.New("store: unauthenticated")
	ErrPermissionDenied  = errors.New("store: permission denied")
	ErrResourceExhausted = errors.New("store: resource exhausted")
	ErrUnavailable       = errors.New("store: unavailable")
	ErrInternal          = errors.New("store: internal")

	// ErrBatchCommitted is returned by Batch.Add/Commit after the batch has
	// already been committed. Committing is terminal.
	ErrBatchCommitted = errors.New("store: batch already committed")
)

// IsRetryable reports whether the error is transient and the operation may
// be retried as-is. Only ErrUnavailable qualifies; RunTransaction retries
// these internally before surfacing them.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
