package job

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is a programming error: the requested transition
	// is not in the table. It is never retried.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrStaleClaim means the stored status no longer matches the expected
	// one: another actor transitioned the job first.
	ErrStaleClaim = errors.New("stale claim")

	ErrDuplicateID        = errors.New("duplicate job id")
	ErrNotFound           = errors.New("job not found")
	ErrInvalidState       = errors.New("invalid job state")
	ErrIdentityAlreadySet = errors.New("job identity already set")
	ErrUnknownKind        = errors.New("unknown job kind")
)

// Unavailable marks err as a transient store connectivity failure.
//
// The dispatch loop backs off on these instead of failing jobs.
//
// Example:
//
//	return job.Unavailable(fmt.Errorf("ping: %w", err))
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) {
		return err
	}
	return unavailableError{err: err}
}

// IsUnavailable reports whether err is wrapped with Unavailable.
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}

type unavailableError struct{ err error }

func (e unavailableError) Error() string { return fmt.Sprintf("store unavailable: %v", e.err) }
func (e unavailableError) Unwrap() error { return e.err }
