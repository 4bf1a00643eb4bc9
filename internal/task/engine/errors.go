package engine

import "errors"

var (
	ErrStopped = errors.New("worker pool stopped")
	ErrNoSlot  = errors.New("worker pool: reservation required")
)

// Cancellation causes delivered to a running behavior through its context.
// context.Cause(ctx) reports which one fired.
var (
	ErrTimeout  = errors.New("job deadline exceeded")
	ErrKilled   = errors.New("job killed")
	ErrShutdown = errors.New("worker pool shutting down")

	// ErrAborted stops a slot whose job was finished by another actor; the
	// slot exits without writing a terminal status.
	ErrAborted = errors.New("job finished elsewhere")
)
