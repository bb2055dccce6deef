package domain

import "errors"

var (
	// ErrInvalidMessage marks a queue message that cannot become a Job. It is never executed.
	ErrInvalidMessage = errors.New("message did not match schema")

	// ErrWatchdogTimeout means the container runtime is presumed dead.
	ErrWatchdogTimeout = errors.New("job watchdog timeout exceeded")

	// ErrNoImage means the image could be neither pulled nor found in the local cache.
	ErrNoImage = errors.New("image unavailable")
)
