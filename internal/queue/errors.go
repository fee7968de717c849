package queue

import "errors"

var (
	// ErrJobExists is returned by Add/AddBulk when opts.JobID collides with
	// an existing non-terminal job on a backend that maintains a global id
	// index (the Work-Queue backend).
	ErrJobExists = errors.New("queue: job already exists")
	// ErrProcessorExists is returned by Process when a processor is already
	// registered for the given (queue,name) pair.
	ErrProcessorExists = errors.New("queue: processor already registered")
	// ErrNotSupported is returned by an operation a backend cannot perform —
	// e.g. cron-based repeat on the Broker backend.
	ErrNotSupported = errors.New("queue: operation not supported by this backend")
	// ErrJobNotFound is returned by GetJob for an unknown id.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrQueueNotFound is returned by the admin layer for an unknown
	// (broker, name) pair.
	ErrQueueNotFound = errors.New("queue: queue not found")
	// ErrClosed is returned by any operation invoked after Close.
	ErrClosed = errors.New("queue: closed")
	// ErrPaused is returned when an operation requires an active queue.
	ErrPaused = errors.New("queue: paused")
)
