// Package queue defines the backend-agnostic contract shared by the
// Work-Queue and Broker implementations, along with the events, errors, and
// metrics snapshot type both backends produce.
package queue

import (
	"context"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
)

// Processor handles one dequeued job and returns its return value. A
// non-nil error triggers the retry/backoff policy; a context deadline
// exceeded is indistinguishable to the caller from any other processor
// error except via the job's FailedReason.
type Processor func(ctx context.Context, j *job.Job) ([]byte, error)

// AddResult pairs a job with the error encountered while adding it, used by
// AddBulk's best-effort-per-item contract.
type AddResult struct {
	Job *job.Job
	Err error
}

// Queue is the contract implemented by both the Work-Queue (Redis-backed)
// and Broker (AMQP-style) backends. A single Queue instance corresponds to
// one named queue on one broker.
type Queue interface {
	// Add enqueues a single job and returns it, observable immediately.
	Add(ctx context.Context, name string, data interface{}, opts job.Options) (*job.Job, error)

	// AddBulk enqueues multiple jobs; the returned slice is the same length
	// as specs and pairs each input with its job or error.
	AddBulk(ctx context.Context, specs []BulkSpec) []AddResult

	// Process registers a processor for name with the given concurrency.
	// Duplicate registration for the same name returns ErrProcessorExists.
	Process(name string, concurrency int, fn Processor) error

	GetJob(ctx context.Context, id string) (*job.Job, error)
	GetJobs(ctx context.Context, states []job.Status, start, end int64) ([]*job.Job, error)
	GetJobCounts(ctx context.Context) (map[job.Status]int64, error)

	// RetryJob moves a terminally failed job back to waiting with its
	// attempt counter reset. Returns ErrJobNotFound for unknown ids and an
	// error for jobs that are not in the failed state.
	RetryJob(ctx context.Context, id string) error

	// RemoveJob deletes a job record and any queued reference to it.
	// Idempotent: removing an unknown id is not an error.
	RemoveJob(ctx context.Context, id string) error

	// PromoteJob moves a delayed job to waiting immediately, bypassing its
	// remaining delay. A no-op for jobs that are not delayed.
	PromoteJob(ctx context.Context, id string) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// Clean removes terminal jobs older than grace, oldest first, up to
	// limit (0 = unlimited), restricted to status if non-empty. Returns the
	// removed job ids.
	Clean(ctx context.Context, grace time.Duration, status job.Status, limit int) ([]string, error)

	// Empty discards all queued jobs and cancels scheduled timers. Does not
	// interrupt already-active processors.
	Empty(ctx context.Context) error

	// Close drains in-flight work where possible and releases resources.
	Close(ctx context.Context) error

	// GetMetrics returns a point-in-time snapshot of this queue's state.
	GetMetrics(ctx context.Context) (QueueMetrics, error)

	// Subscribe returns a channel of lifecycle events for this queue. The
	// caller must Unsubscribe via the returned Broadcaster-compatible
	// handle when done, or call Close on the queue.
	Subscribe(buffer int) chan Event
	Unsubscribe(ch chan Event)

	// Name and Broker identify this instance for factory lookups and admin
	// display.
	Name() string
	Broker() string
}

// BulkSpec is one entry of an AddBulk call.
type BulkSpec struct {
	Name string
	Data interface{}
	Opts job.Options
}
