// Package result stores the outcome of a processed job so a caller who
// doesn't want to subscribe to queue events can poll or block for it
// instead. It is an optional collaborator: the Work-Queue and Broker
// backends work without one, and the Batch Worker uses it only when
// configured with one for its per-item processing path.
package result

import (
	"context"
	"encoding/json"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
)

// Result is the terminal outcome of a single job attempt.
type Result struct {
	JobID       string
	Status      job.Status
	CompletedAt time.Time
	Duration    time.Duration
	Result      json.RawMessage
	Error       string
}

// IsSuccess reports whether the job completed without error.
func (r *Result) IsSuccess() bool {
	return r.Status == job.StatusCompleted
}

// IsFailed reports whether the job reached its terminal failed state.
func (r *Result) IsFailed() bool {
	return r.Status == job.StatusFailed
}

// Backend stores and retrieves job results.
type Backend interface {
	// StoreResult stores a job result in the backend.
	StoreResult(ctx context.Context, result *Result) error

	// GetResult retrieves a job result by job ID. Returns nil, nil if the
	// job hasn't finished yet or the result has expired.
	GetResult(ctx context.Context, jobID string) (*Result, error)

	// WaitForResult blocks until a result is available or the timeout is
	// reached. Returns nil, nil on timeout rather than an error.
	WaitForResult(ctx context.Context, jobID string, timeout time.Duration) (*Result, error)

	// DeleteResult removes a result. Not an error if it doesn't exist.
	DeleteResult(ctx context.Context, jobID string) error

	// Close releases any connections the backend holds.
	Close() error
}
