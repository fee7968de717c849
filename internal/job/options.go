package job

import (
	"fmt"
	"time"
)

// Retention controls what happens to a job's record once it reaches a
// terminal state. The zero value keeps the record indefinitely.
type Retention struct {
	Remove   bool // delete the record entirely on reaching this state
	KeepLast int  // if Remove is false and KeepLast > 0, trim to the last N records
}

// KeepForever is the zero-value Retention: never trim or delete.
var KeepForever = Retention{}

// RemoveImmediately discards the job record as soon as it reaches the
// associated terminal state.
var RemoveImmediately = Retention{Remove: true}

// KeepLastN retains only the most recent n terminal job records.
func KeepLastN(n int) Retention {
	return Retention{KeepLast: n}
}

// Repeat configures a deterministic scheduler that spawns a new job per
// tick, either on a fixed Interval or a Cron expression.
type Repeat struct {
	Cron        string
	Interval    time.Duration
	StartDate   *time.Time
	EndDate     *time.Time
	Limit       int
	Immediately bool
}

// Options configures how a single job is added to a queue and how it
// behaves across retries.
type Options struct {
	Delay            time.Duration
	Priority         Priority
	Attempts         int
	Backoff          BackoffOptions
	Timeout          time.Duration
	RemoveOnComplete Retention
	RemoveOnFail     Retention
	Repeat           *Repeat
	JobID            string
	Tags             []string
	Metadata         map[string]string
}

// DefaultOptions returns the baseline job options: one attempt, normal
// priority, a one-second fixed backoff, and no retention trimming.
func DefaultOptions() Options {
	return Options{
		Priority: PriorityNormal,
		Attempts: 1,
		Backoff: BackoffOptions{
			Type:  BackoffFixed,
			Delay: time.Second,
		},
	}
}

// Validate rejects option combinations that add/addBulk must refuse.
func (o Options) Validate() error {
	if o.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be >= 1, got %d", ErrInvalidBackoff, o.Attempts)
	}
	switch o.Backoff.Type {
	case BackoffFixed, BackoffLinear, BackoffExponential, "":
	default:
		return fmt.Errorf("%w: unknown backoff type %q", ErrInvalidBackoff, o.Backoff.Type)
	}
	if o.Backoff.Jitter < 0 || o.Backoff.Jitter > 1 {
		return fmt.Errorf("%w: jitter must be in [0,1], got %f", ErrInvalidBackoff, o.Backoff.Jitter)
	}
	if o.Repeat != nil {
		if o.Repeat.Cron == "" && o.Repeat.Interval <= 0 {
			return fmt.Errorf("%w: repeat requires cron or interval", ErrInvalidInterval)
		}
	}
	return nil
}

// withDefaults fills a zero Attempts, Backoff.Delay and Backoff.Type from
// DefaultOptions without clobbering an explicitly chosen value. Other
// fields, Priority included, are left as given.
func withDefaults(o Options) Options {
	d := DefaultOptions()
	if o.Attempts == 0 {
		o.Attempts = d.Attempts
	}
	if o.Backoff.Delay == 0 {
		o.Backoff.Delay = d.Backoff.Delay
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = d.Backoff.Type
	}
	return o
}
