package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is a unit of work tracked by a Queue. Its Data field carries the
// caller-supplied payload, pre-serialized so that either backend can store
// it opaquely.
type Job struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Queue string `json:"queue"`
	Data  []byte `json:"data"`
	Opts  Options `json:"opts"`

	State        Status          `json:"state"`
	AttemptsMade int             `json:"attemptsMade"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	Stacktrace   string          `json:"stacktrace,omitempty"`
	ReturnValue  []byte          `json:"returnValue,omitempty"`
	Logs         []string        `json:"logs,omitempty"`

	Timestamp   time.Time `json:"timestamp"`
	ProcessedOn time.Time `json:"processedOn,omitempty"`
	FinishedOn  time.Time `json:"finishedOn,omitempty"`
}

// Marshaler serializes job data payloads. internal/serialization.Serializer
// satisfies this.
type Marshaler interface {
	Marshal(v interface{}) ([]byte, error)
}

// New constructs a Job for the given queue/name pair and marshals data with
// m. State is Delayed if opts.Delay > 0, otherwise Waiting.
func New(m Marshaler, queueName, name string, data interface{}, opts Options) (*Job, error) {
	opts = withDefaults(opts)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	raw, err := m.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("job: marshal data: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	state := StatusWaiting
	if opts.Delay > 0 {
		state = StatusDelayed
	}

	return &Job{
		ID:        id,
		Name:      name,
		Queue:     queueName,
		Data:      raw,
		Opts:      opts,
		State:     state,
		Timestamp: time.Now(),
	}, nil
}

// GetState returns the job's current lifecycle state.
func (j *Job) GetState() Status {
	return j.State
}

// Update replaces the job's payload, re-marshaled with m.
func (j *Job) Update(m Marshaler, data interface{}) error {
	raw, err := m.Marshal(data)
	if err != nil {
		return fmt.Errorf("job: marshal data: %w", err)
	}
	j.Data = raw
	return nil
}

// SetProgress records a progress value. Callers emit the corresponding
// job:progress event themselves after a successful call.
func (j *Job) SetProgress(value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("job: marshal progress: %w", err)
	}
	j.Progress = raw
	return nil
}

// Log appends a line to the job's execution log. Each call adds one
// entry; never errors.
func (j *Job) Log(msg string) {
	j.Logs = append(j.Logs, msg)
}

// IsTerminal reports whether the job has completed or permanently failed.
func (j *Job) IsTerminal() bool {
	return j.State.IsTerminal()
}

// MarkActive transitions the job into the active state, stamps ProcessedOn
// on first entry, and counts the attempt being started.
func (j *Job) MarkActive() {
	j.State = StatusActive
	j.AttemptsMade++
	if j.ProcessedOn.IsZero() {
		j.ProcessedOn = time.Now()
	}
}

// MarkCompleted transitions the job to completed and records its return
// value.
func (j *Job) MarkCompleted(returnValue []byte) {
	j.State = StatusCompleted
	j.ReturnValue = returnValue
	j.FinishedOn = time.Now()
}

// MarkFailed records a failure of the attempt counted by MarkActive.
// retrying indicates whether the job will re-enter Waiting (true) or has
// exhausted its attempts and is now terminally Failed (false).
func (j *Job) MarkFailed(reason, stacktrace string, retrying bool) {
	j.FailedReason = reason
	j.Stacktrace = stacktrace
	if retrying {
		j.State = StatusWaiting
	} else {
		j.State = StatusFailed
		j.FinishedOn = time.Now()
	}
}

// Promote moves a delayed job to waiting immediately, bypassing its
// remaining delay. A no-op (returns false) unless the job is currently
// delayed.
func (j *Job) Promote() bool {
	if j.State != StatusDelayed {
		return false
	}
	j.State = StatusWaiting
	return true
}

// Discard forces a job directly to the terminal failed state, regardless of
// remaining attempts.
func (j *Job) Discard(reason string) {
	j.State = StatusFailed
	j.FailedReason = reason
	j.FinishedOn = time.Now()
}

// NextBackoff computes the delay to apply before the job's next retry,
// based on its current AttemptsMade.
func (j *Job) NextBackoff() time.Duration {
	return ComputeBackoff(j.AttemptsMade, j.Opts.Backoff)
}

// ShouldRetry reports whether the job has attempts remaining beyond the one
// counted by the latest MarkActive.
func (j *Job) ShouldRetry() bool {
	return j.AttemptsMade < j.Opts.Attempts
}
