package job

import "errors"

var (
	// ErrInvalidInterval is returned by ParseInterval for an input it does
	// not accept, and by options validation for a repeat with neither a
	// cron expression nor a positive interval.
	ErrInvalidInterval = errors.New("job: invalid interval")
	// ErrInvalidBackoff is returned by options validation for attempts
	// below 1, an unknown backoff type, or an out-of-range jitter.
	ErrInvalidBackoff = errors.New("job: invalid backoff options")
)
