package job

import (
	"math"
	"math/rand"
	"time"
)

// BackoffType selects the retry-delay curve computed by ComputeBackoff.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// DefaultMaxBackoff is the cap applied to the computed delay (of any
// backoff type) when BackoffOptions.MaxDelay is left zero.
const DefaultMaxBackoff = time.Hour

// BackoffOptions configures the retry-delay curve for a job's failed
// attempts.
type BackoffOptions struct {
	Type     BackoffType
	Delay    time.Duration
	MaxDelay time.Duration
	Jitter   float64 // in [0,1]; additive uniform jitter of up to delay*Jitter
}

// ComputeBackoff returns the delay to wait before re-entering waiting state
// after the attempt-th failed attempt. attempt is 1-indexed: the first retry
// after an initial failure is attempt=1.
func ComputeBackoff(attempt int, opts BackoffOptions) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackoff
	}

	var d time.Duration
	switch opts.Type {
	case BackoffLinear:
		d = delay * time.Duration(attempt)
	case BackoffExponential:
		d = time.Duration(float64(delay) * math.Pow(2, float64(attempt-1)))
	case BackoffFixed, "":
		d = delay
	default:
		d = delay
	}
	if d > maxDelay {
		d = maxDelay
	}

	if opts.Jitter > 0 {
		span := float64(delay) * opts.Jitter
		d += time.Duration(rand.Float64() * span)
	}
	return d
}
