package job

import (
	"testing"
	"time"
)

func TestComputeBackoffFixed(t *testing.T) {
	opts := BackoffOptions{Type: BackoffFixed, Delay: 100 * time.Millisecond}
	for attempt := 1; attempt <= 3; attempt++ {
		if got := ComputeBackoff(attempt, opts); got != 100*time.Millisecond {
			t.Errorf("attempt %d: got %v, want 100ms", attempt, got)
		}
	}
}

func TestComputeBackoffLinear(t *testing.T) {
	opts := BackoffOptions{Type: BackoffLinear, Delay: 50 * time.Millisecond}
	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}
	for i, attempt := range []int{1, 2, 3} {
		if got := ComputeBackoff(attempt, opts); got != want[i] {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want[i])
		}
	}
}

func TestComputeBackoffExponential(t *testing.T) {
	opts := BackoffOptions{Type: BackoffExponential, Delay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, attempt := range []int{1, 2, 3} {
		if got := ComputeBackoff(attempt, opts); got != want[i] {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want[i])
		}
	}
}

func TestComputeBackoffExponentialCap(t *testing.T) {
	opts := BackoffOptions{Type: BackoffExponential, Delay: time.Hour, MaxDelay: 90 * time.Minute}
	got := ComputeBackoff(5, opts)
	if got != 90*time.Minute {
		t.Errorf("got %v, want capped 90m", got)
	}
}

func TestComputeBackoffDefaultCap(t *testing.T) {
	opts := BackoffOptions{Type: BackoffExponential, Delay: time.Hour}
	got := ComputeBackoff(10, opts)
	if got != DefaultMaxBackoff {
		t.Errorf("got %v, want default cap %v", got, DefaultMaxBackoff)
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	opts := BackoffOptions{Type: BackoffFixed, Delay: 100 * time.Millisecond, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		got := ComputeBackoff(1, opts)
		if got < 100*time.Millisecond || got >= 150*time.Millisecond {
			t.Fatalf("jittered backoff %v out of bounds [100ms,150ms)", got)
		}
	}
}

func TestComputeBackoffAttemptFloor(t *testing.T) {
	opts := BackoffOptions{Type: BackoffLinear, Delay: 10 * time.Millisecond}
	if got := ComputeBackoff(0, opts); got != 10*time.Millisecond {
		t.Errorf("attempt=0 should behave as attempt=1, got %v", got)
	}
}
