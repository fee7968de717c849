package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/queue"
)

type jsonMarshaler struct{}

func (jsonMarshaler) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// stubQueue implements the few queue.Queue methods the client touches; the
// embedded interface panics on anything else.
type stubQueue struct {
	queue.Queue

	mu   sync.Mutex
	jobs map[string]*job.Job
}

func newStubQueue() *stubQueue {
	return &stubQueue{jobs: make(map[string]*job.Job)}
}

func (s *stubQueue) Add(ctx context.Context, name string, data interface{}, opts job.Options) (*job.Job, error) {
	j, err := job.New(jsonMarshaler{}, "emails", name, data, opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()
	return j, nil
}

func (s *stubQueue) AddBulk(ctx context.Context, specs []queue.BulkSpec) []queue.AddResult {
	results := make([]queue.AddResult, len(specs))
	for i, spec := range specs {
		j, err := s.Add(ctx, spec.Name, spec.Data, spec.Opts)
		results[i] = queue.AddResult{Job: j, Err: err}
	}
	return results
}

func (s *stubQueue) GetJob(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j, nil
	}
	return nil, queue.ErrJobNotFound
}

func TestSubmitJob(t *testing.T) {
	c := NewClientWithQueue(newStubQueue(), nil)

	id, err := c.SubmitJob(context.Background(), "send_email", map[string]string{"to": "a@b.com"}, job.Options{})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if id == "" {
		t.Fatal("expected a job id")
	}

	j, err := c.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Name != "send_email" {
		t.Errorf("Name = %q", j.Name)
	}
	if j.State != job.StatusWaiting {
		t.Errorf("State = %v, want waiting", j.State)
	}
}

func TestSubmitJobInvalidOptions(t *testing.T) {
	c := NewClientWithQueue(newStubQueue(), nil)

	_, err := c.SubmitJob(context.Background(), "send_email", nil, job.Options{Attempts: -2})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSubmitJobScheduled(t *testing.T) {
	sq := newStubQueue()
	c := NewClientWithQueue(sq, nil)

	id, err := c.SubmitJobScheduled(context.Background(), "report", nil, job.Options{}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SubmitJobScheduled: %v", err)
	}

	j, err := c.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.State != job.StatusDelayed {
		t.Errorf("State = %v, want delayed", j.State)
	}
	if j.Opts.Delay <= 0 {
		t.Errorf("Delay = %v, want > 0", j.Opts.Delay)
	}
}

func TestSubmitJobScheduledInPast(t *testing.T) {
	sq := newStubQueue()
	c := NewClientWithQueue(sq, nil)

	id, err := c.SubmitJobScheduled(context.Background(), "report", nil, job.Options{}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("SubmitJobScheduled: %v", err)
	}
	j, _ := c.GetJob(context.Background(), id)
	if j.State != job.StatusWaiting {
		t.Errorf("past schedule should enqueue immediately, got %v", j.State)
	}
}

func TestSubmitBulk(t *testing.T) {
	c := NewClientWithQueue(newStubQueue(), nil)

	results := c.SubmitBulk(context.Background(), []queue.BulkSpec{
		{Name: "a"},
		{Name: "b", Opts: job.Options{Attempts: -1}},
	})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Err != nil {
		t.Errorf("first entry errored: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("invalid entry did not error")
	}
}

func TestGetResultWithoutBackend(t *testing.T) {
	c := NewClientWithQueue(newStubQueue(), nil)
	if _, err := c.GetResult(context.Background(), "some-id"); err == nil {
		t.Fatal("expected error without a result backend")
	}
	if _, err := c.SubmitAndWait(context.Background(), "x", nil, job.Options{}, time.Second); err == nil {
		t.Fatal("expected error without a result backend")
	}
}

func TestGetJobUnknown(t *testing.T) {
	c := NewClientWithQueue(newStubQueue(), nil)
	if _, err := c.GetJob(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}
