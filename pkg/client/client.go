// Package client provides the producer-facing API over the queue runtime:
// submit jobs, query them, and optionally block for their results.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/bananas/internal/config"
	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/queue"
	"github.com/muaviaUsmani/bananas/internal/queue/factory"
	"github.com/muaviaUsmani/bananas/internal/result"
)

// Client provides a simple API for submitting and managing jobs on one
// named queue.
type Client struct {
	queue         queue.Queue
	factory       *factory.Factory
	ownsFactory   bool
	resultBackend result.Backend
}

// Options holds broker and result-backend overrides. NewClient does not take
// it; NewClient reads both settings from the environment.
type Options struct {
	// Broker overrides QUEUE_BROKER.
	Broker config.BrokerKind
	// ResultBackend enables RPC-style SubmitAndWait. Nil disables it.
	ResultBackend result.Backend
}

// NewClient builds a client for queueName using environment-driven
// configuration, with the result backend enabled with standard TTLs
// (1h success, 24h failure).
func NewClient(queueName string) (*Client, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	backend := result.NewRedisBackend(redis.NewClient(redisOpts), 1*time.Hour, 24*time.Hour)

	qf := factory.New(cfg, nil)
	q, err := qf.Create(cfg.Broker, queueName)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}

	return &Client{
		queue:         q,
		factory:       qf,
		ownsFactory:   true,
		resultBackend: backend,
	}, nil
}

// NewClientWithQueue wraps an existing queue instance. The caller keeps
// ownership of the queue's lifecycle; backend may be nil.
func NewClientWithQueue(q queue.Queue, backend result.Backend) *Client {
	return &Client{queue: q, resultBackend: backend}
}

// SubmitJob submits a job under name with the given options. The payload
// is serialized by the queue's marshaler. Returns the job ID on success.
func (c *Client) SubmitJob(ctx context.Context, name string, payload interface{}, opts job.Options) (string, error) {
	j, err := c.queue.Add(ctx, name, payload, opts)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return j.ID, nil
}

// SubmitJobScheduled submits a job that first runs no earlier than
// scheduledFor.
func (c *Client) SubmitJobScheduled(ctx context.Context, name string, payload interface{}, opts job.Options, scheduledFor time.Time) (string, error) {
	delay := time.Until(scheduledFor)
	if delay < 0 {
		delay = 0
	}
	opts.Delay = delay
	return c.SubmitJob(ctx, name, payload, opts)
}

// SubmitBulk submits multiple jobs in one call. Acceptance is per-item:
// the returned slice pairs each spec with its job or error.
func (c *Client) SubmitBulk(ctx context.Context, specs []queue.BulkSpec) []queue.AddResult {
	return c.queue.AddBulk(ctx, specs)
}

// GetJob retrieves a job by its ID.
func (c *Client) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	j, err := c.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// GetResult retrieves the result of a completed job by its ID.
// Returns nil if the job hasn't completed yet or if the result has expired.
func (c *Client) GetResult(ctx context.Context, jobID string) (*result.Result, error) {
	if c.resultBackend == nil {
		return nil, fmt.Errorf("result backend not configured")
	}
	r, err := c.resultBackend.GetResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	return r, nil
}

// SubmitAndWait submits a job and blocks until its result is stored or the
// timeout is reached. This is a convenience method for RPC-style task
// execution; it requires a result backend and a worker that stores results.
func (c *Client) SubmitAndWait(ctx context.Context, name string, payload interface{}, opts job.Options, timeout time.Duration) (*result.Result, error) {
	if c.resultBackend == nil {
		return nil, fmt.Errorf("result backend not configured")
	}

	jobID, err := c.SubmitJob(ctx, name, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	r, err := c.resultBackend.WaitForResult(ctx, jobID, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for result: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("job did not complete within timeout of %v", timeout)
	}
	return r, nil
}

// Subscribe returns the queue's lifecycle event stream.
func (c *Client) Subscribe(buffer int) chan queue.Event {
	return c.queue.Subscribe(buffer)
}

// Unsubscribe releases a previously subscribed channel.
func (c *Client) Unsubscribe(ch chan queue.Event) {
	c.queue.Unsubscribe(ch)
}

// Close releases the client's connections. Queues created by NewClient are
// closed; externally injected queues are left to their owner.
func (c *Client) Close() error {
	var queueErr, resultErr error

	if c.ownsFactory && c.factory != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		queueErr = c.factory.CloseAll(ctx)
		cancel()
	}
	if c.resultBackend != nil {
		resultErr = c.resultBackend.Close()
	}

	if queueErr != nil {
		return queueErr
	}
	return resultErr
}
