package workqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/muaviaUsmani/bananas/internal/errors"
	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/muaviaUsmani/bananas/internal/metrics"
	"github.com/muaviaUsmani/bananas/internal/queue"
)

// priorityOrder and dequeueTimeout mirror the teacher's per-priority BRPOPLPUSH wait: short
// waits on the higher buckets so a worker falls through to low priority
// quickly when nothing urgent is waiting, with the final bucket holding the
// connection a little longer to avoid a tight empty-queue poll loop.
var priorityOrder = []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}

func dequeueTimeout(i, total int) time.Duration {
	if i == total-1 {
		return 3 * time.Second
	}
	return time.Second
}

// Process registers a processor for name and starts concurrency dispatch
// goroutines pulling from that name's priority buckets.
func (q *WorkQueue) Process(name string, concurrency int, fn queue.Processor) error {
	q.mu.Lock()
	if _, exists := q.processors[name]; exists {
		q.mu.Unlock()
		return queue.ErrProcessorExists
	}
	if concurrency < 1 {
		concurrency = 1
	}
	q.processors[name] = processorEntry{fn: fn, concurrency: concurrency}
	q.mu.Unlock()

	q.recoverStalled(context.Background(), name)

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.dispatchLoop(name, fn)
	}
	return nil
}

func (q *WorkQueue) dispatchLoop(name string, fn queue.Processor) {
	defer q.wg.Done()
	ctx := context.Background()
	failures := 0

	for {
		select {
		case <-q.stopCh:
			return
		default:
		}

		if q.isPaused(ctx) {
			select {
			case <-time.After(time.Second):
			case <-q.stopCh:
				return
			}
			continue
		}

		id, err := q.claim(ctx, name)
		if err != nil {
			failures++
			backoff := time.Duration(1<<uint(minInt(failures, 5))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			q.events.Emit(queue.Event{Type: queue.EventQueueError, Queue: q.name, Err: err})
			select {
			case <-time.After(backoff):
			case <-q.stopCh:
				return
			}
			continue
		}
		failures = 0
		if id == "" {
			continue
		}

		q.run(ctx, name, id, fn)
	}
}

// claim pops one job id from name's priority buckets into its processing
// list, trying high before normal before low, and stamps a heartbeat.
func (q *WorkQueue) claim(ctx context.Context, name string) (string, error) {
	for i, p := range priorityOrder {
		id, err := q.client.BRPopLPush(ctx, q.bucketKey(name, p), q.processingKey(name), dequeueTimeout(i, len(priorityOrder))).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("workqueue: dequeue: %w", err)
		}
		q.client.Set(ctx, q.heartbeatKey(id), "1", stalledThreshold)
		return id, nil
	}
	return "", nil
}

func (q *WorkQueue) run(ctx context.Context, name, id string, fn queue.Processor) {
	j, err := q.loadJob(ctx, id)
	if err != nil {
		q.client.LRem(ctx, q.processingKey(name), 1, id)
		return
	}

	q.client.SMove(ctx, q.stateKey(job.StatusWaiting), q.stateKey(job.StatusActive), id)
	j.MarkActive()
	q.storeJob(ctx, j)
	metrics.Default().RecordJobStarted(j.Opts.Priority)
	q.events.Emit(queue.Event{Type: queue.EventJobActive, Queue: q.name, JobID: id})

	runCtx := ctx
	var cancel context.CancelFunc
	if j.Opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Opts.Timeout)
		defer cancel()
	}

	hbDone := make(chan struct{})
	go func() {
		t := time.NewTicker(stalledThreshold / 3)
		defer t.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-t.C:
				q.client.Expire(ctx, q.heartbeatKey(id), stalledThreshold)
			}
		}
	}()
	result, procErr := q.invoke(runCtx, j, fn)
	close(hbDone)

	q.client.LRem(ctx, q.processingKey(name), 1, id)
	q.client.Del(ctx, q.heartbeatKey(id))
	q.client.SRem(ctx, q.stateKey(job.StatusActive), id)

	if procErr != nil {
		q.handleFailure(ctx, name, j, procErr)
		return
	}
	q.handleSuccess(ctx, j, result)
}

// invoke calls fn, converting a panic into an error so one bad processor
// can't take down a dispatch goroutine.
func (q *WorkQueue) invoke(ctx context.Context, j *job.Job, fn queue.Processor) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &apperrors.PanicError{Value: r, Stacktrace: string(debug.Stack())}
		}
	}()
	result, err = fn(ctx, j)
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("job timeout exceeded: %w", ctx.Err())
	}
	return result, err
}

func (q *WorkQueue) handleSuccess(ctx context.Context, j *job.Job, result []byte) {
	j.MarkCompleted(result)
	q.storeJob(ctx, j)
	q.client.ZAdd(ctx, q.stateKey(job.StatusCompleted), redis.Z{Score: float64(j.FinishedOn.UnixMilli()), Member: j.ID})

	q.stats.RecordProcessed(j.FinishedOn.Sub(j.ProcessedOn))
	metrics.Default().RecordJobCompleted(j.Opts.Priority, j.FinishedOn.Sub(j.ProcessedOn))

	q.applyRetention(ctx, j, j.Opts.RemoveOnComplete, job.StatusCompleted)
	q.events.Emit(queue.Event{Type: queue.EventJobCompleted, Queue: q.name, JobID: j.ID})
}

func (q *WorkQueue) handleFailure(ctx context.Context, name string, j *job.Job, procErr error) {
	stack := ""
	var panicErr *apperrors.PanicError
	if errors.As(procErr, &panicErr) {
		stack = panicErr.Stacktrace
	}
	retrying := j.ShouldRetry()
	j.MarkFailed(procErr.Error(), stack, retrying)

	q.stats.RecordFailed()
	metrics.Default().RecordJobFailed(j.Opts.Priority, time.Since(j.ProcessedOn))

	if retrying {
		delay := j.NextBackoff()
		q.storeJob(ctx, j)
		runAt := time.Now().Add(delay)
		q.client.SAdd(ctx, q.stateKey(job.StatusDelayed), j.ID)
		q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: delayedMember(name, j.ID)})
		q.events.Emit(queue.Event{Type: queue.EventJobFailed, Queue: q.name, JobID: j.ID, Err: procErr})
		return
	}

	q.storeJob(ctx, j)
	q.client.ZAdd(ctx, q.stateKey(job.StatusFailed), redis.Z{Score: float64(j.FinishedOn.UnixMilli()), Member: j.ID})
	q.applyRetention(ctx, j, j.Opts.RemoveOnFail, job.StatusFailed)
	q.events.Emit(queue.Event{Type: queue.EventJobFailed, Queue: q.name, JobID: j.ID, Err: procErr})
}

func (q *WorkQueue) applyRetention(ctx context.Context, j *job.Job, r job.Retention, status job.Status) {
	if r.Remove {
		q.client.Del(ctx, q.jobKey(j.ID))
		q.client.ZRem(ctx, q.stateKey(status), j.ID)
		return
	}
	if r.KeepLast > 0 {
		key := q.stateKey(status)
		count, err := q.client.ZCard(ctx, key).Result()
		if err != nil || count <= int64(r.KeepLast) {
			return
		}
		stale, err := q.client.ZRange(ctx, key, 0, count-int64(r.KeepLast)-1).Result()
		if err != nil {
			return
		}
		pipe := q.client.TxPipeline()
		for _, id := range stale {
			pipe.Del(ctx, q.jobKey(id))
			pipe.ZRem(ctx, key, id)
		}
		pipe.Exec(ctx)
	}
}

// recoverStalled moves processing-list entries whose heartbeat has expired
// back into name's waiting bucket, run once when a processor starts.
func (q *WorkQueue) recoverStalled(ctx context.Context, name string) {
	ids, err := q.client.LRange(ctx, q.processingKey(name), 0, -1).Result()
	if err != nil {
		return
	}
	for _, id := range ids {
		n, _ := q.client.Exists(ctx, q.heartbeatKey(id)).Result()
		if n > 0 {
			continue
		}
		j, err := q.loadJob(ctx, id)
		if err != nil {
			q.client.LRem(ctx, q.processingKey(name), 1, id)
			continue
		}
		// The abandoned attempt never finished, so it doesn't count against
		// the job's attempt budget.
		if j.State == job.StatusActive && j.AttemptsMade > 0 {
			j.AttemptsMade--
		}
		j.State = job.StatusWaiting
		q.storeJob(ctx, j)
		q.client.LRem(ctx, q.processingKey(name), 1, id)
		q.client.LPush(ctx, q.bucketKey(name, j.Opts.Priority), id)
		q.client.SRem(ctx, q.stateKey(job.StatusActive), id)
		q.client.SAdd(ctx, q.stateKey(job.StatusWaiting), id)
		q.events.Emit(queue.Event{Type: queue.EventJobStalled, Queue: q.name, JobID: id})
	}
}

// delayedWatcher polls the delayed ZSET and promotes due members into their
// processor's waiting bucket. Plays the role of the teacher's
// MoveScheduledToReady, generalized across per-name buckets.
func (q *WorkQueue) delayedWatcher() {
	defer q.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.promoteDue(ctx)
		}
	}
}

func (q *WorkQueue) promoteDue(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}

	for _, member := range members {
		name, id := splitDelayedMember(member)
		j, err := q.loadJob(ctx, id)
		if err != nil {
			q.client.ZRem(ctx, q.delayedKey(), member)
			continue
		}
		if j.State == job.StatusDelayed {
			j.Promote()
		}
		q.storeJob(ctx, j)

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(), member)
		pipe.SRem(ctx, q.stateKey(job.StatusDelayed), id)
		pipe.SAdd(ctx, q.stateKey(job.StatusWaiting), id)
		pipe.LPush(ctx, q.bucketKey(name, j.Opts.Priority), id)
		pipe.Exec(ctx)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
