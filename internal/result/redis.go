package result

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/muaviaUsmani/bananas/internal/job"
	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using Redis hashes plus pub/sub for
// WaitForResult notification.
type RedisBackend struct {
	client     *redis.Client
	successTTL time.Duration
	failureTTL time.Duration
}

// NewRedisBackend creates a new Redis-backed result backend
func NewRedisBackend(client *redis.Client, successTTL, failureTTL time.Duration) *RedisBackend {
	return &RedisBackend{
		client:     client,
		successTTL: successTTL,
		failureTTL: failureTTL,
	}
}

// StoreResult stores a job result in Redis
func (r *RedisBackend) StoreResult(ctx context.Context, result *Result) error {
	key := fmt.Sprintf("bananas:result:%s", result.JobID)
	notifyChannel := fmt.Sprintf("bananas:result:notify:%s", result.JobID)

	data := map[string]interface{}{
		"status":       string(result.Status),
		"completed_at": result.CompletedAt.Format(time.RFC3339),
		"duration_ms":  result.Duration.Milliseconds(),
	}

	if result.IsSuccess() && len(result.Result) > 0 {
		data["result"] = string(result.Result)
	}

	if result.IsFailed() && result.Error != "" {
		data["error"] = result.Error
	}

	ttl := r.successTTL
	if result.IsFailed() {
		ttl = r.failureTTL
	}

	// Send HSET + EXPIRE + PUBLISH in one round trip (a plain pipeline, not
	// a MULTI/EXEC transaction)
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, data)
	pipe.Expire(ctx, key, ttl)
	pipe.Publish(ctx, notifyChannel, "ready")

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	return nil
}

// GetResult retrieves a job result from Redis
func (r *RedisBackend) GetResult(ctx context.Context, jobID string) (*Result, error) {
	key := fmt.Sprintf("bananas:result:%s", jobID)

	data, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	res := &Result{JobID: jobID}

	if status, exists := data["status"]; exists {
		res.Status = job.Status(status)
	}

	if completedAt, exists := data["completed_at"]; exists {
		t, err := time.Parse(time.RFC3339, completedAt)
		if err == nil {
			res.CompletedAt = t
		}
	}

	if durationMs, exists := data["duration_ms"]; exists {
		ms, err := strconv.ParseInt(durationMs, 10, 64)
		if err == nil {
			res.Duration = time.Duration(ms) * time.Millisecond
		}
	}

	if resultData, exists := data["result"]; exists {
		res.Result = json.RawMessage(resultData)
	}

	if errorMsg, exists := data["error"]; exists {
		res.Error = errorMsg
	}

	return res, nil
}

// WaitForResult blocks until a result is available or timeout is reached.
// Uses Redis pub/sub for efficient waiting.
func (r *RedisBackend) WaitForResult(ctx context.Context, jobID string, timeout time.Duration) (*Result, error) {
	notifyChannel := fmt.Sprintf("bananas:result:notify:%s", jobID)

	res, err := r.GetResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if res != nil {
		return res, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pubsub := r.client.Subscribe(waitCtx, notifyChannel)
	defer pubsub.Close()

	select {
	case <-waitCtx.Done():
		// Do one final check in case notification was missed
		return r.GetResult(ctx, jobID)

	case msg := <-pubsub.Channel():
		if msg != nil && msg.Payload == "ready" {
			return r.GetResult(ctx, jobID)
		}
	}

	return nil, nil
}

// DeleteResult removes a result from Redis
func (r *RedisBackend) DeleteResult(ctx context.Context, jobID string) error {
	if err := r.client.Del(ctx, fmt.Sprintf("bananas:result:%s", jobID)).Err(); err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}

// Close closes the Redis client connection
func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
