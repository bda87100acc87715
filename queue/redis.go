package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue is a Redis list shared by every engine process: LPUSH to
// enqueue, BRPOP to dequeue.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	block  time.Duration
	logger *zap.Logger
	closed atomic.Bool
}

// NewRedisQueue creates a queue on key. block bounds one BRPOP wait so
// consumers notice Close; Redis rounds it up to whole seconds.
func NewRedisQueue(client redis.UniversalClient, key string, block time.Duration, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if key == "" {
		key = "taskflow:jobs"
	}
	if block <= 0 {
		block = time.Second
	}
	return &RedisQueue{
		client: client,
		key:    key,
		block:  block,
		logger: logger.With(zap.String("component", "redis_queue")),
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if q.closed.Load() {
			return Job{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		res, err := q.client.BRPop(ctx, q.block, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("dequeue job: %w", err)
		}
		// BRPOP replies [key, value]
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Error("dropping undecodable job", zap.String("raw", res[1]), zap.Error(err))
			continue
		}
		return job, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close stops consumers after their current BRPOP; queued jobs stay in Redis.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

var _ Queue = (*RedisQueue)(nil)
