package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLog stores each task's events in a Redis list; list index == seq.
// Append runs under WATCH so a concurrent writer aborts the transaction and
// surfaces as ErrSequenceConflict.
type RedisLog struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisLog creates a log on an existing client.
func NewRedisLog(client redis.UniversalClient, keyPrefix string) *RedisLog {
	if keyPrefix == "" {
		keyPrefix = "taskflow:"
	}
	return &RedisLog{client: client, keyPrefix: keyPrefix + "events:"}
}

func (l *RedisLog) key(taskID string) string { return l.keyPrefix + taskID }

func (l *RedisLog) Append(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := l.key(ev.TaskID)
	err = l.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n != ev.Seq {
			return ErrSequenceConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, data)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrSequenceConflict
	}
	return err
}

func (l *RedisLog) Range(ctx context.Context, taskID string, from int64, limit int) ([]Event, error) {
	if from < 0 {
		from = 0
	}
	stop := int64(-1)
	if limit > 0 {
		stop = from + int64(limit) - 1
	}
	raw, err := l.client.LRange(ctx, l.key(taskID), from, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *RedisLog) LastSeq(ctx context.Context, taskID string) (int64, error) {
	n, err := l.client.LLen(ctx, l.key(taskID)).Result()
	if err != nil {
		return 0, err
	}
	return n - 1, nil
}

// Ping checks the Redis connection.
func (l *RedisLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

var _ Log = (*RedisLog)(nil)
