package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps tasks as JSON strings with sorted-set indexes scored by
// creation time:
//
//	{prefix}task:{id}              task JSON
//	{prefix}tasks:all              every task id
//	{prefix}tasks:status:{status}  ids per status
//	{prefix}tasks:owner:{owner}    ids per owner
//
// Update runs under WATCH on the task key and retries when another writer
// commits first.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "taskflow:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("store", "redis_task")),
	}
}

func (s *RedisStore) taskKey(id string) string       { return s.keyPrefix + "task:" + id }
func (s *RedisStore) allKey() string                 { return s.keyPrefix + "tasks:all" }
func (s *RedisStore) statusKey(st Status) string     { return s.keyPrefix + "tasks:status:" + string(st) }
func (s *RedisStore) ownerKey(ownerID string) string { return s.keyPrefix + "tasks:owner:" + ownerID }

func (s *RedisStore) Create(ctx context.Context, t *Task) error {
	key := s.taskKey(t.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		c := t.Clone()
		c.Version = 1
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		score := float64(c.CreatedAt.UnixNano())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: c.ID})
			pipe.ZAdd(ctx, s.statusKey(c.Status), redis.Z{Score: score, Member: c.ID})
			if c.OwnerID != "" {
				pipe.ZAdd(ctx, s.ownerKey(c.OwnerID), redis.Z{Score: score, Member: c.ID})
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	t.Version = 1
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (*Task, error) {
	data, err := c.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Task, error) {
	key := s.taskKey(id)
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		var updated *Task
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next := cur.Clone()
			if err := fn(next); err != nil {
				return err
			}
			next.ID = id
			next.Version = cur.Version + 1
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}
			score := float64(next.CreatedAt.UnixNano())
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if cur.Status != next.Status {
					pipe.ZRem(ctx, s.statusKey(cur.Status), id)
					pipe.ZAdd(ctx, s.statusKey(next.Status), redis.Z{Score: score, Member: id})
				}
				return nil
			})
			if err == nil {
				updated = next
			}
			return err
		}, key)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		s.logger.Debug("task update raced, retrying",
			zap.String("task_id", id), zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("update task %s: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	index := s.allKey()
	switch {
	case len(filter.Status) == 1:
		index = s.statusKey(filter.Status[0])
	case filter.OwnerID != "":
		index = s.ownerKey(filter.OwnerID)
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	sortByCreated(out)
	return filter.page(out), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

var _ Store = (*RedisStore)(nil)
