package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/internal/cache"
)

// CachedStore puts a Redis snapshot cache in front of another Store. Only
// terminal tasks are cached: they never change again, so a cached snapshot
// can never be stale.
type CachedStore struct {
	Store
	cache     *cache.Manager
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewCachedStore wraps inner. ttl 0 uses the cache default.
func NewCachedStore(inner Store, manager *cache.Manager, keyPrefix string, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "taskflow:"
	}
	return &CachedStore{
		Store:     inner,
		cache:     manager,
		keyPrefix: keyPrefix + "snapshot:",
		ttl:       ttl,
		logger:    logger.With(zap.String("store", "cached_task")),
	}
}

func (s *CachedStore) key(id string) string { return s.keyPrefix + id }

// Get serves terminal snapshots from the cache and falls back to the inner
// store. Cache errors only degrade to the inner store.
func (s *CachedStore) Get(ctx context.Context, id string) (*Task, error) {
	var cached Task
	err := s.cache.GetJSON(ctx, s.key(id), &cached)
	if err == nil {
		return &cached, nil
	}
	if !cache.IsCacheMiss(err) {
		s.logger.Warn("task cache read failed", zap.String("task_id", id), zap.Error(err))
	}

	t, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, t)
	return t, nil
}

// Update writes through the inner store and caches the result once terminal.
func (s *CachedStore) Update(ctx context.Context, id string, fn UpdateFunc) (*Task, error) {
	t, err := s.Store.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, t)
	return t, nil
}

func (s *CachedStore) remember(ctx context.Context, t *Task) {
	if !t.Status.IsTerminal() {
		return
	}
	if err := s.cache.SetJSON(ctx, s.key(t.ID), t, s.ttl); err != nil {
		s.logger.Warn("task cache write failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

var _ Store = (*CachedStore)(nil)
