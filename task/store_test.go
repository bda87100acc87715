package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/internal/cache"
	"github.com/BaSui01/taskflow/internal/database"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:", zap.NewNop())
}

func newGormStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "tasks.db"), zap.NewNop())
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s := NewGormStore(db, zap.NewNop())
	require.NoError(t, s.AutoMigrate())
	return s
}

func newCachedStore(t *testing.T) *CachedStore {
	t.Helper()
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return NewCachedStore(NewMemoryStore(), manager, "test:", 0, zap.NewNop())
}

func storeBackends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return newRedisStore(t) },
		"gorm":   func(t *testing.T) Store { return newGormStore(t) },
		"cached": func(t *testing.T) Store { return newCachedStore(t) },
	}
}

func sampleTask(id, owner string, created time.Time) *Task {
	return &Task{
		ID:        id,
		Status:    StatusPending,
		Topic:     "topic " + id,
		OwnerID:   owner,
		ThreadID:  id,
		Mode:      ModeInteractive,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Update(ctx, "missing", func(*Task) error { return nil })
			assert.ErrorIs(t, err, ErrNotFound)

			a := sampleTask("a", "alice", base)
			a.ReportConfig = []byte(`{"depth":2}`)
			require.NoError(t, s.Create(ctx, a))
			assert.Equal(t, int64(1), a.Version)
			assert.ErrorIs(t, s.Create(ctx, sampleTask("a", "alice", base)), ErrAlreadyExists)
			require.NoError(t, s.Create(ctx, sampleTask("b", "bob", base.Add(time.Second))))
			require.NoError(t, s.Create(ctx, sampleTask("c", "alice", base.Add(2*time.Second))))

			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "topic a", got.Topic)
			assert.JSONEq(t, `{"depth":2}`, string(got.ReportConfig))
			assert.True(t, got.CreatedAt.Equal(base))

			updated, err := s.Update(ctx, "a", func(t *Task) error {
				t.Status = StatusInProgress
				t.Phase = PhaseRunningStep
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, int64(2), updated.Version)
			assert.Equal(t, PhaseRunningStep, updated.Phase)

			boom := errors.New("boom")
			_, err = s.Update(ctx, "a", func(t *Task) error {
				t.Topic = "changed"
				return boom
			})
			assert.ErrorIs(t, err, boom)
			got, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, "topic a", got.Topic, "aborted update must not write")
			assert.Equal(t, int64(2), got.Version)

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, ids(all))

			alice, err := s.List(ctx, Filter{OwnerID: "alice"})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "c"}, ids(alice))

			pending, err := s.List(ctx, Filter{Status: []Status{StatusPending}})
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, ids(pending))

			thread, err := s.List(ctx, Filter{ThreadID: "b"})
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids(thread))

			paged, err := s.List(ctx, Filter{Limit: 1, Offset: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"b"}, ids(paged))

			assert.NoError(t, s.Ping(ctx))
		})
	}
}

func TestStore_ConcurrentUpdatesAreAtomic(t *testing.T) {
	for name, factory := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Create(ctx, sampleTask("x", "o", time.Now().UTC())))

			const writers = 8
			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := s.Update(ctx, "x", func(t *Task) error {
						t.ErrorMessage += fmt.Sprintf("%d;", i)
						return nil
					})
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, err := s.Get(ctx, "x")
			require.NoError(t, err)
			assert.Equal(t, int64(1+writers), got.Version)
			assert.Len(t, got.ErrorMessage, writers*2, "no lost update")
		})
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	ctx := context.Background()
	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, s.Create(ctx, sampleTask("a", "o", time.Now())), ErrStoreClosed)
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestCachedStore_ServesTerminalSnapshots(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	manager, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	inner := NewMemoryStore()
	s := NewCachedStore(inner, manager, "test:", 0, zap.NewNop())
	require.NoError(t, s.Create(ctx, sampleTask("a", "o", time.Now().UTC())))

	_, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, mr.Exists("test:snapshot:a"), "non-terminal tasks are not cached")

	_, err = s.Update(ctx, "a", func(t *Task) error {
		t.Status = StatusCanceled
		return nil
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:snapshot:a"))

	require.NoError(t, inner.Close())
	got, err := s.Get(ctx, "a")
	require.NoError(t, err, "served from cache without the inner store")
	assert.Equal(t, StatusCanceled, got.Status)
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
