package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewMemoryStore(), zap.NewNop(), nil)
}

func createTask(t *testing.T, r *Registry) *Task {
	t.Helper()
	tk, err := r.Create(context.Background(), CreateRequest{Topic: "solar", OwnerID: "alice", Mode: ModeInteractive})
	require.NoError(t, err)
	return tk
}

func TestRegistry_CreateValidation(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"empty topic", CreateRequest{Topic: "  ", OwnerID: "o"}},
		{"empty owner", CreateRequest{Topic: "t"}},
		{"unknown mode", CreateRequest{Topic: "t", OwnerID: "o", Mode: "autopilot"}},
		{"report config not object", CreateRequest{Topic: "t", OwnerID: "o", ReportConfig: json.RawMessage(`[1]`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create(ctx, tt.req)
			assert.True(t, types.IsErrorCode(err, types.ErrValidation), "got %v", err)
		})
	}

	tk, err := r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "o"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, ModeInteractive, tk.Mode)
	assert.Equal(t, tk.ID, tk.ThreadID)

	tk, err = r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "o", Mode: ModeCopilot, ThreadID: "shared"})
	require.NoError(t, err)
	assert.Equal(t, "shared", tk.ThreadID)
}

func TestRegistry_ThreadHasOneLiveTask(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	first, err := r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "alice", ThreadID: "shared"})
	require.NoError(t, err)

	_, err = r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "bob", ThreadID: "shared"})
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "got %v", err)

	// 默认线程即任务 id，同样不能被占用
	other := createTask(t, r)
	_, err = r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "bob", ThreadID: other.ID})
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "got %v", err)

	lease, err := r.Acquire(ctx, first.ID)
	require.NoError(t, err)
	_, err = r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "bob", ThreadID: "shared"})
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "in progress still holds the thread")
	_, err = r.Fail(ctx, first.ID, "step_error", "boom")
	require.NoError(t, err)
	lease.Abandon()

	next, err := r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "bob", ThreadID: "shared"})
	require.NoError(t, err)
	assert.Equal(t, "shared", next.ThreadID)
}

func TestRegistry_ConcurrentCreatesShareNoThread(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(ctx, CreateRequest{Topic: "t", OwnerID: "o", ThreadID: "race"}); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestRegistry_GetNotFound(t *testing.T) {
	_, err := newRegistry(t).Get(context.Background(), "nope")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestRegistry_TransitionDAG(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	tk := createTask(t, r)

	_, err := r.Transition(ctx, tk.ID, StatusCompleted)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))

	got, err := r.Transition(ctx, tk.ID, StatusInProgress)
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)

	got, err = r.Transition(ctx, tk.ID, StatusCompleted)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)

	for _, to := range []Status{StatusPending, StatusInProgress, StatusFailed, StatusCanceled} {
		_, err = r.Transition(ctx, tk.ID, to)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition), "COMPLETED -> %s", to)
	}
}

func TestRegistry_Fail(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	tk := createTask(t, r)

	got, err := r.Fail(ctx, tk.ID, "step_error", "outline failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "step_error", got.ErrorType)
	assert.Equal(t, "outline failed", got.ErrorMessage)

	_, err = r.Fail(ctx, tk.ID, "step_error", "again")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

func TestRegistry_CancelOutcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("pending is not owned", func(t *testing.T) {
		r := newRegistry(t)
		tk := createTask(t, r)
		out, err := r.Cancel(ctx, tk.ID)
		require.NoError(t, err)
		assert.False(t, out.Owned)
		assert.Equal(t, StatusCanceled, out.Task.Status)
	})

	t.Run("running step is owned and flags the lease", func(t *testing.T) {
		r := newRegistry(t)
		tk := createTask(t, r)
		lease, err := r.Acquire(ctx, tk.ID)
		require.NoError(t, err)

		out, err := r.Cancel(ctx, tk.ID)
		require.NoError(t, err)
		assert.True(t, out.Owned)
		assert.True(t, lease.Canceled())
		select {
		case <-lease.Done():
		default:
			t.Fatal("lease done channel not closed")
		}

		released, err := lease.Release(ctx, PhaseAwaitingInterrupt)
		require.NoError(t, err)
		assert.Equal(t, StatusCanceled, released.Status, "holder learns the cancel won")
	})

	t.Run("awaiting interrupt is not owned", func(t *testing.T) {
		r := newRegistry(t)
		tk := createTask(t, r)
		lease, err := r.Acquire(ctx, tk.ID)
		require.NoError(t, err)
		released, err := lease.Release(ctx, PhaseAwaitingInterrupt)
		require.NoError(t, err)
		assert.Equal(t, PhaseAwaitingInterrupt, released.Phase)

		out, err := r.Cancel(ctx, tk.ID)
		require.NoError(t, err)
		assert.False(t, out.Owned)
		assert.Equal(t, PhaseNone, out.Task.Phase)
	})

	t.Run("terminal is not cancelable", func(t *testing.T) {
		r := newRegistry(t)
		tk := createTask(t, r)
		_, err := r.Cancel(ctx, tk.ID)
		require.NoError(t, err)
		_, err = r.Cancel(ctx, tk.ID)
		assert.True(t, types.IsErrorCode(err, types.ErrNotCancelable))
	})
}

func TestRegistry_CancelRaceHasOneTerminalOwner(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		r := newRegistry(t)
		tk := createTask(t, r)
		lease, err := r.Acquire(ctx, tk.ID)
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			outcome  CancelOutcome
			released *Task
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcome, _ = r.Cancel(ctx, tk.ID)
		}()
		go func() {
			defer wg.Done()
			released, _ = lease.Release(ctx, PhaseAwaitingInterrupt)
		}()
		wg.Wait()

		executorEmits := released.Status == StatusCanceled
		assert.Equal(t, outcome.Owned, executorEmits, "exactly one side emits the terminal event")
	}
}

func TestRegistry_Acquire(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	tk := createTask(t, r)

	lease, err := r.Acquire(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, lease.Task().Status)
	assert.Equal(t, PhaseRunningStep, lease.Task().Phase)

	_, err = r.Acquire(ctx, tk.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "same process")

	_, err = lease.Release(ctx, PhaseAwaitingInterrupt)
	require.NoError(t, err)

	lease, err = r.Acquire(ctx, tk.ID)
	require.NoError(t, err, "awaiting task can be resumed")
	_, err = lease.Release(ctx, PhaseRunningStep)
	require.NoError(t, err)

	_, err = r.Acquire(ctx, tk.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "durable phase says another owner")

	lease, err = r.Acquire(ctx, tk.ID, WithRecover())
	require.NoError(t, err, "recovery takes over a dead owner")

	_, err = r.Transition(ctx, tk.ID, StatusCompleted)
	require.NoError(t, err)
	released, err := lease.Release(ctx, PhaseNone)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, released.Status)

	_, err = r.Acquire(ctx, tk.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

func TestLease_CheckFinishedSeesDurableStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewRegistry(store, zap.NewNop(), nil)
	b := NewRegistry(store, zap.NewNop(), nil)

	tk := createTask(t, a)
	lease, err := a.Acquire(ctx, tk.ID)
	require.NoError(t, err)

	st, err := lease.CheckFinished(ctx)
	require.NoError(t, err)
	assert.Empty(t, st)

	out, err := b.Cancel(ctx, tk.ID)
	require.NoError(t, err)
	assert.True(t, out.Owned)
	assert.False(t, lease.Canceled(), "other process cannot flag the local lease")

	st, err = lease.CheckFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, st)
	assert.True(t, lease.Canceled())
}

func TestLease_CheckFinishedSeesFailureElsewhere(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewRegistry(store, zap.NewNop(), nil)
	b := NewRegistry(store, zap.NewNop(), nil)

	tk := createTask(t, a)
	lease, err := a.Acquire(ctx, tk.ID)
	require.NoError(t, err)
	_, err = b.Fail(ctx, tk.ID, "timeout", "too slow")
	require.NoError(t, err)

	st, err := lease.CheckFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st)
	select {
	case <-lease.Done():
	default:
		t.Fatal("lease flag not raised")
	}
}

func TestRegistry_FailAwaiting(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	tk := createTask(t, r)

	lease, err := r.Acquire(ctx, tk.ID)
	require.NoError(t, err)
	_, err = r.FailAwaiting(ctx, tk.ID, lease.Task().Version, "timeout", "late")
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "running task is not awaiting")

	parked, err := lease.Release(ctx, PhaseAwaitingInterrupt)
	require.NoError(t, err)

	// 恢复执行后版本变化，旧计时器失效
	resumed, err := r.Acquire(ctx, tk.ID)
	require.NoError(t, err)
	_, err = r.FailAwaiting(ctx, tk.ID, parked.Version, "timeout", "late")
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "got %v", err)
	reparked, err := resumed.Release(ctx, PhaseAwaitingInterrupt)
	require.NoError(t, err)
	_, err = r.FailAwaiting(ctx, tk.ID, parked.Version, "timeout", "late")
	assert.True(t, types.IsErrorCode(err, types.ErrConflict), "re-parked task has a newer version")

	failed, err := r.FailAwaiting(ctx, tk.ID, reparked.Version, "timeout", "late")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "timeout", failed.ErrorType)

	_, err = r.FailAwaiting(ctx, tk.ID, failed.Version, "timeout", "late")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

func TestRegistry_List(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)
	a := createTask(t, r)
	createTask(t, r)
	_, err := r.Cancel(ctx, a.ID)
	require.NoError(t, err)

	open, err := r.List(ctx, Filter{Status: []Status{StatusPending, StatusInProgress}})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	mine, err := r.List(ctx, Filter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
