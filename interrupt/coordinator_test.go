package interrupt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

type resumeCall struct {
	TaskID      string
	InterruptID string
	Resolution  types.Resolution
}

type fakeResumer struct {
	mu      sync.Mutex
	resumed []resumeCall
	expired []string
}

func (f *fakeResumer) Resume(ctx context.Context, taskID, interruptID string, res types.Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, resumeCall{taskID, interruptID, res})
	return nil
}

func (f *fakeResumer) Expire(ctx context.Context, taskID, interruptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = append(f.expired, interruptID)
	return nil
}

func (f *fakeResumer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resumed), len(f.expired)
}

type fixture struct {
	bus      *event.Bus
	registry *task.Registry
	resumer  *fakeResumer
	coord    *Coordinator
	task     *task.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	bus := event.NewBus(event.NewMemoryLog(), event.DefaultBusConfig(), zap.NewNop(), nil)
	registry := task.NewRegistry(task.NewMemoryStore(), zap.NewNop(), nil)
	tk, err := registry.Create(ctx, task.CreateRequest{Topic: "t", OwnerID: "o"})
	require.NoError(t, err)
	_, err = registry.Acquire(ctx, tk.ID)
	require.NoError(t, err)

	resumer := &fakeResumer{}
	coord := NewCoordinator(bus, registry, resumer, zap.NewNop(), nil)
	t.Cleanup(coord.Close)
	return &fixture{bus: bus, registry: registry, resumer: resumer, coord: coord, task: tk}
}

// request appends interrupt_request and registers it like the executor does.
func (f *fixture) request(t *testing.T, id string, config types.ResolutionConfig, timeoutMS int64) error {
	t.Helper()
	ev := event.New(f.task.ID, "outline", event.InterruptRequest{
		InterruptID: id,
		Step:        "outline",
		Config:      config,
		Proposal:    json.RawMessage(`{"sections":["a","b"]}`),
		TimeoutMS:   timeoutMS,
	})
	ev.Timestamp = time.Now().UTC()
	return f.coord.Observe(context.Background(), ev)
}

func (f *fixture) eventCount(t *testing.T) int {
	t.Helper()
	evs, err := f.bus.Snapshot(context.Background(), f.task.ID, 0)
	require.NoError(t, err)
	return len(evs)
}

func TestCoordinator_ResolveAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.request(t, "i1", types.ResolutionAcceptOrEdit, 0))

	p, ok := f.coord.GetPending(f.task.ID)
	require.True(t, ok)
	assert.Equal(t, "i1", p.ID)
	assert.Equal(t, "outline", p.Step)
	assert.False(t, p.Resolved)

	edit := types.Edit(json.RawMessage(`{"sections":["a"]}`))
	require.NoError(t, f.coord.Resolve(ctx, f.task.ID, "i1", edit))

	_, ok = f.coord.GetPending(f.task.ID)
	assert.False(t, ok)

	evs, err := f.bus.Snapshot(ctx, f.task.ID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, event.TypeInterruptResolved, evs[0].Type)
	resolved := evs[0].Payload.(event.InterruptResolved)
	assert.Equal(t, "i1", resolved.InterruptID)
	assert.Equal(t, types.ResolutionEdit, resolved.Resolution.Kind)

	resumed, _ := f.resumer.counts()
	assert.Equal(t, 1, resumed)
	assert.Equal(t, edit, f.resumer.resumed[0].Resolution)
}

func TestCoordinator_DoubleResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.request(t, "i1", types.ResolutionAcceptOnly, 0))

	require.NoError(t, f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept()))
	before := f.eventCount(t)

	err := f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyResolved))
	assert.Equal(t, before, f.eventCount(t), "no extra events")
	resumed, _ := f.resumer.counts()
	assert.Equal(t, 1, resumed)
}

func TestCoordinator_InvalidResolutionChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.request(t, "i1", types.ResolutionAcceptOnly, 0))

	for _, res := range []types.Resolution{
		types.Edit(json.RawMessage(`{}`)),
		types.Respond("no"),
		{Kind: "reject"},
	} {
		err := f.coord.Resolve(ctx, f.task.ID, "i1", res)
		assert.True(t, types.IsErrorCode(err, types.ErrInvalidResolution), "%s: %v", res.Kind, err)
	}

	p, ok := f.coord.GetPending(f.task.ID)
	require.True(t, ok)
	assert.False(t, p.Resolved)
	assert.Zero(t, f.eventCount(t))

	require.NoError(t, f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept()), "still resolvable")
}

func TestCoordinator_FreeTextRespond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.request(t, "i1", types.ResolutionFreeTextRespond, 0))

	err := f.coord.Resolve(ctx, f.task.ID, "i1", types.Respond(""))
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidResolution))
	require.NoError(t, f.coord.Resolve(ctx, f.task.ID, "i1", types.Respond("focus on costs")))
}

func TestCoordinator_NotFoundAndTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.coord.Resolve(ctx, f.task.ID, "nope", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	err = f.coord.Resolve(ctx, "no-task", "nope", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	require.NoError(t, f.request(t, "i1", types.ResolutionAcceptOnly, 0))
	_, err = f.registry.Cancel(ctx, f.task.ID)
	require.NoError(t, err)

	err = f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	assert.Zero(t, f.eventCount(t))

	final := event.New(f.task.ID, "", event.FinalResult{Status: "CANCELED"})
	require.NoError(t, f.coord.Observe(ctx, final))
	_, ok := f.coord.GetPending(f.task.ID)
	assert.False(t, ok, "terminal event invalidates the interrupt")

	err = f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
}

// 状态检查与追加之间任务被取消：终止事件已在日志中，resolve 不得再追加。
func TestCoordinator_ResolveAfterTerminalEventIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.request(t, "i1", types.ResolutionAcceptOnly, 0))

	_, err := f.bus.Append(ctx, event.New(f.task.ID, "", event.FinalResult{Status: "CANCELED"}))
	require.NoError(t, err)

	err = f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept())
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	assert.ErrorIs(t, err, event.ErrTaskFinished)
	assert.Equal(t, 1, f.eventCount(t), "nothing appended after the terminal event")

	resumed, _ := f.resumer.counts()
	assert.Zero(t, resumed)
	p, ok := f.coord.GetPending(f.task.ID)
	require.True(t, ok)
	assert.False(t, p.Resolved)
}

func TestCoordinator_AtMostOnePendingUnderStress(t *testing.T) {
	f := newFixture(t)
	const n = 32

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := f.request(t, fmt.Sprintf("i%d", i), types.ResolutionAcceptOnly, 0)
			if err == nil {
				ok.Add(1)
				return
			}
			assert.True(t, types.IsErrorCode(err, types.ErrConflict))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())

	p, found := f.coord.GetPending(f.task.ID)
	require.True(t, found)

	var accepted, already atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.coord.Resolve(context.Background(), f.task.ID, p.ID, types.Accept())
			switch {
			case err == nil:
				accepted.Add(1)
			case types.IsErrorCode(err, types.ErrAlreadyResolved):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(n-1), already.Load())
	assert.Equal(t, 1, f.eventCount(t))

	require.NoError(t, f.request(t, "next", types.ResolutionAcceptOnly, 0), "a new interrupt may open after resolution")
}

func TestCoordinator_Timeout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.request(t, "i1", types.ResolutionAcceptOnly, 20))

	p, ok := f.coord.GetPending(f.task.ID)
	require.True(t, ok)
	require.NotNil(t, p.Deadline)

	assert.Eventually(t, func() bool {
		_, expired := f.resumer.counts()
		return expired == 1
	}, 2*time.Second, 5*time.Millisecond)

	err := f.coord.Resolve(context.Background(), f.task.ID, "i1", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
	_, ok = f.coord.GetPending(f.task.ID)
	assert.False(t, ok)
}

func TestCoordinator_ReplayRebuildsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := event.New(f.task.ID, "outline", event.InterruptRequest{
		InterruptID: "i1", Step: "outline", Config: types.ResolutionAcceptOnly,
	})
	res := event.New(f.task.ID, "outline", event.InterruptResolved{InterruptID: "i1", Resolution: types.Accept()})
	req2 := event.New(f.task.ID, "draft", event.InterruptRequest{
		InterruptID: "i2", Step: "draft", Config: types.ResolutionAcceptOrEdit,
	})

	for _, ev := range []event.Event{req, res, req, req2, req2} {
		require.NoError(t, f.coord.Observe(ctx, ev), "replay is idempotent")
	}

	p, ok := f.coord.GetPending(f.task.ID)
	require.True(t, ok)
	assert.Equal(t, "i2", p.ID)

	err := f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyResolved))
}

func TestCoordinator_ResolvedSurvivesTerminalEvent(t *testing.T) {
	f := newFixture(t)
	f.coord.Retention = 30 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, f.request(t, "i1", types.ResolutionAcceptOnly, 0))
	require.NoError(t, f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept()))

	_, err := f.registry.Transition(ctx, f.task.ID, task.StatusCompleted)
	require.NoError(t, err)
	require.NoError(t, f.coord.Observe(ctx, event.New(f.task.ID, "", event.FinalResult{Status: "COMPLETED"})))

	err = f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept())
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyResolved))

	assert.Eventually(t, func() bool {
		err := f.coord.Resolve(ctx, f.task.ID, "i1", types.Accept())
		return types.IsErrorCode(err, types.ErrInvalidTransition)
	}, time.Second, 5*time.Millisecond, "evicted after retention")
}
