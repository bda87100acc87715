package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/executor"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/internal/pool"
	"github.com/BaSui01/taskflow/interrupt"
	"github.com/BaSui01/taskflow/queue"
	"github.com/BaSui01/taskflow/stream"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

// Config tunes the engine.
type Config struct {
	Pool     pool.GoroutinePoolConfig `yaml:"pool"`
	Executor executor.Config          `yaml:"executor"`
	// RecoverOnStart resumes unfinished tasks in Start. Enable it on one
	// engine only when several share the same stores.
	RecoverOnStart bool `yaml:"recover_on_start" env:"RECOVER_ON_START"`
	// RecoveryWindow bounds how far back Start looks for finished tasks whose
	// terminal event may be missing.
	RecoveryWindow time.Duration `yaml:"recovery_window" env:"RECOVERY_WINDOW"`
	// LeaseRetries and LeaseRetryDelay bound waiting for a busy lease when a
	// job arrives before the previous holder released the task.
	LeaseRetries    int           `yaml:"lease_retries" env:"LEASE_RETRIES"`
	LeaseRetryDelay time.Duration `yaml:"lease_retry_delay" env:"LEASE_RETRY_DELAY"`
	// InterruptRetention keeps resolved interrupts around so late duplicates
	// get AlreadyResolved. Zero keeps the coordinator default.
	InterruptRetention time.Duration `yaml:"interrupt_retention" env:"INTERRUPT_RETENTION"`
}

// DefaultConfig returns the default engine settings.
func DefaultConfig() Config {
	return Config{
		Pool:            pool.DefaultGoroutinePoolConfig(),
		RecoverOnStart:  true,
		RecoveryWindow:  24 * time.Hour,
		LeaseRetries:    50,
		LeaseRetryDelay: 20 * time.Millisecond,
	}
}

// Deps are the backends the engine composes.
type Deps struct {
	Registry    *task.Registry
	Bus         *event.Bus
	Checkpoints checkpoint.Store
	Gateway     *stream.Gateway
	Queue       queue.Queue
	Graphs      executor.GraphFunc
}

// Engine is the external API of the task runtime: it creates, inspects,
// streams, cancels and resumes tasks, and runs queued work on a worker pool.
type Engine struct {
	registry   *task.Registry
	bus        *event.Bus
	gateway    *stream.Gateway
	queue      queue.Queue
	exec       *executor.Executor
	interrupts *interrupt.Coordinator
	pool       *pool.GoroutinePool
	config     Config
	logger     *zap.Logger
	metrics    *metrics.Collector

	// dispatchCtx stops dequeuing; runCtx stops running executors.
	dispatchCtx  context.Context
	stopDispatch context.CancelFunc
	runCtx       context.Context
	stopRuns     context.CancelFunc
	dispatchers  sync.WaitGroup
	startOnce    sync.Once
	closeOnce    sync.Once
}

// New wires an engine. Call Start to begin processing jobs.
func New(deps Deps, config Config, logger *zap.Logger, collector *metrics.Collector) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.RecoveryWindow <= 0 {
		config.RecoveryWindow = def.RecoveryWindow
	}
	if config.LeaseRetries <= 0 {
		config.LeaseRetries = def.LeaseRetries
	}
	if config.LeaseRetryDelay <= 0 {
		config.LeaseRetryDelay = def.LeaseRetryDelay
	}

	e := &Engine{
		registry: deps.Registry,
		bus:      deps.Bus,
		gateway:  deps.Gateway,
		queue:    deps.Queue,
		config:   config,
		logger:   logger.With(zap.String("component", "engine")),
		metrics:  collector,
	}
	e.interrupts = interrupt.NewCoordinator(deps.Bus, deps.Registry, e, logger, collector)
	if config.InterruptRetention > 0 {
		e.interrupts.Retention = config.InterruptRetention
	}
	e.exec = executor.New(executor.Deps{
		Registry:    deps.Registry,
		Bus:         deps.Bus,
		Checkpoints: deps.Checkpoints,
		Interrupts:  e.interrupts,
		Graphs:      deps.Graphs,
	}, config.Executor, logger, collector)
	e.pool = pool.NewGoroutinePool(config.Pool, logger)
	e.dispatchCtx, e.stopDispatch = context.WithCancel(context.Background())
	e.runCtx, e.stopRuns = context.WithCancel(context.Background())
	return e
}

// Executor exposes the executor, for tooling and tests.
func (e *Engine) Executor() *executor.Executor { return e.exec }

// =============================================================================
// External API
// =============================================================================

// CreateTask registers a PENDING task and schedules its run.
func (e *Engine) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	t, err := e.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, queue.Job{Kind: queue.KindRun, TaskID: t.ID}); err != nil {
		e.logger.Error("schedule task failed", zap.String("task_id", t.ID), zap.Error(err))
		msg := "task could not be scheduled"
		if _, ferr := e.registry.Fail(ctx, t.ID, executor.ErrorTypeInternal, msg); ferr == nil {
			_ = e.exec.Emit(ctx, event.New(t.ID, "", event.Error{ErrorType: executor.ErrorTypeInternal, Message: msg}))
		}
		return nil, types.NewError(types.ErrInternalError, msg).WithCause(err).WithRetryable(true)
	}
	return t, nil
}

// GetTask returns a task visible to owner. An empty owner sees every task;
// another owner's task is reported as not found.
func (e *Engine) GetTask(ctx context.Context, owner, id string) (*task.Task, error) {
	t, err := e.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if owner != "" && t.OwnerID != owner {
		return nil, types.NewNotFoundError("task", id)
	}
	return t, nil
}

// ListTasks lists tasks visible to owner.
func (e *Engine) ListTasks(ctx context.Context, owner string, filter task.Filter) ([]*task.Task, error) {
	if owner != "" {
		filter.OwnerID = owner
	}
	return e.registry.List(ctx, filter)
}

// Subscribe streams a task's events from fromSeq.
func (e *Engine) Subscribe(ctx context.Context, owner, id string, fromSeq int64) (*stream.Subscription, error) {
	if _, err := e.GetTask(ctx, owner, id); err != nil {
		return nil, err
	}
	return e.gateway.Subscribe(ctx, id, fromSeq)
}

// CancelTask cancels a task. A task held by an executor gets its terminal
// event from that executor; otherwise it is emitted here.
func (e *Engine) CancelTask(ctx context.Context, owner, id string) (*task.Task, error) {
	if _, err := e.GetTask(ctx, owner, id); err != nil {
		return nil, err
	}
	out, err := e.registry.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !out.Owned {
		final := event.New(id, "", event.FinalResult{Status: string(task.StatusCanceled), Reason: "canceled by request"})
		if err := e.exec.Emit(ctx, final); err != nil {
			// recovery's terminal reconciliation appends it later
			e.logger.Error("append cancel event failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	return out.Task, nil
}

// ResolveInterrupt answers the task's pending interrupt and schedules the
// continuation.
func (e *Engine) ResolveInterrupt(ctx context.Context, owner, id, interruptID string, res types.Resolution) error {
	if _, err := e.GetTask(ctx, owner, id); err != nil {
		return err
	}
	if err := e.hydrate(ctx, id); err != nil {
		return err
	}
	return e.interrupts.Resolve(ctx, id, interruptID, res)
}

// PendingInterrupt returns the task's unresolved interrupt.
func (e *Engine) PendingInterrupt(ctx context.Context, owner, id string) (interrupt.PendingInterrupt, error) {
	if _, err := e.GetTask(ctx, owner, id); err != nil {
		return interrupt.PendingInterrupt{}, err
	}
	if err := e.hydrate(ctx, id); err != nil {
		return interrupt.PendingInterrupt{}, err
	}
	p, ok := e.interrupts.GetPending(id)
	if !ok {
		return interrupt.PendingInterrupt{}, types.Errorf(types.ErrNotFound, "task %s has no pending interrupt", id)
	}
	return p, nil
}

// hydrate replays the log of an awaiting task this process has not seen,
// e.g. one suspended by another engine sharing the stores.
func (e *Engine) hydrate(ctx context.Context, id string) error {
	if _, ok := e.interrupts.GetPending(id); ok {
		return nil
	}
	t, err := e.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress || t.Phase != task.PhaseAwaitingInterrupt {
		return nil
	}
	evs, err := e.bus.Snapshot(ctx, id, 0)
	if err != nil {
		return fmt.Errorf("replay events: %w", err)
	}
	for _, ev := range evs {
		if err := e.interrupts.Observe(ctx, ev); err != nil {
			e.logger.Debug("hydrate observe", zap.String("task_id", id), zap.Error(err))
		}
	}
	return nil
}

// =============================================================================
// interrupt.Resumer
// =============================================================================

// Resume schedules the continuation of a task whose interrupt was resolved.
func (e *Engine) Resume(ctx context.Context, taskID, interruptID string, res types.Resolution) error {
	return e.queue.Enqueue(ctx, queue.Job{
		Kind:        queue.KindResume,
		TaskID:      taskID,
		InterruptID: interruptID,
		Resolution:  &res,
	})
}

// Expire fails a task whose interrupt timed out.
func (e *Engine) Expire(ctx context.Context, taskID, interruptID string) error {
	return e.exec.Expire(ctx, taskID, interruptID)
}

var _ interrupt.Resumer = (*Engine)(nil)

// =============================================================================
// Lifecycle
// =============================================================================

// Start recovers unfinished work when configured and starts the dispatchers.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if e.config.RecoverOnStart {
			if err = e.RecoverAll(ctx); err != nil {
				return
			}
		}
		n := e.config.Pool.MaxWorkers
		if n <= 0 {
			n = pool.DefaultGoroutinePoolConfig().MaxWorkers
		}
		for i := 0; i < n; i++ {
			e.dispatchers.Add(1)
			go e.dispatch()
		}
		e.logger.Info("engine started", zap.Int("workers", n))
	})
	return err
}

// Close stops taking jobs, waits for running jobs until ctx is done, then
// stops the remaining executors without touching their tasks.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		e.stopDispatch()
		if qerr := e.queue.Close(); qerr != nil {
			e.logger.Warn("close queue", zap.Error(qerr))
		}
		e.gateway.Close()

		waited := make(chan struct{})
		go func() {
			e.dispatchers.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			e.logger.Warn("shutdown deadline reached, abandoning running tasks")
			e.stopRuns()
			<-waited
		}
		e.stopRuns()

		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = e.pool.Close(pctx)
		e.interrupts.Close()
		e.logger.Info("engine stopped")
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("worker pool did not drain: %w", err)
	}
	return err
}
