package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

// PendingInterrupt is a pause point waiting for a human decision.
type PendingInterrupt struct {
	ID         string                 `json:"id"`
	TaskID     string                 `json:"task_id"`
	Step       string                 `json:"step"`
	Config     types.ResolutionConfig `json:"config"`
	Proposal   json.RawMessage        `json:"proposal,omitempty"`
	Message    string                 `json:"message,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Deadline   *time.Time             `json:"deadline,omitempty"`
	Resolved   bool                   `json:"resolved"`
	Resolution *types.Resolution      `json:"resolution,omitempty"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}

// Resumer continues a task once its interrupt is settled. Resume must not
// block on the workflow itself; it only schedules the continuation.
type Resumer interface {
	Resume(ctx context.Context, taskID, interruptID string, resolution types.Resolution) error
	Expire(ctx context.Context, taskID, interruptID string) error
}

// Appender appends events to a task's log.
type Appender interface {
	Append(ctx context.Context, ev event.Event) (int64, error)
}

// TaskReader reads task records.
type TaskReader interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

type state int

const (
	stateOpen state = iota
	stateResolving
	stateResolved
	stateExpired
)

type record struct {
	pending PendingInterrupt
	state   state
	timer   *time.Timer
}

type taskInterrupts struct {
	open     *record
	resolved map[string]*record
	// finished is set by the terminal event; resolved ids linger until evict
	// fires so a repeated resolve still reports AlreadyResolved.
	finished bool
	evict    *time.Timer
}

// Coordinator tracks at most one unresolved interrupt per task, validates
// resolutions and triggers the resume.
type Coordinator struct {
	bus     Appender
	tasks   TaskReader
	resumer Resumer
	logger  *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	// ExpireTimeout bounds the Expire callback fired by an interrupt timer.
	ExpireTimeout time.Duration
	// Retention keeps the resolved interrupts of a finished task.
	Retention time.Duration

	mu     sync.Mutex
	byTask map[string]*taskInterrupts
	closed bool
}

// NewCoordinator creates a coordinator.
func NewCoordinator(bus Appender, tasks TaskReader, resumer Resumer, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		bus:           bus,
		tasks:         tasks,
		resumer:       resumer,
		logger:        logger.With(zap.String("component", "interrupt_coordinator")),
		metrics:       collector,
		now:           func() time.Time { return time.Now().UTC() },
		ExpireTimeout: 30 * time.Second,
		Retention:     10 * time.Minute,
		byTask:        make(map[string]*taskInterrupts),
	}
}

// Observe folds an event into the coordinator. The executor calls it right
// after appending interrupt_request; recovery replays a task's whole log
// through it. interrupt_request for a task that already has a different
// unresolved interrupt yields Conflict.
func (c *Coordinator) Observe(ctx context.Context, ev event.Event) error {
	switch p := ev.Payload.(type) {
	case event.InterruptRequest:
		return c.open(ev, p)
	case event.InterruptResolved:
		c.markResolved(ev.TaskID, p.InterruptID, p.Resolution, ev.Timestamp)
		return nil
	default:
		if ev.Type.Terminal() {
			c.forget(ev.TaskID)
		}
		return nil
	}
}

func (c *Coordinator) open(ev event.Event, p event.InterruptRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ti := c.byTask[ev.TaskID]
	if ti == nil {
		ti = &taskInterrupts{resolved: make(map[string]*record)}
		c.byTask[ev.TaskID] = ti
	}
	if _, done := ti.resolved[p.InterruptID]; done || ti.finished {
		return nil
	}
	if ti.open != nil {
		if ti.open.pending.ID == p.InterruptID {
			return nil
		}
		return types.Errorf(types.ErrConflict,
			"task %s already has unresolved interrupt %s", ev.TaskID, ti.open.pending.ID)
	}

	created := ev.Timestamp
	if created.IsZero() {
		created = c.now()
	}
	rec := &record{pending: PendingInterrupt{
		ID:        p.InterruptID,
		TaskID:    ev.TaskID,
		Step:      p.Step,
		Config:    p.Config,
		Proposal:  p.Proposal,
		Message:   p.Message,
		CreatedAt: created,
	}}
	if p.TimeoutMS > 0 && !c.closed {
		deadline := created.Add(time.Duration(p.TimeoutMS) * time.Millisecond)
		rec.pending.Deadline = &deadline
		wait := deadline.Sub(c.now())
		if wait < 0 {
			wait = 0
		}
		taskID, id := ev.TaskID, p.InterruptID
		rec.timer = time.AfterFunc(wait, func() { c.expire(taskID, id) })
	}
	ti.open = rec

	c.metrics.RecordInterruptOpened()
	c.logger.Info("interrupt pending",
		zap.String("task_id", ev.TaskID),
		zap.String("interrupt_id", p.InterruptID),
		zap.String("step", p.Step),
		zap.String("config", string(p.Config)),
	)
	return nil
}

func (c *Coordinator) markResolved(taskID, id string, res types.Resolution, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ti := c.byTask[taskID]
	if ti == nil || ti.open == nil || ti.open.pending.ID != id {
		return
	}
	c.settle(ti, res, at)
}

// settle moves the open record to resolved. Caller holds c.mu.
func (c *Coordinator) settle(ti *taskInterrupts, res types.Resolution, at time.Time) {
	rec := ti.open
	if rec.timer != nil {
		rec.timer.Stop()
	}
	if at.IsZero() {
		at = c.now()
	}
	rec.state = stateResolved
	rec.pending.Resolved = true
	rec.pending.Resolution = &res
	rec.pending.ResolvedAt = &at
	ti.resolved[rec.pending.ID] = rec
	ti.open = nil
	c.metrics.RecordInterruptClosed()
}

func (c *Coordinator) forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ti := c.byTask[taskID]
	if ti == nil {
		return
	}
	if ti.open != nil {
		if ti.open.timer != nil {
			ti.open.timer.Stop()
		}
		c.metrics.RecordInterruptClosed()
		c.logger.Debug("interrupt invalidated by terminal event",
			zap.String("task_id", taskID), zap.String("interrupt_id", ti.open.pending.ID))
		ti.open = nil
	}
	if len(ti.resolved) == 0 || c.closed {
		delete(c.byTask, taskID)
		return
	}
	if ti.finished {
		return
	}
	ti.finished = true
	ti.evict = time.AfterFunc(c.Retention, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.byTask[taskID] == ti {
			delete(c.byTask, taskID)
		}
	})
}

// GetPending returns the unresolved interrupt of a task.
func (c *Coordinator) GetPending(taskID string) (PendingInterrupt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ti := c.byTask[taskID]
	if ti == nil || ti.open == nil || ti.open.state == stateExpired {
		return PendingInterrupt{}, false
	}
	return ti.open.pending, true
}

// Resolve applies a human decision to the task's pending interrupt. On success
// interrupt_resolved is appended and the Resumer schedules the continuation.
// A second resolve of the same interrupt yields AlreadyResolved and emits
// nothing; an invalid resolution changes nothing.
func (c *Coordinator) Resolve(ctx context.Context, taskID, interruptID string, res types.Resolution) error {
	c.mu.Lock()
	ti := c.byTask[taskID]
	var rec *record
	if ti != nil {
		if r, ok := ti.resolved[interruptID]; ok {
			c.mu.Unlock()
			c.metrics.RecordInterruptResolution(string(res.Kind), "already_resolved")
			return types.Errorf(types.ErrAlreadyResolved, "interrupt %s already resolved", r.pending.ID)
		}
		if ti.open != nil && ti.open.pending.ID == interruptID {
			rec = ti.open
		}
	}
	if rec == nil {
		c.mu.Unlock()
		return c.missing(ctx, taskID, interruptID, res)
	}
	switch rec.state {
	case stateResolving:
		c.mu.Unlock()
		c.metrics.RecordInterruptResolution(string(res.Kind), "already_resolved")
		return types.Errorf(types.ErrAlreadyResolved, "interrupt %s is being resolved", interruptID)
	case stateExpired:
		c.mu.Unlock()
		c.metrics.RecordInterruptResolution(string(res.Kind), "expired")
		return types.Errorf(types.ErrTimeout, "interrupt %s expired", interruptID)
	}
	if err := validate(rec.pending.Config, res); err != nil {
		c.mu.Unlock()
		c.metrics.RecordInterruptResolution(string(res.Kind), "invalid")
		return err
	}
	rec.state = stateResolving
	step := rec.pending.Step
	c.mu.Unlock()

	if err := c.checkTaskOpen(ctx, taskID); err != nil {
		c.reopen(taskID, rec)
		c.metrics.RecordInterruptResolution(string(res.Kind), "terminal")
		return err
	}

	ev := event.New(taskID, step, event.InterruptResolved{InterruptID: interruptID, Resolution: res})
	ev.Timestamp = c.now()
	if _, err := c.bus.Append(ctx, ev); err != nil {
		c.reopen(taskID, rec)
		if errors.Is(err, event.ErrTaskFinished) {
			// 检查之后任务被取消或超时，终止事件已落盘
			c.metrics.RecordInterruptResolution(string(res.Kind), "terminal")
		}
		return err
	}

	c.mu.Lock()
	if ti := c.byTask[taskID]; ti != nil && ti.open == rec {
		c.settle(ti, res, ev.Timestamp)
	}
	c.mu.Unlock()

	c.metrics.RecordInterruptResolution(string(res.Kind), "accepted")
	c.logger.Info("interrupt resolved",
		zap.String("task_id", taskID),
		zap.String("interrupt_id", interruptID),
		zap.String("kind", string(res.Kind)),
	)

	if err := c.resumer.Resume(ctx, taskID, interruptID, res); err != nil {
		c.logger.Error("schedule resume failed; recovery will pick it up",
			zap.String("task_id", taskID), zap.Error(err))
		return err
	}
	return nil
}

func (c *Coordinator) reopen(taskID string, rec *record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.state == stateResolving {
		rec.state = stateOpen
	}
}

// missing explains why no open interrupt matched.
func (c *Coordinator) missing(ctx context.Context, taskID, interruptID string, res types.Resolution) error {
	if err := c.checkTaskOpen(ctx, taskID); err != nil {
		c.metrics.RecordInterruptResolution(string(res.Kind), "terminal")
		return err
	}
	c.metrics.RecordInterruptResolution(string(res.Kind), "not_found")
	return types.NewNotFoundError("interrupt", interruptID)
}

func (c *Coordinator) checkTaskOpen(ctx context.Context, taskID string) error {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return types.Errorf(types.ErrInvalidTransition, "task %s is already %s", taskID, t.Status)
	}
	return nil
}

func validate(config types.ResolutionConfig, res types.Resolution) error {
	if err := res.Validate(); err != nil {
		return types.NewError(types.ErrInvalidResolution, err.Error()).WithCause(err)
	}
	if !config.Allows(res.Kind) {
		return types.Errorf(types.ErrInvalidResolution,
			"resolution %q not allowed by %s", res.Kind, config)
	}
	return nil
}

func (c *Coordinator) expire(taskID, interruptID string) {
	c.mu.Lock()
	ti := c.byTask[taskID]
	if ti == nil || ti.open == nil || ti.open.pending.ID != interruptID || ti.open.state != stateOpen {
		c.mu.Unlock()
		return
	}
	ti.open.state = stateExpired
	c.mu.Unlock()

	c.logger.Warn("interrupt timed out",
		zap.String("task_id", taskID), zap.String("interrupt_id", interruptID))

	ctx, cancel := context.WithTimeout(context.Background(), c.ExpireTimeout)
	defer cancel()
	if err := c.resumer.Expire(ctx, taskID, interruptID); err != nil {
		c.logger.Error("expire interrupt failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// Close stops every pending timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, ti := range c.byTask {
		if ti.open != nil && ti.open.timer != nil {
			ti.open.timer.Stop()
		}
		if ti.evict != nil {
			ti.evict.Stop()
		}
	}
}
