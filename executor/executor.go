package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

const instrumentationName = "github.com/BaSui01/taskflow/executor"

// Error types recorded on failed tasks and in error events.
const (
	ErrorTypeStep             = "step_error"
	ErrorTypePanic            = "panic"
	ErrorTypeTimeout          = "timeout"
	ErrorTypeInvalidOutput    = "invalid_output"
	ErrorTypeSequenceConflict = "sequence_conflict"
	ErrorTypeInternal         = "internal"
)

// Config tunes the executor.
type Config struct {
	// StepTimeout bounds a step that declares no timeout. Zero means none.
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	// InterruptTimeout applies to interrupts that declare no timeout. Zero
	// means interrupts wait forever.
	InterruptTimeout time.Duration `yaml:"interrupt_timeout" env:"INTERRUPT_TIMEOUT"`
}

// GraphFunc picks the step graph for a task.
type GraphFunc func(t *task.Task) (*Graph, error)

// Observer receives interrupt_request and terminal events after they are
// appended.
type Observer interface {
	Observe(ctx context.Context, ev event.Event) error
}

// Deps are the handles the executor works with.
type Deps struct {
	Registry    *task.Registry
	Bus         *event.Bus
	Checkpoints checkpoint.Store
	Interrupts  Observer
	Graphs      GraphFunc
}

// Executor runs step graphs for tasks. It never blocks waiting for a human:
// a suspended task is checkpointed, announced and released, and a later
// Resume call continues it.
type Executor struct {
	registry    *task.Registry
	bus         *event.Bus
	checkpoints checkpoint.Store
	interrupts  Observer
	graphs      GraphFunc
	config      Config
	logger      *zap.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates an executor.
func New(deps Deps, config Config, logger *zap.Logger, collector *metrics.Collector) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		registry:    deps.Registry,
		bus:         deps.Bus,
		checkpoints: deps.Checkpoints,
		interrupts:  deps.Interrupts,
		graphs:      deps.Graphs,
		config:      config,
		logger:      logger.With(zap.String("component", "executor")),
		metrics:     collector,
		tracer:      otel.Tracer(instrumentationName),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// run is the state of one executor invocation on one task.
type run struct {
	ctx       context.Context
	lease     *task.Lease
	task      *task.Task
	graph     *Graph
	state     *State
	base      Input
	skipStart bool
	log       *zap.Logger
}

func (e *Executor) newRun(ctx context.Context, lease *task.Lease, st *State) (*run, error) {
	t := lease.Task()
	g, err := e.graphs(t)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow graph: %w", err)
	}
	return &run{
		ctx:   ctx,
		lease: lease,
		task:  t,
		graph: g,
		state: st,
		base: Input{
			TaskID:       t.ID,
			Topic:        t.Topic,
			Mode:         t.Mode,
			ReportConfig: t.ReportConfig,
		},
		log: e.logger.With(zap.String("task_id", t.ID)),
	}, nil
}

// Run starts a PENDING task and drives it until it completes, fails, is
// canceled or suspends.
func (e *Executor) Run(ctx context.Context, taskID string) error {
	lease, err := e.registry.Acquire(ctx, taskID)
	if err != nil {
		return err
	}
	r, err := e.newRun(ctx, lease, newState())
	if err != nil {
		return e.failLease(ctx, lease, ErrorTypeInternal, err.Error())
	}
	r.log.Info("task started", zap.String("graph", r.graph.Name()), zap.String("mode", string(r.task.Mode)))
	return e.drive(r)
}

// Resume continues a task whose interrupt was resolved. The suspended step is
// re-invoked with the resolution; earlier steps are not run again.
func (e *Executor) Resume(ctx context.Context, taskID, interruptID string, resolution types.Resolution) error {
	lease, err := e.registry.Acquire(ctx, taskID)
	if err != nil {
		return err
	}
	st, err := e.loadState(ctx, lease.Task())
	if err != nil {
		if ctx.Err() != nil {
			lease.Abandon()
			return ctx.Err()
		}
		return e.failLease(ctx, lease, ErrorTypeInternal, err.Error())
	}
	if st.Awaiting == nil || st.Awaiting.InterruptID != interruptID {
		phase := task.PhaseNone
		if st.Awaiting != nil {
			phase = task.PhaseAwaitingInterrupt
		}
		if _, err := lease.Release(ctx, phase); err != nil {
			return err
		}
		return types.Errorf(types.ErrConflict, "task %s is not awaiting interrupt %s", taskID, interruptID)
	}

	r, err := e.newRun(ctx, lease, st)
	if err != nil {
		return e.failLease(ctx, lease, ErrorTypeInternal, err.Error())
	}
	return e.resumeWith(r, resolution)
}

// resumeWith records the resolution in a checkpoint and re-enters the
// suspended node.
func (e *Executor) resumeWith(r *run, resolution types.Resolution) error {
	aw := r.state.Awaiting
	r.state.Resume = &ResumeState{
		Step:        aw.Step,
		InterruptID: aw.InterruptID,
		Resolution:  resolution,
		Proposal:    aw.Proposal,
		Progress:    aw.Progress,
	}
	r.state.Awaiting = nil
	if err := e.save(r); err != nil {
		return e.internalFailure(r, err)
	}
	r.log.Info("task resumed",
		zap.String("interrupt_id", aw.InterruptID),
		zap.String("step", aw.Step),
		zap.String("resolution", string(resolution.Kind)),
	)
	r.skipStart = true
	return e.drive(r)
}

// Recover continues an unfinished task after a restart from its latest
// checkpoint. The task's log is replayed into the interrupt observer first.
// A checkpoint that is awaiting an interrupt without a matching
// interrupt_request in the log gets the request re-emitted.
func (e *Executor) Recover(ctx context.Context, taskID string) error {
	t, err := e.registry.Get(ctx, taskID)
	if err != nil {
		return err
	}
	switch {
	case t.Status.IsTerminal():
		return e.ensureTerminal(ctx, t)
	case t.Status == task.StatusPending:
		return e.Run(ctx, taskID)
	}

	lease, err := e.registry.Acquire(ctx, taskID, task.WithRecover())
	if err != nil {
		return err
	}
	evs, err := e.bus.Snapshot(ctx, taskID, 0)
	if err != nil {
		lease.Abandon()
		return fmt.Errorf("replay events: %w", err)
	}
	for _, ev := range evs {
		if e.interrupts == nil {
			break
		}
		if err := e.interrupts.Observe(ctx, ev); err != nil {
			e.logger.Warn("replay observe failed", zap.String("task_id", taskID), zap.Int64("seq", ev.Seq), zap.Error(err))
		}
	}
	if n := len(evs); n > 0 && evs[n-1].Type.Terminal() {
		_, err := lease.Release(ctx, task.PhaseNone)
		return err
	}

	st, err := e.loadState(ctx, t)
	if errors.Is(err, checkpoint.ErrNotFound) {
		st, err = newState(), nil
	}
	if err != nil {
		if ctx.Err() != nil {
			lease.Abandon()
			return ctx.Err()
		}
		return e.failLease(ctx, lease, ErrorTypeInternal, err.Error())
	}
	r, err := e.newRun(ctx, lease, st)
	if err != nil {
		return e.failLease(ctx, lease, ErrorTypeInternal, err.Error())
	}
	r.log.Info("recovering task", zap.Int("cursor", st.Cursor), zap.Bool("awaiting", st.Awaiting != nil))

	if aw := st.Awaiting; aw != nil {
		if !hasInterruptRequest(evs, aw.InterruptID) {
			r.log.Warn("interrupt request missing after checkpoint, re-emitting",
				zap.String("interrupt_id", aw.InterruptID))
			if err := e.Emit(ctx, requestEvent(t.ID, aw)); err != nil {
				return e.emitFailure(r, err)
			}
		}
		if res, ok := findResolution(evs, aw.InterruptID); ok {
			return e.resumeWith(r, res)
		}
		return e.park(r)
	}

	open := openStep(evs)
	if st.Resume != nil {
		r.skipStart = true
	} else if st.Cursor < r.graph.Len() && open == r.graph.nodes[st.Cursor].name {
		r.skipStart = true
	} else if st.Cursor > 0 && open == r.graph.nodes[st.Cursor-1].name {
		// crashed between checkpoint and step_complete
		if err := e.Emit(ctx, event.New(t.ID, open, event.StepComplete{Step: open})); err != nil {
			return e.emitFailure(r, err)
		}
	}
	return e.drive(r)
}

// Expire fails a task whose interrupt timed out. It is a no-op unless the
// task is still parked at exactly this interrupt: a timer that fires after a
// resolution, a cancel or a newer interrupt on another process loses.
func (e *Executor) Expire(ctx context.Context, taskID, interruptID string) error {
	t, err := e.registry.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() || t.Phase != task.PhaseAwaitingInterrupt {
		return nil
	}
	st, err := e.loadState(ctx, t)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}
	if st.Awaiting == nil || st.Awaiting.InterruptID != interruptID {
		e.logger.Debug("stale interrupt timeout ignored", zap.String("task_id", taskID), zap.String("interrupt_id", interruptID))
		return nil
	}

	msg := fmt.Sprintf("interrupt %s was not resolved in time", interruptID)
	// 版本不变才说明读取之后没有恢复或取消
	if _, err := e.registry.FailAwaiting(ctx, taskID, t.Version, ErrorTypeTimeout, msg); err != nil {
		if types.IsErrorCode(err, types.ErrInvalidTransition) || types.IsErrorCode(err, types.ErrConflict) {
			return nil
		}
		return err
	}
	err = e.Emit(ctx, event.New(taskID, "", event.Error{ErrorType: ErrorTypeTimeout, Message: msg}))
	if errors.Is(err, event.ErrTaskFinished) {
		return nil
	}
	return err
}

// Emit appends an event and forwards interrupt and terminal events to the
// interrupt observer.
func (e *Executor) Emit(ctx context.Context, ev event.Event) error {
	if _, err := e.bus.Append(ctx, ev); err != nil {
		return err
	}
	if e.interrupts != nil && (ev.Type == event.TypeInterruptRequest || ev.Type.Terminal()) {
		if err := e.interrupts.Observe(ctx, ev); err != nil {
			e.logger.Error("interrupt observer rejected event",
				zap.String("task_id", ev.TaskID),
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ensureTerminal appends the terminal event of a finished task when a crash
// left its log open.
func (e *Executor) ensureTerminal(ctx context.Context, t *task.Task) error {
	last, err := e.bus.LastSeq(ctx, t.ID)
	if err != nil {
		return err
	}
	if last >= 0 {
		tail, err := e.bus.Range(ctx, t.ID, last, 1)
		if err != nil {
			return err
		}
		if len(tail) == 1 && tail[0].Type.Terminal() {
			return nil
		}
	}

	e.logger.Warn("terminal event missing, appending", zap.String("task_id", t.ID), zap.String("status", string(t.Status)))
	switch t.Status {
	case task.StatusCompleted:
		var output []byte
		if st, err := e.loadState(ctx, t); err == nil {
			if g, gerr := e.graphs(t); gerr == nil && g.Len() > 0 {
				output = st.Outputs[g.nodes[g.Len()-1].name]
			}
		}
		return e.Emit(ctx, event.New(t.ID, "", event.FinalResult{Status: string(task.StatusCompleted), Output: output}))
	case task.StatusFailed:
		errType := t.ErrorType
		if errType == "" {
			errType = ErrorTypeInternal
		}
		return e.Emit(ctx, event.New(t.ID, "", event.Error{ErrorType: errType, Message: t.ErrorMessage}))
	default:
		return e.Emit(ctx, event.New(t.ID, "", event.FinalResult{Status: string(task.StatusCanceled), Reason: canceledReason}))
	}
}

func (e *Executor) loadState(ctx context.Context, t *task.Task) (*State, error) {
	cp, err := e.checkpoints.LoadLatest(ctx, t.ThreadID)
	if err != nil {
		return nil, err
	}
	return decodeState(cp.State)
}

// failLease fails a task outside of a run, before any graph was resolved.
func (e *Executor) failLease(ctx context.Context, lease *task.Lease, errType, msg string) error {
	if _, err := e.registry.Fail(ctx, lease.TaskID(), errType, msg); err != nil {
		lease.Abandon()
		return err
	}
	defer lease.Release(ctx, task.PhaseNone)
	return e.Emit(ctx, event.New(lease.TaskID(), "", event.Error{ErrorType: errType, Message: msg}))
}

func hasInterruptRequest(evs []event.Event, interruptID string) bool {
	for _, ev := range evs {
		if p, ok := ev.Payload.(event.InterruptRequest); ok && p.InterruptID == interruptID {
			return true
		}
	}
	return false
}

func findResolution(evs []event.Event, interruptID string) (types.Resolution, bool) {
	for _, ev := range evs {
		if p, ok := ev.Payload.(event.InterruptResolved); ok && p.InterruptID == interruptID {
			return p.Resolution, true
		}
	}
	return types.Resolution{}, false
}

// openStep returns the step whose step_start has no step_complete yet.
func openStep(evs []event.Event) string {
	open := ""
	for _, ev := range evs {
		switch p := ev.Payload.(type) {
		case event.StepStart:
			open = p.Step
		case event.StepComplete:
			if p.Step == open {
				open = ""
			}
		}
	}
	return open
}

func requestEvent(taskID string, aw *Awaiting) event.Event {
	return event.New(taskID, aw.Step, event.InterruptRequest{
		InterruptID: aw.InterruptID,
		Step:        aw.Step,
		Config:      aw.Config,
		Proposal:    aw.Proposal,
		Message:     aw.Message,
		TimeoutMS:   aw.TimeoutMS,
	})
}
