package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/taskflow/event"
	"github.com/BaSui01/taskflow/task"
	"github.com/BaSui01/taskflow/types"
)

const canceledReason = "canceled by request"

// drive runs nodes from the state cursor until the graph ends or the task
// suspends, fails or is canceled.
func (e *Executor) drive(r *run) error {
	for r.state.Cursor < r.graph.Len() {
		if stop, err := e.boundary(r); stop {
			return err
		}

		n := r.graph.nodes[r.state.Cursor]
		if !r.skipStart {
			start := event.New(r.task.ID, n.name, event.StepStart{Step: n.name, Index: r.state.Cursor})
			if err := e.Emit(r.ctx, start); err != nil {
				return e.emitFailure(r, err)
			}
		}
		r.skipStart = false

		started := time.Now()
		res, err := e.runNode(r, n)
		elapsed := time.Since(started)

		if r.ctx.Err() != nil {
			return e.abandon(r)
		}
		if stop, serr := e.boundary(r); stop {
			e.metrics.RecordStep(n.name, "canceled", elapsed)
			return serr
		}
		if err != nil {
			e.metrics.RecordStep(n.name, "failed", elapsed)
			return e.fail(r, err)
		}

		if res.Suspended() {
			spec := res.Interrupt()
			if pauses(r.task.Mode, spec) {
				e.metrics.RecordStep(n.name, "suspended", elapsed)
				return e.suspend(r, n.name, spec, res.progress)
			}
			if rs := r.state.Resume; rs != nil && rs.Auto && rs.Step == n.name {
				return e.fail(r, types.NewStepExecutionError(ErrorTypeInvalidOutput,
					fmt.Sprintf("step %s suspended again after its interrupt was skipped", n.name), nil))
			}
			r.log.Debug("interrupt skipped by mode", zap.String("step", n.name), zap.String("mode", string(r.task.Mode)))
			r.state.Resume = &ResumeState{
				Step:        n.name,
				InterruptID: uuid.New().String(),
				Resolution:  types.Accept(),
				Proposal:    spec.Proposal,
				Auto:        true,
				Progress:    res.progress,
			}
			r.skipStart = true
			continue
		}

		output, err := normalizeOutput(n.name, res.Output())
		if err != nil {
			e.metrics.RecordStep(n.name, "failed", elapsed)
			return e.fail(r, err)
		}
		r.state.Outputs[n.name] = output
		r.state.Cursor++
		r.state.Resume = nil
		if err := e.save(r); err != nil {
			return e.internalFailure(r, err)
		}

		done := event.New(r.task.ID, n.name, event.StepComplete{Step: n.name, ElapsedMS: elapsed.Milliseconds()})
		if err := e.Emit(r.ctx, done); err != nil {
			return e.emitFailure(r, err)
		}
		e.metrics.RecordStep(n.name, "completed", elapsed)
	}
	return e.complete(r)
}

// boundary reports whether the run must stop because the task reached a
// terminal status elsewhere or the process is shutting down.
func (e *Executor) boundary(r *run) (bool, error) {
	status, err := r.lease.CheckFinished(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return true, e.abandon(r)
		}
		r.log.Warn("status check failed", zap.Error(err))
		return false, nil
	}
	switch status {
	case "":
		return false, nil
	case task.StatusCanceled:
		return true, e.finishCanceled(r)
	default:
		// 终态由别处写入（例如挂起超时），终止事件也由写入方负责
		r.log.Info("task finished elsewhere, run stopped", zap.String("status", string(status)))
		r.lease.Release(r.ctx, task.PhaseNone)
		return true, nil
	}
}

func (e *Executor) runNode(r *run, n node) (Result, error) {
	if n.group != nil {
		return e.runGroup(r, n.group)
	}
	return e.runStep(r.ctx, r, *n.step, r.state.input(r.base, n.name))
}

// runStep invokes one step with its timeout, span, emitter and panic guard.
func (e *Executor) runStep(parent context.Context, r *run, s Step, in Input) (res Result, err error) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = e.config.StepTimeout
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}
	go func() {
		select {
		case <-r.lease.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx, span := e.tracer.Start(ctx, "taskflow.step", trace.WithAttributes(
		attribute.String("task.id", r.task.ID),
		attribute.String("step.name", s.Name),
		attribute.Bool("step.resumed", in.Resume != nil),
	))
	defer span.End()

	em := newStepEmitter(ctx, e, r.lease, r.task.ID, s.Name, r.state.progressFloor(s.Name))
	defer em.seal()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("step panicked", zap.String("step", s.Name), zap.Any("panic", p), zap.Stack("stack"))
			res = Result{}
			err = types.NewStepExecutionError(ErrorTypePanic, fmt.Sprintf("step %s panicked: %v", s.Name, p), nil)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	res, err = s.Run(ctx, in, em)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return Result{}, types.NewStepExecutionError(ErrorTypeTimeout,
				fmt.Sprintf("step %s exceeded %s", s.Name, timeout), err)
		}
		return Result{}, err
	}
	if !res.valid() {
		return Result{}, types.NewStepExecutionError(ErrorTypeInvalidOutput,
			fmt.Sprintf("step %s returned no result", s.Name), nil)
	}
	res.progress = em.floor()
	return res, nil
}

// runGroup fans a parallel group out and combines the outputs after every
// step finished.
func (e *Executor) runGroup(r *run, p *Parallel) (Result, error) {
	g, gctx := errgroup.WithContext(r.ctx)
	var mu sync.Mutex
	outputs := make(map[string]json.RawMessage, len(p.Steps))

	for _, s := range p.Steps {
		s := s
		g.Go(func() error {
			res, err := e.runStep(gctx, r, s, r.state.input(r.base, s.Name))
			if err != nil {
				return err
			}
			if res.Suspended() {
				return types.NewStepExecutionError(ErrorTypeInvalidOutput,
					fmt.Sprintf("step %s cannot suspend inside parallel group %s", s.Name, p.Name), nil)
			}
			out, err := normalizeOutput(s.Name, res.Output())
			if err != nil {
				return err
			}
			mu.Lock()
			outputs[s.Name] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	combined, err := p.Combine(outputs)
	if err != nil {
		return Result{}, types.NewStepExecutionError(ErrorTypeInvalidOutput,
			fmt.Sprintf("combine parallel group %s", p.Name), err)
	}
	return Continue(combined), nil
}

func normalizeOutput(step string, out json.RawMessage) (json.RawMessage, error) {
	if len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(out) {
		return nil, types.NewStepExecutionError(ErrorTypeInvalidOutput,
			fmt.Sprintf("step %s returned invalid JSON", step), nil)
	}
	return out, nil
}

// suspend checkpoints the paused state, announces the interrupt and releases
// the task. Nothing waits for the human afterwards.
func (e *Executor) suspend(r *run, step string, spec InterruptSpec, progress float64) error {
	if !spec.Config.Valid() {
		return e.fail(r, types.NewStepExecutionError(ErrorTypeInvalidOutput,
			fmt.Sprintf("step %s suspended with unknown resolution config %q", step, spec.Config), nil))
	}
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = e.config.InterruptTimeout
	}
	if timeout < 0 {
		timeout = 0
	}

	aw := &Awaiting{
		Step:        step,
		InterruptID: uuid.New().String(),
		Config:      spec.Config,
		Proposal:    spec.Proposal,
		Message:     spec.Message,
		TimeoutMS:   timeout.Milliseconds(),
		RequestedAt: e.now(),
		Progress:    progress,
	}
	r.state.Awaiting = aw
	r.state.Resume = nil
	if err := e.save(r); err != nil {
		return e.internalFailure(r, err)
	}
	if err := e.Emit(r.ctx, requestEvent(r.task.ID, aw)); err != nil {
		return e.emitFailure(r, err)
	}
	r.log.Info("task suspended",
		zap.String("step", step),
		zap.String("interrupt_id", aw.InterruptID),
		zap.String("config", string(aw.Config)),
	)
	return e.park(r)
}

// park releases the lease of a task that waits for a human.
func (e *Executor) park(r *run) error {
	t, err := r.lease.Release(r.ctx, task.PhaseAwaitingInterrupt)
	if err != nil {
		return err
	}
	if t.Status == task.StatusCanceled {
		return e.emitCanceled(r)
	}
	return nil
}

func (e *Executor) complete(r *run) error {
	var output json.RawMessage
	if n := r.graph.Len(); n > 0 {
		output = r.state.Outputs[r.graph.nodes[n-1].name]
	}
	if _, err := e.registry.Transition(r.ctx, r.task.ID, task.StatusCompleted); err != nil {
		return e.finishRejected(r, err)
	}
	final := event.New(r.task.ID, "", event.FinalResult{Status: string(task.StatusCompleted), Output: output})
	if err := e.Emit(r.ctx, final); err != nil {
		r.log.Error("append final result failed", zap.Error(err))
	}
	r.lease.Release(r.ctx, task.PhaseNone)
	r.log.Info("task completed", zap.Int("steps", r.graph.Len()))
	return nil
}

// fail records a step failure on the task and emits the error event.
func (e *Executor) fail(r *run, cause error) error {
	errType, msg := classify(cause)
	if _, err := e.registry.Fail(r.ctx, r.task.ID, errType, msg); err != nil {
		return e.finishRejected(r, err)
	}
	ev := event.New(r.task.ID, "", event.Error{ErrorType: errType, Message: msg})
	if err := e.Emit(r.ctx, ev); err != nil {
		r.log.Error("append error event failed", zap.Error(err))
	}
	r.lease.Release(r.ctx, task.PhaseNone)
	return nil
}

// finishRejected handles a refused terminal transition: a cancel or an
// interrupt timeout got there first.
func (e *Executor) finishRejected(r *run, err error) error {
	if r.ctx.Err() != nil {
		return e.abandon(r)
	}
	if !types.IsErrorCode(err, types.ErrInvalidTransition) {
		r.lease.Abandon()
		return err
	}
	t, gerr := e.registry.Get(r.ctx, r.task.ID)
	if gerr == nil && t.Status == task.StatusCanceled {
		return e.finishCanceled(r)
	}
	r.lease.Release(r.ctx, task.PhaseNone)
	return nil
}

func (e *Executor) internalFailure(r *run, err error) error {
	if r.ctx.Err() != nil {
		return e.abandon(r)
	}
	return e.fail(r, types.NewStepExecutionError(ErrorTypeInternal, "checkpoint save failed", err))
}

func (e *Executor) emitFailure(r *run, err error) error {
	if r.ctx.Err() != nil {
		return e.abandon(r)
	}
	if errors.Is(err, event.ErrTaskFinished) {
		// 日志已有终止事件，任务已由别处结束
		r.log.Info("event log closed, run stopped")
		r.lease.Release(r.ctx, task.PhaseNone)
		return nil
	}
	return e.fail(r, err)
}

// finishCanceled emits the terminal event of a task canceled while this run
// held it.
func (e *Executor) finishCanceled(r *run) error {
	r.lease.Release(r.ctx, task.PhaseNone)
	return e.emitCanceled(r)
}

func (e *Executor) emitCanceled(r *run) error {
	final := event.New(r.task.ID, "", event.FinalResult{Status: string(task.StatusCanceled), Reason: canceledReason})
	if err := e.Emit(r.ctx, final); err != nil && !errors.Is(err, event.ErrTaskFinished) {
		return err
	}
	r.log.Info("task canceled", zap.Int("cursor", r.state.Cursor))
	return nil
}

// abandon leaves the task untouched for recovery when the process stops.
func (e *Executor) abandon(r *run) error {
	r.lease.Abandon()
	r.log.Info("executor stopping, task left for recovery", zap.Int("cursor", r.state.Cursor))
	return r.ctx.Err()
}

func (e *Executor) save(r *run) error {
	data, err := r.state.encode()
	if err != nil {
		return err
	}
	started := time.Now()
	id, err := e.checkpoints.Save(r.ctx, r.task.ThreadID, data)
	if err != nil {
		return err
	}
	e.metrics.RecordCheckpointSave(time.Since(started))
	r.log.Debug("checkpoint saved", zap.Int64("checkpoint_id", id), zap.Int("cursor", r.state.Cursor))
	return nil
}

// classify maps a step failure to its error type and message.
func classify(err error) (string, string) {
	if e, ok := types.AsError(err); ok && e.Code == types.ErrStepExecution && e.ErrorType != "" {
		msg := e.Message
		if e.Cause != nil {
			msg += ": " + e.Cause.Error()
		}
		return e.ErrorType, msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout, err.Error()
	}
	return ErrorTypeStep, err.Error()
}
