package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/queue"
	"github.com/BaSui01/taskflow/types"
)

// dispatch feeds queued jobs to the worker pool until the engine closes.
func (e *Engine) dispatch() {
	defer e.dispatchers.Done()
	for {
		job, err := e.queue.Dequeue(e.dispatchCtx)
		if err != nil {
			if e.dispatchCtx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			e.logger.Warn("dequeue failed", zap.Error(err))
			select {
			case <-time.After(time.Second):
				continue
			case <-e.dispatchCtx.Done():
				return
			}
		}

		name := string(job.Kind) + ":" + job.TaskID
		err = e.pool.SubmitWait(e.runCtx, name, func(ctx context.Context) error {
			return e.handle(ctx, job)
		})
		if err != nil && e.runCtx.Err() == nil {
			e.logger.Debug("job finished with error", zap.String("job", name), zap.Error(err))
		}
	}
}

// handle runs one job. A job that finds the task leased by a run that is
// about to release it retries for a bounded time.
func (e *Engine) handle(ctx context.Context, job queue.Job) error {
	log := e.logger.With(zap.String("task_id", job.TaskID), zap.String("kind", string(job.Kind)))

	var err error
	for attempt := 1; ; attempt++ {
		err = e.execute(ctx, job)
		if !leaseBusy(err) || attempt >= e.config.LeaseRetries {
			break
		}
		select {
		case <-time.After(e.config.LeaseRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Info("job interrupted by shutdown")
		return nil
	case types.IsErrorCode(err, types.ErrInvalidTransition):
		log.Debug("job skipped, task already finished")
		return nil
	default:
		log.Error("job failed", zap.Error(err))
		return err
	}
}

func (e *Engine) execute(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindRun:
		return e.exec.Run(ctx, job.TaskID)
	case queue.KindResume:
		return e.exec.Resume(ctx, job.TaskID, job.InterruptID, *job.Resolution)
	case queue.KindRecover:
		return e.exec.Recover(ctx, job.TaskID)
	default:
		return types.Errorf(types.ErrValidation, "unknown job kind %q", job.Kind)
	}
}

func leaseBusy(err error) bool {
	return types.IsErrorCode(err, types.ErrConflict) && types.IsRetryable(err)
}
